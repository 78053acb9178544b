package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const rawExcerptLimit = 2000

var (
	rawEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	rawDecoder, _ = zstd.NewReader(nil)
)

// CompressedRaw is a collector payload prepared for storage: compressed
// bytes plus enough metadata to audit and display it without
// decompressing.
type CompressedRaw struct {
	Bytes       []byte
	SizeBytes   int64
	Hash        string
	Compression string
	Excerpt     string
}

// CompressRaw compresses a raw collector payload with zstd and computes
// its sha256 and an inline excerpt of the original JSON.
func CompressRaw(payload json.RawMessage) *CompressedRaw {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	sum := sha256.Sum256(payload)

	excerpt := string(payload)
	if len(excerpt) > rawExcerptLimit {
		excerpt = excerpt[:rawExcerptLimit]
	}

	return &CompressedRaw{
		Bytes:       rawEncoder.EncodeAll(payload, nil),
		SizeBytes:   int64(len(payload)),
		Hash:        hex.EncodeToString(sum[:]),
		Compression: "zstd",
		Excerpt:     excerpt,
	}
}

// DecompressRaw restores the original payload bytes.
func DecompressRaw(compressed []byte) (json.RawMessage, error) {
	out, err := rawDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing raw payload: %w", err)
	}
	return json.RawMessage(out), nil
}
