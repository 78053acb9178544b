package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matijazezelj/ail/pkg/models"
)

// Provenance records where a field value came from.
type Provenance struct {
	SourceID    string `json:"source_id"`
	RunID       string `json:"run_id"`
	RecordID    string `json:"record_id,omitempty"`
	CollectedAt string `json:"collected_at,omitempty"`
}

// OutgoingRelation is a resolved edge attached to a canonical document.
type OutgoingRelation struct {
	Type       models.RelationType `json:"type"`
	To         RelationTarget      `json:"to"`
	SourceID   string              `json:"source_id,omitempty"`
	LastSeenAt string              `json:"last_seen_at,omitempty"`
}

// RelationTarget names the far endpoint of a resolved relation.
type RelationTarget struct {
	AssetUUID   string           `json:"asset_uuid"`
	DisplayName string           `json:"display_name"`
	AssetType   models.AssetType `json:"asset_type,omitempty"`
}

// CanonicalInput carries everything needed to build one canonical-v1
// document.
type CanonicalInput struct {
	AssetUUID   string
	AssetType   models.AssetType
	Status      models.AssetStatus
	SourceID    string
	RunID       string
	RecordID    string
	CollectedAt string
	Normalized  json.RawMessage
	Outgoing    []OutgoingRelation
}

// BuildCanonical turns a normalized payload into a canonical-v1
// document. Every leaf value is wrapped as a FieldValue carrying the
// provenance of this run; nested objects keep their structure. The
// payload's version and kind markers are dropped, and the display name
// is derived from identity.hostname, then identity.caption, then the
// asset UUID itself.
func BuildCanonical(in CanonicalInput) (json.RawMessage, error) {
	var normalized map[string]any
	if err := json.Unmarshal(in.Normalized, &normalized); err != nil {
		return nil, fmt.Errorf("decoding normalized payload: %w", err)
	}

	fields := make(map[string]any, len(normalized))
	for k, v := range normalized {
		if k == "version" || k == "kind" {
			continue
		}
		fields[k] = v
	}

	prov := Provenance{
		SourceID:    in.SourceID,
		RunID:       in.RunID,
		RecordID:    in.RecordID,
		CollectedAt: in.CollectedAt,
	}

	status := in.Status
	if status == "" {
		status = models.AssetInService
	}
	outgoing := in.Outgoing
	if outgoing == nil {
		outgoing = []OutgoingRelation{}
	}

	doc := map[string]any{
		"version":      "canonical-v1",
		"asset_uuid":   in.AssetUUID,
		"asset_type":   string(in.AssetType),
		"status":       string(status),
		"display_name": DeriveDisplayName(normalized, in.AssetUUID),
		"last_seen_at": in.CollectedAt,
		"fields":       toCanonicalNode(fields, prov),
		"relations":    map[string]any{"outgoing": outgoing},
	}

	return json.Marshal(doc)
}

// toCanonicalNode walks the payload, wrapping leaves (scalars, arrays,
// nulls) as FieldValues and recursing into objects.
func toCanonicalNode(value any, prov Provenance) any {
	if obj, ok := value.(map[string]any); ok {
		out := make(map[string]any, len(obj))
		for k, child := range obj {
			out[k] = toCanonicalNode(child, prov)
		}
		return out
	}
	return map[string]any{"value": value, "sources": []Provenance{prov}}
}

// DeriveDisplayName picks identity.hostname, then identity.caption,
// then the fallback.
func DeriveDisplayName(normalized map[string]any, fallback string) string {
	if identity, ok := normalized["identity"].(map[string]any); ok {
		if hostname, ok := identity["hostname"].(string); ok && strings.TrimSpace(hostname) != "" {
			return hostname
		}
		if caption, ok := identity["caption"].(string); ok && strings.TrimSpace(caption) != "" {
			return caption
		}
	}
	return fallback
}
