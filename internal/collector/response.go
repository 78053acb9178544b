package collector

import (
	"encoding/json"
	"strings"

	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/internal/schema"
)

// StdoutExcerptLimit caps how much collector output is attached to
// structured errors.
const StdoutExcerptLimit = 2000

// ParseResponse is stage 1: parse stdout as JSON and check the envelope
// version. Collectors sometimes leak log lines onto stdout, so a failed
// strict parse falls back to recovering a JSON object from the noise.
func ParseResponse(stdout string) (*Response, *apperr.Error) {
	normalized := strings.TrimSpace(stripBOM(stdout))

	parseMode := "strict"
	candidate := normalized
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(normalized), &probe); err != nil {
		recovered, ok := recoverJSON(normalized)
		if !ok {
			return nil, apperr.New(apperr.CodeCollectorInvalidJSON, apperr.CategoryParse,
				"failed to parse collector stdout as json", false).
				WithContext(map[string]any{
					"parse_attempt":  "strict_then_recovery",
					"stdout_length":  len(stdout),
					"stdout_excerpt": excerpt(stdout),
				})
		}
		parseMode = "recovered"
		candidate = recovered
	}

	var version struct {
		SchemaVersion *string `json:"schema_version"`
	}
	if err := json.Unmarshal([]byte(candidate), &version); err != nil || version.SchemaVersion == nil || *version.SchemaVersion != ResponseSchemaVersion {
		var got any
		if version.SchemaVersion != nil {
			got = *version.SchemaVersion
		}
		return nil, apperr.New(apperr.CodeSchemaVersionUnsupported, apperr.CategorySchema,
			"unsupported collector-response schema_version", false).
			WithContext(map[string]any{"parse_mode": parseMode, "schema_version": got})
	}

	var resp Response
	if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
		return nil, apperr.New(apperr.CodeSchemaValidationFailed, apperr.CategorySchema,
			"collector response does not match the envelope shape", false).
			WithContext(map[string]any{"parse_mode": parseMode})
	}
	return &resp, nil
}

// ValidateAssets is stage 2: every asset's normalized payload must
// satisfy normalized-v1. The first failing asset aborts with its
// identity and up to 20 issues.
func ValidateAssets(resp *Response) *apperr.Error {
	for _, asset := range resp.Assets {
		issues := schema.ValidateNormalized(asset.Normalized)
		if len(issues) == 0 {
			continue
		}
		if len(issues) > 20 {
			issues = issues[:20]
		}
		return apperr.New(apperr.CodeSchemaValidationFailed, apperr.CategorySchema,
			"normalized-v1 schema validation failed", false).
			WithContext(map[string]any{
				"external_kind": string(asset.ExternalKind),
				"external_id":   asset.ExternalID,
				"issues":        issues,
			})
	}
	return nil
}

func stripBOM(s string) string {
	return strings.TrimPrefix(s, "\ufeff")
}

func excerpt(s string) string {
	if len(s) > StdoutExcerptLimit {
		return s[:StdoutExcerptLimit]
	}
	return s
}

// recoverJSON hunts for a JSON object carrying a string schema_version
// inside noisy stdout. Candidates, in order: the last non-empty line,
// the first-to-last-brace slice, every balanced top-level object.
// Later candidates win.
func recoverJSON(normalized string) (string, bool) {
	if normalized == "" {
		return "", false
	}

	var candidates []string
	lines := strings.FieldsFunc(normalized, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			candidates = append(candidates, line)
			break
		}
	}

	first := strings.IndexByte(normalized, '{')
	last := strings.LastIndexByte(normalized, '}')
	if first >= 0 && last > first {
		candidates = append(candidates, normalized[first:last+1])
	}

	candidates = append(candidates, balancedObjects(normalized)...)

	seen := make(map[string]bool)
	deduped := candidates[:0]
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		deduped = append(deduped, c)
	}

	for i := len(deduped) - 1; i >= 0; i-- {
		var probe struct {
			SchemaVersion any `json:"schema_version"`
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(deduped[i]), &obj); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(deduped[i]), &probe); err != nil {
			continue
		}
		if _, ok := probe.SchemaVersion.(string); ok {
			return deduped[i], true
		}
	}
	return "", false
}

// balancedObjects extracts every top-level {...} span, skipping braces
// inside string literals.
func balancedObjects(text string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}
