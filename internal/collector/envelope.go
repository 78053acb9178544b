// Package collector speaks the stdin/stdout JSON protocol to external
// collector binaries and turns their raw output into validated response
// envelopes.
package collector

import (
	"encoding/json"
	"time"

	"github.com/matijazezelj/ail/pkg/models"
)

// RequestSchemaVersion is the envelope version written to collector stdin.
const RequestSchemaVersion = "collector-request-v1"

// ResponseSchemaVersion is the only envelope version accepted on stdout.
const ResponseSchemaVersion = "collector-response-v1"

// Request is the envelope written to the collector's stdin.
type Request struct {
	SchemaVersion string        `json:"schema_version"`
	Source        RequestSource `json:"source"`
	Request       RequestBody   `json:"request"`
}

// RequestSource carries the source config and its decrypted credential.
type RequestSource struct {
	SourceID   string          `json:"source_id"`
	SourceType string          `json:"source_type"`
	Config     map[string]any  `json:"config"`
	Credential json.RawMessage `json:"credential"`
}

// RequestBody identifies the unit of work.
type RequestBody struct {
	RunID string `json:"run_id"`
	Mode  string `json:"mode"`
	Now   string `json:"now"`
}

// NewRequest builds the request envelope for a run.
func NewRequest(src *models.Source, credential json.RawMessage, runID string, mode models.RunMode, now time.Time) Request {
	return Request{
		SchemaVersion: RequestSchemaVersion,
		Source: RequestSource{
			SourceID:   src.ID,
			SourceType: string(src.SourceType),
			Config:     src.Config,
			Credential: credential,
		},
		Request: RequestBody{
			RunID: runID,
			Mode:  string(mode),
			Now:   now.UTC().Format(time.RFC3339),
		},
	}
}

// Response is the parsed collector-response-v1 envelope.
type Response struct {
	SchemaVersion string            `json:"schema_version"`
	Detect        json.RawMessage   `json:"detect,omitempty"`
	Assets        []ResponseAsset   `json:"assets,omitempty"`
	Relations     []ResponseRelation `json:"relations,omitempty"`
	Stats         json.RawMessage   `json:"stats,omitempty"`
	Errors        []json.RawMessage `json:"errors,omitempty"`
}

// ResponseAsset is one collected entity with its normalized payload.
type ResponseAsset struct {
	ExternalKind models.AssetType `json:"external_kind"`
	ExternalID   string           `json:"external_id"`
	Normalized   json.RawMessage  `json:"normalized"`
	RawPayload   json.RawMessage  `json:"raw_payload,omitempty"`
}

// ResponseRelation is one directed edge between collected entities,
// addressed by external identity.
type ResponseRelation struct {
	Type       models.RelationType `json:"type"`
	From       RelationEndpoint    `json:"from"`
	To         RelationEndpoint    `json:"to"`
	RawPayload json.RawMessage     `json:"raw_payload,omitempty"`
}

// RelationEndpoint names an entity by its external identity.
type RelationEndpoint struct {
	ExternalKind models.AssetType `json:"external_kind"`
	ExternalID   string           `json:"external_id"`
}

// ResponseStats is the subset of collector stats the worker interprets.
// Collect runs are only ingested when the collector asserts a complete
// inventory; partial listings must not overwrite state.
type ResponseStats struct {
	InventoryComplete bool `json:"inventory_complete"`
}

// StatsInventoryComplete reports whether the response's stats carry
// inventory_complete == true.
func (r *Response) StatsInventoryComplete() bool {
	if len(r.Stats) == 0 {
		return false
	}
	var stats ResponseStats
	if err := json.Unmarshal(r.Stats, &stats); err != nil {
		return false
	}
	return stats.InventoryComplete
}
