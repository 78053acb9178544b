package collector

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/pkg/models"
)

const goodEnvelope = `{"schema_version":"collector-response-v1","assets":[],"stats":{"inventory_complete":true}}`

func TestParseResponseStrict(t *testing.T) {
	resp, appErr := ParseResponse(goodEnvelope)
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	if resp.SchemaVersion != ResponseSchemaVersion {
		t.Fatalf("schema version: %s", resp.SchemaVersion)
	}
	if !resp.StatsInventoryComplete() {
		t.Fatal("inventory_complete not picked up from stats")
	}
}

func TestParseResponseStripsBOM(t *testing.T) {
	if _, appErr := ParseResponse("\ufeff" + goodEnvelope); appErr != nil {
		t.Fatalf("BOM-prefixed envelope rejected: %v", appErr)
	}
}

func TestParseResponseRecoversFromNoisyStdout(t *testing.T) {
	cases := []struct {
		name   string
		stdout string
	}{
		{"log lines before envelope", "INFO connecting to vcenter\nWARN slow response\n" + goodEnvelope + "\n"},
		{"log lines after envelope", goodEnvelope + "\nINFO done\n"},
		{"braces in log noise", "progress {1/3}\n" + goodEnvelope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, appErr := ParseResponse(tc.stdout)
			if appErr != nil {
				t.Fatalf("recovery failed: %v", appErr)
			}
			if resp.SchemaVersion != ResponseSchemaVersion {
				t.Fatalf("schema version: %s", resp.SchemaVersion)
			}
		})
	}
}

func TestParseResponseInvalidJSON(t *testing.T) {
	stdout := "not json at all\nstill not json"
	_, appErr := ParseResponse(stdout)
	if appErr == nil {
		t.Fatal("expected parse error")
	}
	if appErr.Code != apperr.CodeCollectorInvalidJSON {
		t.Fatalf("expected %s, got %s", apperr.CodeCollectorInvalidJSON, appErr.Code)
	}
	if appErr.Retryable {
		t.Fatal("invalid stdout must be non-retryable")
	}
	if appErr.Context["stdout_excerpt"] != stdout {
		t.Fatalf("excerpt missing from context: %+v", appErr.Context)
	}
}

func TestParseResponseExcerptIsCapped(t *testing.T) {
	stdout := strings.Repeat("x", StdoutExcerptLimit*2)
	_, appErr := ParseResponse(stdout)
	if appErr == nil {
		t.Fatal("expected parse error")
	}
	got, _ := appErr.Context["stdout_excerpt"].(string)
	if len(got) != StdoutExcerptLimit {
		t.Fatalf("excerpt length %d, want %d", len(got), StdoutExcerptLimit)
	}
}

func TestParseResponseWrongSchemaVersion(t *testing.T) {
	_, appErr := ParseResponse(`{"schema_version":"collector-response-v2"}`)
	if appErr == nil {
		t.Fatal("expected schema version error")
	}
	if appErr.Code != apperr.CodeSchemaVersionUnsupported {
		t.Fatalf("expected %s, got %s", apperr.CodeSchemaVersionUnsupported, appErr.Code)
	}
	if appErr.Context["schema_version"] != "collector-response-v2" {
		t.Fatalf("offending version missing from context: %+v", appErr.Context)
	}
}

func TestParseResponseMissingSchemaVersion(t *testing.T) {
	_, appErr := ParseResponse(`{"assets":[]}`)
	if appErr == nil || appErr.Code != apperr.CodeSchemaVersionUnsupported {
		t.Fatalf("expected schema version error, got %v", appErr)
	}
}

func TestValidateAssetsFirstFailureAborts(t *testing.T) {
	good := json.RawMessage(`{"version":"normalized-v1","kind":"vm","identity":{"hostname":"vm-1"}}`)
	bad := json.RawMessage(`{"kind":"vm"}`)

	resp := &Response{
		SchemaVersion: ResponseSchemaVersion,
		Assets: []ResponseAsset{
			{ExternalKind: models.AssetVM, ExternalID: "vm-1", Normalized: good},
			{ExternalKind: models.AssetVM, ExternalID: "vm-2", Normalized: bad},
			{ExternalKind: models.AssetVM, ExternalID: "vm-3", Normalized: bad},
		},
	}

	appErr := ValidateAssets(resp)
	if appErr == nil {
		t.Fatal("expected validation error")
	}
	if appErr.Code != apperr.CodeSchemaValidationFailed {
		t.Fatalf("code: %s", appErr.Code)
	}
	if appErr.Context["external_id"] != "vm-2" {
		t.Fatalf("expected first failing asset vm-2, got %v", appErr.Context["external_id"])
	}
}

func TestValidateAssetsAllValid(t *testing.T) {
	good := json.RawMessage(`{"version":"normalized-v1","kind":"host","identity":{"hostname":"esxi-01"}}`)
	resp := &Response{
		SchemaVersion: ResponseSchemaVersion,
		Assets:        []ResponseAsset{{ExternalKind: models.AssetHost, ExternalID: "host-1", Normalized: good}},
	}
	if appErr := ValidateAssets(resp); appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
}
