package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateNormalized(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		valid   bool
	}{
		{
			"minimal vm",
			`{"version":"normalized-v1","kind":"vm","identity":{"hostname":"vm-1","machine_uuid":"uuid-1"},"network":{"mac_addresses":["aa:bb:cc:dd:ee:ff"]}}`,
			true,
		},
		{
			"host with storage",
			`{"version":"normalized-v1","kind":"host","identity":{"hostname":"esxi-01"},"storage":{"datastores":[{"name":"datastore1","capacity_bytes":1024}]}}`,
			true,
		},
		{"missing version and identity", `{"kind":"vm"}`, false},
		{"wrong version", `{"version":"normalized-v2","kind":"vm","identity":{}}`, false},
		{"bad kind", `{"version":"normalized-v1","kind":"router","identity":{}}`, false},
		{"identity not an object", `{"version":"normalized-v1","kind":"vm","identity":"vm-1"}`, false},
		{"mac addresses not strings", `{"version":"normalized-v1","kind":"vm","identity":{},"network":{"mac_addresses":[42]}}`, false},
		{"not an object", `[1,2,3]`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			issues := ValidateNormalized(json.RawMessage(tc.payload))
			if tc.valid && len(issues) != 0 {
				t.Fatalf("expected valid, got issues: %+v", issues)
			}
			if !tc.valid && len(issues) == 0 {
				t.Fatal("expected issues, got none")
			}
		})
	}
}

func TestValidateNormalizedReportsAllIssues(t *testing.T) {
	issues := ValidateNormalized(json.RawMessage(`{"kind":"appliance"}`))
	if len(issues) < 3 {
		t.Fatalf("expected issues for version, kind and identity, got %+v", issues)
	}
}

func TestValidateCanonical(t *testing.T) {
	minimal := `{
		"version": "canonical-v1",
		"asset_uuid": "a-1",
		"asset_type": "vm",
		"status": "in_service",
		"display_name": "vm-1",
		"fields": {},
		"relations": {"outgoing": []}
	}`
	if issues := ValidateCanonical(json.RawMessage(minimal)); len(issues) != 0 {
		t.Fatalf("minimal document should be valid, got %+v", issues)
	}

	badDates := strings.Replace(minimal, `"fields": {}`, `"fields": {}, "last_seen_at": "not-a-date"`, 1)
	issues := ValidateCanonical(json.RawMessage(badDates))
	if len(issues) == 0 {
		t.Fatal("expected issue for malformed last_seen_at")
	}

	badRelation := strings.Replace(minimal, `"outgoing": []`,
		`"outgoing": [{"type":"runs_on","to":{"asset_uuid":"h-1","display_name":"host-1"},"last_seen_at":"still-not-a-date"}]`, 1)
	issues = ValidateCanonical(json.RawMessage(badRelation))
	if len(issues) == 0 {
		t.Fatal("expected issue for malformed relation timestamp")
	}

	missingEndpoint := strings.Replace(minimal, `"outgoing": []`,
		`"outgoing": [{"type":"runs_on","to":{"display_name":"host-1"}}]`, 1)
	issues = ValidateCanonical(json.RawMessage(missingEndpoint))
	if len(issues) == 0 {
		t.Fatal("expected issue for relation without endpoint uuid")
	}
}
