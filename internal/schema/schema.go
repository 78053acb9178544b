// Package schema validates the normalized-v1 payloads collectors emit
// and the canonical-v1 documents the ingest pipeline builds from them.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Issue is one structural problem found in a document.
type Issue struct {
	Path    string `json:"instancePath"`
	Message string `json:"message"`
}

func issuef(path, format string, args ...any) Issue {
	return Issue{Path: path, Message: fmt.Sprintf(format, args...)}
}

var assetKinds = map[string]bool{"vm": true, "host": true, "cluster": true}
var assetStatuses = map[string]bool{"in_service": true, "offline": true, "merged": true}
var relationTypes = map[string]bool{"runs_on": true, "member_of": true}

// ValidateNormalized checks a normalized-v1 payload. An empty result
// means the payload is valid.
func ValidateNormalized(raw json.RawMessage) []Issue {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return []Issue{issuef("", "must be a JSON object")}
	}

	var issues []Issue

	if v, _ := doc["version"].(string); v != "normalized-v1" {
		issues = append(issues, issuef("/version", "must be %q", "normalized-v1"))
	}
	kind, _ := doc["kind"].(string)
	if !assetKinds[kind] {
		issues = append(issues, issuef("/kind", "must be one of vm, host, cluster"))
	}

	identity, ok := doc["identity"].(map[string]any)
	if !ok {
		issues = append(issues, issuef("/identity", "must be an object"))
	} else {
		for _, field := range []string{"hostname", "caption", "machine_uuid", "serial_number"} {
			if v, present := identity[field]; present {
				if _, isStr := v.(string); !isStr {
					issues = append(issues, issuef("/identity/"+field, "must be a string"))
				}
			}
		}
	}

	if v, present := doc["network"]; present {
		network, ok := v.(map[string]any)
		if !ok {
			issues = append(issues, issuef("/network", "must be an object"))
		} else {
			for _, field := range []string{"mac_addresses", "ip_addresses"} {
				issues = append(issues, validateStringArray(network, field, "/network/"+field)...)
			}
			for _, field := range []string{"bmc_ip", "management_ip"} {
				if v, present := network[field]; present {
					if _, isStr := v.(string); !isStr {
						issues = append(issues, issuef("/network/"+field, "must be a string"))
					}
				}
			}
		}
	}

	return issues
}

func validateStringArray(obj map[string]any, field, path string) []Issue {
	v, present := obj[field]
	if !present {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return []Issue{issuef(path, "must be an array")}
	}
	var issues []Issue
	for i, item := range arr {
		if _, isStr := item.(string); !isStr {
			issues = append(issues, issuef(fmt.Sprintf("%s/%d", path, i), "must be a string"))
		}
	}
	return issues
}

// ValidateCanonical checks a canonical-v1 document. An empty result
// means the document is valid.
func ValidateCanonical(raw json.RawMessage) []Issue {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return []Issue{issuef("", "must be a JSON object")}
	}

	var issues []Issue

	if v, _ := doc["version"].(string); v != "canonical-v1" {
		issues = append(issues, issuef("/version", "must be %q", "canonical-v1"))
	}
	if v, _ := doc["asset_uuid"].(string); v == "" {
		issues = append(issues, issuef("/asset_uuid", "must be a non-empty string"))
	}
	if v, _ := doc["asset_type"].(string); !assetKinds[v] {
		issues = append(issues, issuef("/asset_type", "must be one of vm, host, cluster"))
	}
	if v, _ := doc["status"].(string); !assetStatuses[v] {
		issues = append(issues, issuef("/status", "must be one of in_service, offline, merged"))
	}
	if _, ok := doc["display_name"].(string); !ok {
		issues = append(issues, issuef("/display_name", "must be a string"))
	}
	issues = append(issues, validateTimestamp(doc, "last_seen_at", "/last_seen_at")...)

	if _, ok := doc["fields"].(map[string]any); !ok {
		issues = append(issues, issuef("/fields", "must be an object"))
	}

	relations, ok := doc["relations"].(map[string]any)
	if !ok {
		issues = append(issues, issuef("/relations", "must be an object"))
		return issues
	}
	outgoing, ok := relations["outgoing"].([]any)
	if !ok {
		issues = append(issues, issuef("/relations/outgoing", "must be an array"))
		return issues
	}
	for i, item := range outgoing {
		path := fmt.Sprintf("/relations/outgoing/%d", i)
		rel, ok := item.(map[string]any)
		if !ok {
			issues = append(issues, issuef(path, "must be an object"))
			continue
		}
		if v, _ := rel["type"].(string); !relationTypes[v] {
			issues = append(issues, issuef(path+"/type", "must be one of runs_on, member_of"))
		}
		to, ok := rel["to"].(map[string]any)
		if !ok {
			issues = append(issues, issuef(path+"/to", "must be an object"))
		} else {
			if v, _ := to["asset_uuid"].(string); v == "" {
				issues = append(issues, issuef(path+"/to/asset_uuid", "must be a non-empty string"))
			}
			if _, ok := to["display_name"].(string); !ok {
				issues = append(issues, issuef(path+"/to/display_name", "must be a string"))
			}
		}
		issues = append(issues, validateTimestamp(rel, "last_seen_at", path+"/last_seen_at")...)
	}

	return issues
}

func validateTimestamp(obj map[string]any, field, path string) []Issue {
	v, present := obj[field]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return []Issue{issuef(path, "must be a string or null")}
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return []Issue{issuef(path, "must be an RFC 3339 timestamp")}
	}
	return nil
}
