// Package dedup detects probable duplicate assets. Pairs are scored with
// the deterministic dup-rules-v1 rule set so every candidate carries an
// explainable list of matched rules with evidence.
package dedup

import (
	"encoding/json"
	"strings"

	"github.com/matijazezelj/ail/pkg/models"
)

// RulesVersion tags the reasons payload stored on candidates.
const RulesVersion = "dup-rules-v1"

// ScoreThreshold is the minimum pair score that produces a candidate.
const ScoreThreshold = 70

// Match is one fired rule with the values that triggered it.
type Match struct {
	Code     string   `json:"code"`
	Weight   int      `json:"weight"`
	Evidence Evidence `json:"evidence"`
}

// Evidence names the compared field and both raw values.
type Evidence struct {
	Field string `json:"field"`
	A     any    `json:"a"`
	B     any    `json:"b"`
}

// Vendor defaults and broadcast values that would otherwise match every
// box fresh from the factory.
var placeholderBlacklist = func() map[string]bool {
	values := []string{
		"n/a",
		"na",
		"unknown",
		"none",
		"null",
		"-",
		"--",
		"---",
		"0",

		// UUID placeholders (raw + compact)
		"00000000-0000-0000-0000-000000000000",
		"00000000000000000000000000000000",

		// Serial placeholders
		"to be filled",
		"to be filled by o.e.m.",
		"default string",
		"system serial number",
		"not specified",
		"not available",
		"xxxxxxxxxx",
		"xxxxxxxxxxxx",

		// MAC placeholders (raw + compact)
		"00:00:00:00:00:00",
		"ff:ff:ff:ff:ff:ff",
		"00-00-00-00-00-00",
		"ff-ff-ff-ff-ff-ff",
		"000000000000",
		"ffffffffffff",
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return set
}()

func compactKey(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ':', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(value)))
}

func isPlaceholder(value string) bool {
	if placeholderBlacklist[strings.ToLower(strings.TrimSpace(value))] {
		return true
	}
	return placeholderBlacklist[compactKey(value)]
}

func normalizeUUID(value any) string {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" || isPlaceholder(s) {
		return ""
	}
	compact := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "")
	if compact == "" || isPlaceholder(compact) {
		return ""
	}
	return compact
}

func normalizeMAC(value any) string {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" || isPlaceholder(s) {
		return ""
	}
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '-', ':', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	if compact == "" || isPlaceholder(compact) {
		return ""
	}
	return compact
}

func normalizeMACs(value any) []string {
	arr, ok := value.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(arr))
	var out []string
	for _, v := range arr {
		mac := normalizeMAC(v)
		if mac == "" || seen[mac] {
			continue
		}
		seen[mac] = true
		out = append(out, mac)
	}
	return out
}

func normalizeHostname(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || isPlaceholder(trimmed) {
		return ""
	}
	return strings.ToLower(trimmed)
}

func normalizeIP(value any) string {
	return normalizeHostname(value)
}

func normalizeIPs(value any) []string {
	arr, ok := value.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(arr))
	var out []string
	for _, v := range arr {
		ip := normalizeIP(v)
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, ip)
	}
	return out
}

func normalizeSerial(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || isPlaceholder(trimmed) {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func getNested(obj map[string]any, path ...string) any {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

// Score compares two normalized payloads under the rules for assetType.
// The score is capped at 100; every fired rule is returned as a Match.
func Score(a, b map[string]any, assetType models.AssetType) (int, []Match) {
	var matches []Match
	score := 0
	push := func(m Match) {
		matches = append(matches, m)
		score += m.Weight
	}

	if assetType == models.AssetVM {
		uuidA := normalizeUUID(getNested(a, "identity", "machine_uuid"))
		uuidB := normalizeUUID(getNested(b, "identity", "machine_uuid"))
		if uuidA != "" && uuidA == uuidB {
			push(Match{
				Code: "vm.machine_uuid_match", Weight: 100,
				Evidence: Evidence{
					Field: "normalized.identity.machine_uuid",
					A:     getNested(a, "identity", "machine_uuid"),
					B:     getNested(b, "identity", "machine_uuid"),
				},
			})
		}

		macsA := normalizeMACs(getNested(a, "network", "mac_addresses"))
		macsB := normalizeMACs(getNested(b, "network", "mac_addresses"))
		if overlaps(macsA, macsB) {
			push(Match{
				Code: "vm.mac_overlap", Weight: 90,
				Evidence: Evidence{
					Field: "normalized.network.mac_addresses",
					A:     getNested(a, "network", "mac_addresses"),
					B:     getNested(b, "network", "mac_addresses"),
				},
			})
		}

		hostA := normalizeHostname(getNested(a, "identity", "hostname"))
		hostB := normalizeHostname(getNested(b, "identity", "hostname"))
		if hostA != "" && hostA == hostB {
			ipsA := normalizeIPs(getNested(a, "network", "ip_addresses"))
			ipsB := normalizeIPs(getNested(b, "network", "ip_addresses"))
			if overlaps(ipsA, ipsB) {
				push(Match{
					Code: "vm.hostname_ip_overlap", Weight: 70,
					Evidence: Evidence{
						Field: "normalized.identity.hostname + normalized.network.ip_addresses",
						A: map[string]any{
							"hostname": getNested(a, "identity", "hostname"),
							"ips":      getNested(a, "network", "ip_addresses"),
						},
						B: map[string]any{
							"hostname": getNested(b, "identity", "hostname"),
							"ips":      getNested(b, "network", "ip_addresses"),
						},
					},
				})
			}
		}
	}

	if assetType == models.AssetHost {
		snA := normalizeSerial(getNested(a, "identity", "serial_number"))
		snB := normalizeSerial(getNested(b, "identity", "serial_number"))
		if snA != "" && snA == snB {
			push(Match{
				Code: "host.serial_match", Weight: 100,
				Evidence: Evidence{
					Field: "normalized.identity.serial_number",
					A:     getNested(a, "identity", "serial_number"),
					B:     getNested(b, "identity", "serial_number"),
				},
			})
		}

		bmcA := normalizeIP(getNested(a, "network", "bmc_ip"))
		bmcB := normalizeIP(getNested(b, "network", "bmc_ip"))
		if bmcA != "" && bmcA == bmcB {
			push(Match{
				Code: "host.bmc_ip_match", Weight: 90,
				Evidence: Evidence{
					Field: "normalized.network.bmc_ip",
					A:     getNested(a, "network", "bmc_ip"),
					B:     getNested(b, "network", "bmc_ip"),
				},
			})
		}

		mgmtA := normalizeIP(getNested(a, "network", "management_ip"))
		mgmtB := normalizeIP(getNested(b, "network", "management_ip"))
		if mgmtA != "" && mgmtA == mgmtB {
			push(Match{
				Code: "host.mgmt_ip_match", Weight: 70,
				Evidence: Evidence{
					Field: "normalized.network.management_ip",
					A:     getNested(a, "network", "management_ip"),
					B:     getNested(b, "network", "management_ip"),
				},
			})
		}
	}

	if score > 100 {
		score = 100
	}
	return score, matches
}

// ReasonsJSON serializes matched rules into the candidate reasons
// payload.
func ReasonsJSON(matches []Match) []byte {
	if matches == nil {
		matches = []Match{}
	}
	b, _ := json.Marshal(map[string]any{
		"version":       RulesVersion,
		"matched_rules": matches,
	})
	return b
}
