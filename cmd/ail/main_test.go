package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.yaml.in/yaml/v3"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestYamlToJSON(t *testing.T) {
	out, err := yamlToJSON(map[string]any{"username": "svc", "port": 443})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), `"username":"svc"`) {
		t.Fatalf("payload: %s", out)
	}
}

func TestSeedFileShape(t *testing.T) {
	// The seed command accepts the documented YAML layout; decode one to
	// catch tag drift.
	doc := `
credentials:
  - id: cred-1
    name: lab
    payload:
      username: svc
      password: secret
schedule_groups:
  - id: grp-1
    name: nightly
    timezone: Europe/Ljubljana
    run_at: "02:30"
sources:
  - id: src-1
    name: lab pve
    type: pve
    credential: cred-1
    schedule_group: grp-1
    config:
      scope: cluster
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		t.Fatal(err)
	}
	if len(seed.Credentials) != 1 || seed.Credentials[0].ID != "cred-1" {
		t.Fatalf("credentials: %+v", seed.Credentials)
	}
	if seed.ScheduleGroups[0].RunAt != "02:30" {
		t.Fatalf("run_at: %q", seed.ScheduleGroups[0].RunAt)
	}
	if seed.Sources[0].Config["scope"] != "cluster" {
		t.Fatalf("config: %+v", seed.Sources[0].Config)
	}
}
