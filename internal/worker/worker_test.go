package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/matijazezelj/ail/internal/alert"
	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/internal/config"
	"github.com/matijazezelj/ail/internal/crypto"
	"github.com/matijazezelj/ail/internal/dedup"
	"github.com/matijazezelj/ail/internal/ingest"
	"github.com/matijazezelj/ail/internal/store"
	"github.com/matijazezelj/ail/pkg/models"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

const vmEnvelope = `{
  "schema_version": "collector-response-v1",
  "assets": [
    {
      "external_kind": "vm",
      "external_id": "vm-100",
      "normalized": {
        "version": "normalized-v1",
        "kind": "vm",
        "identity": {"hostname": "web-01", "machine_uuid": "423a1f00-aa11-bb22-cc33-dd44ee55ff66"},
        "network": {"ip_addresses": ["10.0.0.5"]}
      },
      "raw_payload": {"moid": "vm-100"}
    }
  ],
  "stats": {"inventory_complete": true, "asset_count": 1}
}`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell collector scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "collector.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type fixture struct {
	store  *store.Store
	worker *Worker
	sealer *crypto.Sealer
}

func newFixture(t *testing.T, collectorScript string) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sealer, err := crypto.NewSealer(testKey)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Collectors: map[string]string{"pve": collectorScript, "vcenter": collectorScript},
		Worker: config.WorkerConfig{
			PollInterval:     time.Second,
			BatchSize:        2,
			CollectorTimeout: 10 * time.Second,
		},
		Recycler: config.RecyclerConfig{StaleAfter: 30 * time.Minute, MaxRecycles: 3},
	}

	w := New(s, ingest.New(s, logger), dedup.NewEngine(s, logger, 7), sealer,
		alert.NewMulti(), logger, cfg)
	return &fixture{store: s, worker: w, sealer: sealer}
}

// seedRun creates a credential-bound source, enqueues a run and claims
// it so ProcessRun owns it.
func (f *fixture) seedRun(t *testing.T, sourceType models.SourceType, mode models.RunMode) models.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	sealed, err := f.sealer.Seal([]byte(`{"username":"svc","password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	credID := "cred-" + string(mode)
	if err := f.store.CreateCredential(ctx, models.Credential{
		ID: credID, Name: credID, PayloadCiphertext: sealed, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	srcID := "src-" + string(mode)
	if err := f.store.CreateSource(ctx, models.Source{
		ID: srcID, Name: srcID, SourceType: sourceType, Enabled: true,
		Config: map[string]any{"scope": "cluster"}, CredentialID: credID, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	runID := "run-" + string(mode)
	if err := f.store.EnqueueRun(ctx, models.Run{
		ID: runID, SourceID: srcID, Mode: mode, TriggerType: models.TriggerManual, CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.store.ClaimQueuedRuns(ctx, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d runs", len(claimed))
	}
	return claimed[0]
}

func firstError(t *testing.T, run *models.Run) apperr.Error {
	t.Helper()
	var errs []apperr.Error
	if err := json.Unmarshal(run.Errors, &errs); err != nil {
		t.Fatalf("errors payload %s: %v", run.Errors, err)
	}
	if len(errs) == 0 {
		t.Fatal("no errors recorded")
	}
	return errs[0]
}

func TestProcessRunSucceedsAndIngests(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\ncat <<'EOF'\n"+vmEnvelope+"\nEOF\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, err := f.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunSucceeded {
		t.Fatalf("status = %s, errors = %s", got.Status, got.Errors)
	}
	if len(got.Stats) == 0 {
		t.Fatal("stats not persisted")
	}

	records, err := f.store.ListRunRecords(ctx, run.ID, models.AssetVM)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("ingested records: %d", len(records))
	}

	// A duplicate job must be queued for the succeeded collect run.
	jobs, err := f.store.ClaimDuplicateJobs(ctx, 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].RunID != run.ID {
		t.Fatalf("duplicate jobs: %+v", jobs)
	}
}

func TestProcessRunFailsWithoutCollectorBinary(t *testing.T) {
	f := newFixture(t, "/nonexistent/collector")
	f.worker.collectors = map[string]string{} // no binary for any type
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("status = %s", got.Status)
	}
	e := firstError(t, got)
	if e.Code != apperr.CodeCollectorNotConfigured || e.Retryable {
		t.Fatalf("error: %+v", e)
	}
}

func TestProcessRunNonzeroExitIsRetryable(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'connection refused' >&2\nexit 3\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("status = %s", got.Status)
	}
	e := firstError(t, got)
	if e.Code != apperr.CodeCollectorExitNonzero || !e.Retryable {
		t.Fatalf("error: %+v", e)
	}
	if excerptVal, _ := e.Context["stderr_excerpt"].(string); excerptVal == "" {
		t.Fatalf("stderr excerpt missing: %+v", e.Context)
	}
}

func TestProcessRunUnparseableStdout(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'this is not json'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	e := firstError(t, got)
	if e.Code != apperr.CodeCollectorInvalidJSON || e.Retryable {
		t.Fatalf("error: %+v", e)
	}
}

func TestProcessRunIncompleteInventory(t *testing.T) {
	envelope := `{"schema_version":"collector-response-v1","assets":[],"stats":{"inventory_complete":false}}`
	script := writeScript(t, "cat > /dev/null\necho '"+envelope+"'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("status = %s", got.Status)
	}
	e := firstError(t, got)
	if e.Code != apperr.CodeInventoryIncomplete || !e.Retryable {
		t.Fatalf("error: %+v", e)
	}
}

func TestProcessRunDetectModePersistsResult(t *testing.T) {
	envelope := `{"schema_version":"collector-response-v1","detect":{"detected_version":"8.0"},"stats":{}}`
	script := writeScript(t, "cat > /dev/null\necho '"+envelope+"'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeDetect)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunSucceeded {
		t.Fatalf("status = %s, errors = %s", got.Status, got.Errors)
	}
	var detect map[string]any
	if err := json.Unmarshal(got.DetectResult, &detect); err != nil || detect["detected_version"] != "8.0" {
		t.Fatalf("detect result: %s", got.DetectResult)
	}

	// Detect runs never queue duplicate scanning.
	jobs, _ := f.store.ClaimDuplicateJobs(ctx, 10, time.Now())
	if len(jobs) != 0 {
		t.Fatalf("duplicate jobs after detect run: %d", len(jobs))
	}
}

func TestProcessRunKeepsCollectorErrorsOnDetect(t *testing.T) {
	envelope := `{"schema_version":"collector-response-v1","detect":{"detected_version":"8.0"},"stats":{},"errors":[{"code":"PARTIAL_SCAN","message":"one datacenter unreachable"}]}`
	script := writeScript(t, "cat > /dev/null\necho '"+envelope+"'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeDetect)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunSucceeded {
		t.Fatalf("status = %s, errors = %s", got.Status, got.Errors)
	}
	var errs []map[string]any
	if err := json.Unmarshal(got.Errors, &errs); err != nil {
		t.Fatalf("errors payload %s: %v", got.Errors, err)
	}
	if len(errs) != 1 || errs[0]["code"] != "PARTIAL_SCAN" {
		t.Fatalf("collector-reported errors: %+v", errs)
	}
}

func TestProcessRunKeepsCollectorErrorsOnCollect(t *testing.T) {
	envelope := strings.TrimSuffix(strings.TrimSpace(vmEnvelope), "}") +
		`,"errors":[{"code":"PARTIAL_SCAN","message":"one host unreachable"}]}`
	script := writeScript(t, "cat > /dev/null\ncat <<'EOF'\n"+envelope+"\nEOF\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunSucceeded {
		t.Fatalf("status = %s, errors = %s", got.Status, got.Errors)
	}
	var errs []map[string]any
	if err := json.Unmarshal(got.Errors, &errs); err != nil {
		t.Fatalf("errors payload %s: %v", got.Errors, err)
	}
	if len(errs) != 1 || errs[0]["code"] != "PARTIAL_SCAN" {
		t.Fatalf("collector-reported errors: %+v", errs)
	}
}

func TestProcessRunCredentialDecryptFailure(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho '{}'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)

	// Swap the sealer for one with a different key; the stored payload
	// no longer decrypts.
	other, err := crypto.NewSealer("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	f.worker.sealer = other

	f.worker.ProcessRun(ctx, run)

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("status = %s", got.Status)
	}
	e := firstError(t, got)
	if e.Code != apperr.CodeInvalidConfig || e.Retryable {
		t.Fatalf("error: %+v", e)
	}
}

func TestPollDrainsDuplicateJobs(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\ncat <<'EOF'\n"+vmEnvelope+"\nEOF\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)
	f.worker.ProcessRun(ctx, run)

	// Poll should claim and finish the queued duplicate job.
	f.worker.Poll(ctx, time.Now())
	jobs, err := f.store.ClaimDuplicateJobs(ctx, 10, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("duplicate job left queued: %+v", jobs)
	}
}

func TestPollRecyclesStaleRuns(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho '{}'\n")
	f := newFixture(t, script)
	ctx := context.Background()

	run := f.seedRun(t, models.SourcePVE, models.ModeCollectVMs)

	// A poll far in the future sees the claimed run as stale and
	// requeues it before claiming, so the same run comes back Queued,
	// gets claimed and processed.
	f.worker.Poll(ctx, time.Now().Add(time.Hour))

	got, _ := f.store.GetRun(ctx, run.ID)
	if got.RecycleCount != 1 {
		t.Fatalf("recycle count = %d", got.RecycleCount)
	}
	if got.Status.IsTerminal() == false && got.Status != models.RunQueued {
		t.Fatalf("status = %s", got.Status)
	}
}
