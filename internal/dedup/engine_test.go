package dedup

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/internal/store"
	"github.com/matijazezelj/ail/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedAsset creates a source, run, asset and normalized record in one go
// and returns the asset UUID.
func seedAsset(t *testing.T, s *store.Store, sourceID, runID, externalID string, kind models.AssetType,
	normalized map[string]any, collectedAt time.Time) string {
	t.Helper()
	ctx := context.Background()

	if src, _ := s.GetSource(ctx, sourceID); src == nil {
		err := s.CreateSource(ctx, models.Source{
			ID: sourceID, Name: sourceID, SourceType: models.SourceVCenter, Enabled: true,
			Config: map[string]any{}, CreatedAt: collectedAt,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if run, _ := s.GetRun(ctx, runID); run == nil {
		mode := models.ModeCollectVMs
		if kind == models.AssetHost {
			mode = models.ModeCollectHosts
		}
		err := s.EnqueueRun(ctx, models.Run{
			ID: runID, SourceID: sourceID, Mode: mode,
			TriggerType: models.TriggerManual, CreatedAt: collectedAt,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	link, _, err := s.ResolveLink(ctx, sourceID, kind, externalID, collectedAt)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(normalized)
	err = s.InsertSourceRecord(ctx, models.SourceRecord{
		ID: uuid.NewString(), RunID: runID, SourceID: sourceID, LinkID: link.ID,
		AssetUUID: link.AssetUUID, ExternalKind: kind, ExternalID: externalID,
		CollectedAt: collectedAt, Normalized: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	return link.AssetUUID
}

func TestProcessJobCreatesCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	// Same VM seen by two different sources.
	uuidA := seedAsset(t, s, "src-a", "run-a", "vm-100", models.AssetVM,
		vm("423A1F00-AA11-BB22-CC33-DD44EE55FF66", "web-01", nil, nil), now.Add(-time.Hour))
	uuidB := seedAsset(t, s, "src-b", "run-b", "vm-override-7", models.AssetVM,
		vm("423a1f00-aa11-bb22-cc33-dd44ee55ff66", "web-01-b", nil, nil), now)

	engine := NewEngine(s, testLogger(), 7)
	if err := s.EnqueueDuplicateJob(ctx, "run-b", now); err != nil {
		t.Fatal(err)
	}
	jobs, err := s.ClaimDuplicateJobs(ctx, 1, now)
	if err != nil {
		t.Fatal(err)
	}

	total, created, err := engine.ProcessJob(ctx, jobs[0], now)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(created) != 1 {
		t.Fatalf("total=%d created=%d", total, len(created))
	}

	open, err := s.ListDuplicateCandidates(ctx, store.CandidateFilter{Status: models.CandidateOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open candidates: %d", len(open))
	}
	c := open[0]
	wantA, wantB := uuidA, uuidB
	if wantB < wantA {
		wantA, wantB = wantB, wantA
	}
	if c.AssetUUIDA != wantA || c.AssetUUIDB != wantB {
		t.Fatalf("candidate pair: %s, %s", c.AssetUUIDA, c.AssetUUIDB)
	}
	if c.Score != 100 {
		t.Fatalf("score: %d", c.Score)
	}

	var reasons struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(c.Reasons, &reasons); err != nil || reasons.Version != RulesVersion {
		t.Fatalf("reasons payload: %s", c.Reasons)
	}
}

func TestProcessJobRedetectionIsNotCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	seedAsset(t, s, "src-a", "run-a", "vm-1", models.AssetVM, vm("u-dup", "", nil, nil), now.Add(-time.Hour))
	seedAsset(t, s, "src-b", "run-b", "vm-2", models.AssetVM, vm("u-dup", "", nil, nil), now)

	engine := NewEngine(s, testLogger(), 7)
	if err := s.EnqueueDuplicateJob(ctx, "run-b", now); err != nil {
		t.Fatal(err)
	}
	jobs, _ := s.ClaimDuplicateJobs(ctx, 1, now)

	_, created, err := engine.ProcessJob(ctx, jobs[0], now)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("first detection should create, got %d", len(created))
	}

	// Process the same pair again from a later run.
	total, created, err := engine.ProcessJob(ctx, jobs[0], now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("re-detection total: %d", total)
	}
	if len(created) != 0 {
		t.Fatal("re-detection must not report a new candidate")
	}
}

func TestProcessJobScopesByRunMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	// Duplicate hosts exist, but the job's run only collected VMs.
	seedAsset(t, s, "src-a", "run-hosts-a", "host-1", models.AssetHost, host("SN-1", "", ""), now.Add(-time.Hour))
	seedAsset(t, s, "src-b", "run-hosts-b", "host-2", models.AssetHost, host("SN-1", "", ""), now.Add(-time.Hour))
	seedAsset(t, s, "src-a", "run-vms", "vm-1", models.AssetVM, vm("u-1", "", nil, nil), now)

	engine := NewEngine(s, testLogger(), 7)
	if err := s.EnqueueDuplicateJob(ctx, "run-vms", now); err != nil {
		t.Fatal(err)
	}
	jobs, _ := s.ClaimDuplicateJobs(ctx, 1, now)

	total, _, err := engine.ProcessJob(ctx, jobs[0], now)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Fatalf("vm-scoped job scored host pairs: %d", total)
	}
}

func TestProcessJobIgnoresDetectRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	err := s.CreateSource(ctx, models.Source{
		ID: "src-1", Name: "src-1", SourceType: models.SourcePVE, Enabled: true,
		Config: map[string]any{}, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.EnqueueRun(ctx, models.Run{
		ID: "run-detect", SourceID: "src-1", Mode: models.ModeDetect,
		TriggerType: models.TriggerManual, CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueDuplicateJob(ctx, "run-detect", now); err != nil {
		t.Fatal(err)
	}
	jobs, _ := s.ClaimDuplicateJobs(ctx, 1, now)

	engine := NewEngine(s, testLogger(), 7)
	total, created, err := engine.ProcessJob(ctx, jobs[0], now)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(created) != 0 {
		t.Fatalf("detect run produced candidates: total=%d", total)
	}
}
