package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/internal/store"
	"github.com/matijazezelj/ail/pkg/models"
)

// Store is the state the engine reads pools from and writes candidates
// to.
type Store interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRunRecords(ctx context.Context, runID string, kind models.AssetType) ([]store.PoolEntry, error)
	DuplicatePool(ctx context.Context, assetType models.AssetType, offlineCutoff time.Time) ([]store.PoolEntry, error)
	UpsertDuplicateCandidate(ctx context.Context, c models.DuplicateCandidate) (bool, error)
}

// Engine processes duplicate-candidate jobs for completed runs.
type Engine struct {
	store      Store
	logger     *slog.Logger
	windowDays int
}

// NewEngine creates an Engine with the given offline-asset window.
func NewEngine(st Store, logger *slog.Logger, windowDays int) *Engine {
	return &Engine{store: st, logger: logger, windowDays: windowDays}
}

// ProcessJob scores the assets a run touched against the rolling pool of
// their asset types and upserts candidates. It returns the candidates
// that cleared the threshold and, separately, those newly created as
// open.
func (e *Engine) ProcessJob(ctx context.Context, job models.DuplicateCandidateJob, now time.Time) (total int, created []models.DuplicateCandidate, err error) {
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		return 0, nil, fmt.Errorf("loading run %s: %w", job.RunID, err)
	}
	if run == nil {
		return 0, nil, fmt.Errorf("run %s not found for duplicate job %s", job.RunID, job.ID)
	}

	scopes := models.DupScopesForMode(run.Mode)
	if len(scopes) == 0 {
		return 0, nil, nil
	}

	cutoff := now.Add(-time.Duration(e.windowDays) * 24 * time.Hour)

	for _, assetType := range scopes {
		runRecords, err := e.store.ListRunRecords(ctx, run.ID, assetType)
		if err != nil {
			return total, created, fmt.Errorf("loading run records: %w", err)
		}
		if len(runRecords) == 0 {
			continue
		}

		poolRecords, err := e.store.DuplicatePool(ctx, assetType, cutoff)
		if err != nil {
			return total, created, fmt.Errorf("loading candidate pool: %w", err)
		}

		drafts := Generate(assetType, decodeAssets(runRecords), decodeAssets(poolRecords))
		for _, d := range drafts {
			candidate := models.DuplicateCandidate{
				ID:             uuid.NewString(),
				AssetUUIDA:     d.AssetUUIDA,
				AssetUUIDB:     d.AssetUUIDB,
				Score:          d.Score,
				Reasons:        ReasonsJSON(d.Matches),
				Status:         models.CandidateOpen,
				FirstSeenAt:    now,
				LastObservedAt: now,
			}
			isNew, err := e.store.UpsertDuplicateCandidate(ctx, candidate)
			if err != nil {
				return total, created, fmt.Errorf("upserting candidate: %w", err)
			}
			if isNew {
				created = append(created, candidate)
				e.logger.Info("new duplicate candidate",
					"asset_a", d.AssetUUIDA, "asset_b", d.AssetUUIDB, "score", d.Score, "asset_type", string(assetType))
			}
		}
		total += len(drafts)
	}

	return total, created, nil
}

func decodeAssets(entries []store.PoolEntry) []Asset {
	out := make([]Asset, 0, len(entries))
	for _, entry := range entries {
		var normalized map[string]any
		if err := json.Unmarshal(entry.Normalized, &normalized); err != nil {
			continue
		}
		out = append(out, Asset{AssetUUID: entry.AssetUUID, Normalized: normalized})
	}
	return out
}
