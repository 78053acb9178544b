package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/pkg/models"
)

// UpsertDuplicateCandidate applies the candidate lifecycle for a freshly
// scored pair (AssetUUIDA < AssetUUIDB):
//
//   - no existing row: create it as open
//   - existing open row: overwrite score and reasons, bump last_observed_at
//   - existing terminal row (ignored, merged): bump last_observed_at only
//
// Returns true when a new open candidate was created.
func (s *Store) UpsertDuplicateCandidate(ctx context.Context, c models.DuplicateCandidate) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id string
	var status models.CandidateStatus
	err = tx.QueryRowContext(ctx, `
		SELECT id, status FROM duplicate_candidates WHERE asset_uuid_a = ? AND asset_uuid_b = ?
	`, c.AssetUUIDA, c.AssetUUIDB).Scan(&id, &status)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO duplicate_candidates (id, asset_uuid_a, asset_uuid_b, score, reasons, status, first_seen_at, last_observed_at)
			VALUES (?, ?, ?, ?, ?, 'open', ?, ?)
		`, c.ID, c.AssetUUIDA, c.AssetUUIDB, c.Score, string(c.Reasons),
			fmtTime(c.FirstSeenAt), fmtTime(c.LastObservedAt)); err != nil {
			return false, err
		}
		return true, tx.Commit()

	case err != nil:
		return false, err
	}

	if status == models.CandidateOpen {
		_, err = tx.ExecContext(ctx, `
			UPDATE duplicate_candidates SET score = ?, reasons = ?, last_observed_at = ? WHERE id = ?
		`, c.Score, string(c.Reasons), fmtTime(c.LastObservedAt), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE duplicate_candidates SET last_observed_at = ? WHERE id = ?
		`, fmtTime(c.LastObservedAt), id)
	}
	if err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// SetDuplicateCandidateStatus moves an open candidate to a terminal
// status. Terminal candidates stay terminal; returns false when the
// candidate was not open.
func (s *Store) SetDuplicateCandidateStatus(ctx context.Context, id string, status models.CandidateStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE duplicate_candidates SET status = ? WHERE id = ? AND status = 'open'
	`, string(status), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CandidateFilter narrows ListDuplicateCandidates.
type CandidateFilter struct {
	Status models.CandidateStatus
	Limit  int
}

// ListDuplicateCandidates returns candidates matching the filter, highest
// score first.
func (s *Store) ListDuplicateCandidates(ctx context.Context, filter CandidateFilter) ([]models.DuplicateCandidate, error) {
	query := `
		SELECT id, asset_uuid_a, asset_uuid_b, score, reasons, status, first_seen_at, last_observed_at
		FROM duplicate_candidates WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY score DESC, last_observed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var candidates []models.DuplicateCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *c)
	}
	return candidates, rows.Err()
}

// GetDuplicateCandidate retrieves a candidate by ID, nil when absent.
func (s *Store) GetDuplicateCandidate(ctx context.Context, id string) (*models.DuplicateCandidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, asset_uuid_a, asset_uuid_b, score, reasons, status, first_seen_at, last_observed_at
		FROM duplicate_candidates WHERE id = ?
	`, id)
	return scanCandidate(row)
}

func scanCandidate(row interface{ Scan(dest ...any) error }) (*models.DuplicateCandidate, error) {
	var c models.DuplicateCandidate
	var reasons, firstSeen, lastObserved string
	err := row.Scan(&c.ID, &c.AssetUUIDA, &c.AssetUUIDB, &c.Score, &reasons, &c.Status, &firstSeen, &lastObserved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.Reasons = []byte(reasons)
	c.FirstSeenAt = parseTime(firstSeen)
	c.LastObservedAt = parseTime(lastObserved)
	return &c, nil
}

// EnqueueDuplicateJob queues duplicate scanning for a run. Idempotent:
// re-enqueueing the same run is a no-op.
func (s *Store) EnqueueDuplicateJob(ctx context.Context, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicate_candidate_jobs (id, run_id, status, attempts, created_at)
		VALUES (?, ?, 'Queued', 0, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, uuid.NewString(), runID, fmtTime(now))
	return err
}

// ClaimDuplicateJobs atomically claims up to limit queued duplicate jobs,
// bumping their attempt counters.
func (s *Store) ClaimDuplicateJobs(ctx context.Context, limit int, now time.Time) ([]models.DuplicateCandidateJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE duplicate_candidate_jobs SET status = 'Running', started_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM duplicate_candidate_jobs WHERE status = 'Queued' ORDER BY created_at ASC, id ASC LIMIT ?
		)
		RETURNING id, run_id, status, attempts, created_at, started_at, finished_at, error_summary
	`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var jobs []models.DuplicateCandidateJob
	for rows.Next() {
		var j models.DuplicateCandidateJob
		var startedAt, finishedAt, summary sql.NullString
		var createdAt string
		if err := rows.Scan(&j.ID, &j.RunID, &j.Status, &j.Attempts, &createdAt, &startedAt, &finishedAt, &summary); err != nil {
			return nil, err
		}
		j.CreatedAt = parseTime(createdAt)
		j.StartedAt = parseTimePtr(startedAt)
		j.FinishedAt = parseTimePtr(finishedAt)
		j.ErrorSummary = summary.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// FinishDuplicateJob finalizes a claimed duplicate job.
func (s *Store) FinishDuplicateJob(ctx context.Context, id string, status models.RunStatus, finishedAt time.Time, errorSummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE duplicate_candidate_jobs SET status = ?, finished_at = ?, error_summary = NULLIF(?, '')
		WHERE id = ? AND status = 'Running'
	`, string(status), fmtTime(finishedAt), errorSummary, id)
	return err
}
