package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/pkg/models"
)

const runColumns = `id, source_id, schedule_group_id, mode, trigger_type, status, created_at,
	started_at, finished_at, detect_result, stats, warnings, errors, error_summary, recycle_count`

// EnqueueRun inserts a new Queued run.
func (s *Store) EnqueueRun(ctx context.Context, r models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source_id, schedule_group_id, mode, trigger_type, status, created_at, recycle_count)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, 0)
	`, r.ID, r.SourceID, r.ScheduleGroupID, string(r.Mode), string(r.TriggerType), string(models.RunQueued), fmtTime(r.CreatedAt))
	return err
}

// ActiveRunExists reports whether a Queued or Running run exists for the
// (source, mode) pair. Used for single-flight trigger suppression.
func (s *Store) ActiveRunExists(ctx context.Context, sourceID string, mode models.RunMode) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE source_id = ? AND mode = ? AND status IN ('Queued', 'Running')
	`, sourceID, string(mode)).Scan(&n)
	return n > 0, err
}

// ClaimQueuedRuns atomically moves up to limit Queued runs to Running and
// returns them, oldest first (enqueue order within the same second). The
// UPDATE is a single statement, so concurrent workers never claim the
// same run. RETURNING emits rows in undefined order, hence the rowid
// sort afterwards.
func (s *Store) ClaimQueuedRuns(ctx context.Context, limit int, now time.Time) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE runs SET status = 'Running', started_at = ?
		WHERE id IN (
			SELECT id FROM runs WHERE status = 'Queued' ORDER BY created_at ASC, rowid ASC LIMIT ?
		)
		RETURNING rowid, `+runColumns, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	type claimed struct {
		rowid int64
		run   models.Run
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		r, err := scanRun(prefixScanner{rows: rows, prefix: []any{&c.rowid}})
		if err != nil {
			return nil, err
		}
		c.run = *r
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].rowid < out[j].rowid })
	runs := make([]models.Run, 0, len(out))
	for _, c := range out {
		runs = append(runs, c.run)
	}
	return runs, nil
}

// prefixScanner prepends fixed destinations to every Scan call so the
// shared scan helpers can be reused when a query selects extra columns.
type prefixScanner struct {
	rows   *sql.Rows
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append(p.prefix, dest...)...)
}

// FinishRun finalizes a Running run. It returns false when the run is no
// longer Running, which happens when the recycler requeued it while a
// slow worker was still holding it; the late result is then discarded.
func (s *Store) FinishRun(ctx context.Context, runID string, status models.RunStatus, finishedAt time.Time,
	detectResult, stats, warnings, errors []byte, errorSummary string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, detect_result = ?, stats = ?, warnings = ?, errors = ?, error_summary = NULLIF(?, '')
		WHERE id = ? AND status = 'Running'
	`, string(status), fmtTime(finishedAt), nullBytes(detectResult), nullBytes(stats),
		nullBytes(warnings), nullBytes(errors), errorSummary, runID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecycleStaleRuns handles Running runs whose worker died: runs started
// before staleBefore are requeued with recycle_count bumped, unless the
// run already burned maxRecycles attempts, in which case it fails
// permanently. Returns the requeued and failed run IDs.
func (s *Store) RecycleStaleRuns(ctx context.Context, staleBefore time.Time, maxRecycles int, now time.Time) (requeued, failed []string, err error) {
	cutoff := fmtTime(staleBefore)

	crash := apperr.New(apperr.CodeRunRecycled, apperr.CategoryUnknown,
		"run exceeded the recycle limit without finishing", false)
	failedErrs := apperr.MarshalList(crash)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE runs SET status = 'Failed', finished_at = ?, errors = ?, error_summary = ?
		WHERE status = 'Running' AND finished_at IS NULL AND started_at < ? AND recycle_count >= ?
		RETURNING id
	`, fmtTime(now), string(failedErrs), crash.Message, cutoff, maxRecycles)
	if err != nil {
		return nil, nil, err
	}
	failed, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		UPDATE runs SET status = 'Queued', started_at = NULL, recycle_count = recycle_count + 1
		WHERE status = 'Running' AND finished_at IS NULL AND started_at < ? AND recycle_count < ?
		RETURNING id
	`, cutoff, maxRecycles)
	if err != nil {
		return nil, nil, err
	}
	requeued, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	return requeued, failed, nil
}

// GetRun retrieves a run by ID, nil when absent.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	SourceID string
	Status   models.RunStatus
	Limit    int
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var runs []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row interface{ Scan(dest ...any) error }) (*models.Run, error) {
	var r models.Run
	var groupID, startedAt, finishedAt, detect, stats, warnings, errs, summary sql.NullString
	var createdAt string

	err := row.Scan(&r.ID, &r.SourceID, &groupID, &r.Mode, &r.TriggerType, &r.Status, &createdAt,
		&startedAt, &finishedAt, &detect, &stats, &warnings, &errs, &summary, &r.RecycleCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.ScheduleGroupID = groupID.String
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTimePtr(startedAt)
	r.FinishedAt = parseTimePtr(finishedAt)
	r.ErrorSummary = summary.String
	if detect.Valid {
		r.DetectResult = []byte(detect.String)
	}
	if stats.Valid {
		r.Stats = []byte(stats.String)
	}
	if warnings.Valid {
		r.Warnings = []byte(warnings.String)
	}
	if errs.Valid {
		r.Errors = []byte(errs.String)
	}
	return &r, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close() //nolint:errcheck // best-effort cleanup
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
