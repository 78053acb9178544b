package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matijazezelj/ail/pkg/models"
)

// CreateCredential inserts a sealed credential.
func (s *Store) CreateCredential(ctx context.Context, c models.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, name, payload_ciphertext, created_at)
		VALUES (?, ?, ?, ?)
	`, c.ID, c.Name, c.PayloadCiphertext, fmtTime(c.CreatedAt))
	return err
}

// GetCredential retrieves a credential by ID, nil when absent.
func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	var c models.Credential
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, payload_ciphertext, created_at FROM credentials WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &c.PayloadCiphertext, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// CreateScheduleGroup inserts a schedule group.
func (s *Store) CreateScheduleGroup(ctx context.Context, g models.ScheduleGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_groups (id, name, timezone, run_at_hhmm, last_triggered_on, enabled, max_parallel_sources, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, g.ID, g.Name, g.Timezone, g.RunAtHhmm, g.LastTriggeredOn, g.Enabled, g.MaxParallelSources, fmtTime(g.CreatedAt))
	return err
}

// GetScheduleGroup retrieves a schedule group by ID, nil when absent.
func (s *Store) GetScheduleGroup(ctx context.Context, id string) (*models.ScheduleGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, timezone, run_at_hhmm, last_triggered_on, enabled, max_parallel_sources, created_at
		FROM schedule_groups WHERE id = ?
	`, id)
	g, err := scanScheduleGroup(row)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListEnabledScheduleGroups returns all enabled schedule groups.
func (s *Store) ListEnabledScheduleGroups(ctx context.Context) ([]models.ScheduleGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, timezone, run_at_hhmm, last_triggered_on, enabled, max_parallel_sources, created_at
		FROM schedule_groups WHERE enabled = 1 ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var groups []models.ScheduleGroup
	for rows.Next() {
		g, err := scanScheduleGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func scanScheduleGroup(row interface{ Scan(dest ...any) error }) (*models.ScheduleGroup, error) {
	var g models.ScheduleGroup
	var lastTriggered sql.NullString
	var createdAt string

	err := row.Scan(&g.ID, &g.Name, &g.Timezone, &g.RunAtHhmm, &lastTriggered, &g.Enabled, &g.MaxParallelSources, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	g.LastTriggeredOn = lastTriggered.String
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}

// ClaimScheduleTrigger conditionally stamps last_triggered_on for the
// group. It returns true only for the single caller that moved the stamp
// to localDate; concurrent schedulers and repeat ticks get false.
func (s *Store) ClaimScheduleTrigger(ctx context.Context, groupID, localDate string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_groups SET last_triggered_on = ?
		WHERE id = ? AND enabled = 1 AND (last_triggered_on IS NULL OR last_triggered_on <> ?)
	`, localDate, groupID, localDate)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateSource inserts a source.
func (s *Store) CreateSource(ctx context.Context, src models.Source) error {
	cfg, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshaling source config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, source_type, enabled, config, credential_id, schedule_group_id, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
	`, src.ID, src.Name, string(src.SourceType), src.Enabled, string(cfg),
		src.CredentialID, src.ScheduleGroupID, fmtTime(src.CreatedAt), fmtTimePtr(src.DeletedAt))
	return err
}

// GetSource retrieves a source by ID, nil when absent.
func (s *Store) GetSource(ctx context.Context, id string) (*models.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_type, enabled, config, credential_id, schedule_group_id, created_at, deleted_at
		FROM sources WHERE id = ?
	`, id)
	return scanSource(row)
}

// ListGroupSources returns the non-deleted sources bound to a schedule group.
func (s *Store) ListGroupSources(ctx context.Context, groupID string) ([]models.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_type, enabled, config, credential_id, schedule_group_id, created_at, deleted_at
		FROM sources WHERE schedule_group_id = ? AND deleted_at IS NULL ORDER BY name
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// SoftDeleteSource marks a source deleted without breaking run history.
func (s *Store) SoftDeleteSource(ctx context.Context, id string, deletedAt string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, deletedAt, id)
	return err
}

func scanSource(row interface{ Scan(dest ...any) error }) (*models.Source, error) {
	var src models.Source
	var cfg string
	var credID, groupID, deletedAt sql.NullString
	var createdAt string

	err := row.Scan(&src.ID, &src.Name, &src.SourceType, &src.Enabled, &cfg, &credID, &groupID, &createdAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	src.CredentialID = credID.String
	src.ScheduleGroupID = groupID.String
	src.CreatedAt = parseTime(createdAt)
	src.DeletedAt = parseTimePtr(deletedAt)

	_ = json.Unmarshal([]byte(cfg), &src.Config)
	if src.Config == nil {
		src.Config = make(map[string]any)
	}
	return &src, nil
}
