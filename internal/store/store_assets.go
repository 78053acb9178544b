package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/pkg/models"
)

// ResolveLink returns the asset link for (source, external_kind,
// external_id), creating the link and a fresh asset when the identity has
// never been seen. Existing links get their last-seen stamps bumped.
func (s *Store) ResolveLink(ctx context.Context, sourceID string, kind models.AssetType, externalID string, seenAt time.Time) (*models.AssetSourceLink, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var link models.AssetSourceLink
	var firstSeen, lastSeen string
	err = tx.QueryRowContext(ctx, `
		SELECT id, source_id, external_kind, external_id, asset_uuid, first_seen_at, last_seen_at
		FROM asset_source_links WHERE source_id = ? AND external_kind = ? AND external_id = ?
	`, sourceID, string(kind), externalID).Scan(
		&link.ID, &link.SourceID, &link.ExternalKind, &link.ExternalID, &link.AssetUUID, &firstSeen, &lastSeen)

	switch {
	case err == sql.ErrNoRows:
		link = models.AssetSourceLink{
			ID:           uuid.NewString(),
			SourceID:     sourceID,
			ExternalKind: kind,
			ExternalID:   externalID,
			AssetUUID:    uuid.NewString(),
			FirstSeenAt:  seenAt,
			LastSeenAt:   seenAt,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assets (uuid, asset_type, status, first_seen_at, last_seen_at)
			VALUES (?, ?, 'in_service', ?, ?)
		`, link.AssetUUID, string(kind), fmtTime(seenAt), fmtTime(seenAt)); err != nil {
			return nil, false, fmt.Errorf("creating asset: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO asset_source_links (id, source_id, external_kind, external_id, asset_uuid, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, link.ID, link.SourceID, string(link.ExternalKind), link.ExternalID, link.AssetUUID,
			fmtTime(seenAt), fmtTime(seenAt)); err != nil {
			return nil, false, fmt.Errorf("creating asset link: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return &link, true, nil

	case err != nil:
		return nil, false, err
	}

	link.FirstSeenAt = parseTime(firstSeen)
	link.LastSeenAt = seenAt
	if _, err := tx.ExecContext(ctx, `
		UPDATE asset_source_links SET last_seen_at = ? WHERE id = ?
	`, fmtTime(seenAt), link.ID); err != nil {
		return nil, false, fmt.Errorf("touching asset link: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE assets SET last_seen_at = ?, status = CASE WHEN status = 'offline' THEN 'in_service' ELSE status END
		WHERE uuid = ?
	`, fmtTime(seenAt), link.AssetUUID); err != nil {
		return nil, false, fmt.Errorf("touching asset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &link, false, nil
}

// LookupLink resolves an identity to its asset without creating anything.
// Used to resolve relation endpoints seen in earlier runs.
func (s *Store) LookupLink(ctx context.Context, sourceID string, kind models.AssetType, externalID string) (*models.AssetSourceLink, error) {
	var link models.AssetSourceLink
	var firstSeen, lastSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, external_kind, external_id, asset_uuid, first_seen_at, last_seen_at
		FROM asset_source_links WHERE source_id = ? AND external_kind = ? AND external_id = ?
	`, sourceID, string(kind), externalID).Scan(
		&link.ID, &link.SourceID, &link.ExternalKind, &link.ExternalID, &link.AssetUUID, &firstSeen, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	link.FirstSeenAt = parseTime(firstSeen)
	link.LastSeenAt = parseTime(lastSeen)
	return &link, nil
}

// GetAsset retrieves an asset by UUID, nil when absent.
func (s *Store) GetAsset(ctx context.Context, assetUUID string) (*models.Asset, error) {
	var a models.Asset
	var displayName sql.NullString
	var firstSeen, lastSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, asset_type, status, display_name, first_seen_at, last_seen_at FROM assets WHERE uuid = ?
	`, assetUUID).Scan(&a.UUID, &a.AssetType, &a.Status, &displayName, &firstSeen, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.DisplayName = displayName.String
	a.FirstSeenAt = parseTime(firstSeen)
	a.LastSeenAt = parseTime(lastSeen)
	return &a, nil
}

// SetAssetDisplayName updates the derived display name.
func (s *Store) SetAssetDisplayName(ctx context.Context, assetUUID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assets SET display_name = ? WHERE uuid = ?
	`, displayName, assetUUID)
	return err
}

// InsertSourceRecord persists one collector sighting.
func (s *Store) InsertSourceRecord(ctx context.Context, rec models.SourceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_records (id, run_id, source_id, link_id, asset_uuid, external_kind, external_id,
			collected_at, normalized, raw, raw_compression, raw_size_bytes, raw_hash, raw_excerpt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.SourceID, rec.LinkID, rec.AssetUUID, string(rec.ExternalKind), rec.ExternalID,
		fmtTime(rec.CollectedAt), string(rec.Normalized), rec.Raw, rec.RawCompression,
		rec.RawSizeBytes, rec.RawHash, rec.RawExcerpt)
	return err
}

// UpsertRelation records a directed edge sighting, bumping last_seen_at
// on repeats.
func (s *Store) UpsertRelation(ctx context.Context, rel models.Relation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (id, relation_type, from_asset_uuid, to_asset_uuid, source_id, status, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
		ON CONFLICT(relation_type, from_asset_uuid, to_asset_uuid, source_id) DO UPDATE SET
			status = 'active',
			last_seen_at = excluded.last_seen_at
	`, rel.ID, string(rel.RelationType), rel.FromAssetUUID, rel.ToAssetUUID, rel.SourceID,
		fmtTime(rel.FirstSeenAt), fmtTime(rel.LastSeenAt))
	return err
}

// ListAssetRelations returns the active outgoing relations of an asset.
func (s *Store) ListAssetRelations(ctx context.Context, fromAssetUUID string) ([]models.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relation_type, from_asset_uuid, to_asset_uuid, source_id, status, first_seen_at, last_seen_at
		FROM relations WHERE from_asset_uuid = ? AND status = 'active' ORDER BY relation_type, to_asset_uuid
	`, fromAssetUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var rels []models.Relation
	for rows.Next() {
		var r models.Relation
		var firstSeen, lastSeen string
		if err := rows.Scan(&r.ID, &r.RelationType, &r.FromAssetUUID, &r.ToAssetUUID, &r.SourceID, &r.Status, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		r.FirstSeenAt = parseTime(firstSeen)
		r.LastSeenAt = parseTime(lastSeen)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// InsertSnapshot persists the canonical document built for one asset in
// one run. A rebuild for the same (asset, run) replaces the document.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.AssetRunSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_run_snapshots (id, asset_uuid, run_id, canonical, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(asset_uuid, run_id) DO UPDATE SET
			canonical = excluded.canonical,
			created_at = excluded.created_at
	`, snap.ID, snap.AssetUUID, snap.RunID, string(snap.Canonical), fmtTime(snap.CreatedAt))
	return err
}

// GetLatestSnapshot returns the newest canonical snapshot for an asset,
// nil when none exists.
func (s *Store) GetLatestSnapshot(ctx context.Context, assetUUID string) (*models.AssetRunSnapshot, error) {
	var snap models.AssetRunSnapshot
	var canonical, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, asset_uuid, run_id, canonical, created_at FROM asset_run_snapshots
		WHERE asset_uuid = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, assetUUID).Scan(&snap.ID, &snap.AssetUUID, &snap.RunID, &canonical, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	snap.Canonical = []byte(canonical)
	snap.CreatedAt = parseTime(createdAt)
	return &snap, nil
}

// DeleteRunArtifacts removes the source records and canonical snapshots
// a run has written, unwinding a partially ingested run. Without it the
// duplicate pool would serve records from a run that ended Failed.
func (s *Store) DeleteRunArtifacts(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM source_records WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("deleting run source records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM asset_run_snapshots WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("deleting run snapshots: %w", err)
	}
	return nil
}

// ListRunRecords returns the (asset, normalized payload) pairs a run
// ingested for one asset kind.
func (s *Store) ListRunRecords(ctx context.Context, runID string, kind models.AssetType) ([]PoolEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_uuid, normalized FROM source_records
		WHERE run_id = ? AND external_kind = ? ORDER BY collected_at ASC, id ASC
	`, runID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var entries []PoolEntry
	for rows.Next() {
		var e PoolEntry
		var normalized string
		if err := rows.Scan(&e.AssetUUID, &normalized); err != nil {
			return nil, err
		}
		e.Normalized = []byte(normalized)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PoolEntry is one asset admitted to duplicate scanning, carrying its
// latest normalized payload.
type PoolEntry struct {
	AssetUUID  string
	Normalized []byte
}

// DuplicatePool returns the latest normalized payload per non-merged
// asset of the given type that is in service, or offline but seen since
// offlineCutoff. One row per asset; ties on collected_at are broken
// arbitrarily but deterministically per query.
func (s *Store) DuplicatePool(ctx context.Context, assetType models.AssetType, offlineCutoff time.Time) ([]PoolEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.uuid, sr.normalized
		FROM assets a
		JOIN (
			SELECT asset_uuid, MAX(collected_at) AS max_collected
			FROM source_records GROUP BY asset_uuid
		) latest ON latest.asset_uuid = a.uuid
		JOIN source_records sr ON sr.asset_uuid = a.uuid AND sr.collected_at = latest.max_collected
		WHERE a.asset_type = ? AND a.status <> 'merged'
			AND (a.status = 'in_service' OR a.last_seen_at >= ?)
		GROUP BY a.uuid
		ORDER BY a.uuid
	`, string(assetType), fmtTime(offlineCutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var pool []PoolEntry
	for rows.Next() {
		var e PoolEntry
		var normalized string
		if err := rows.Scan(&e.AssetUUID, &normalized); err != nil {
			return nil, err
		}
		e.Normalized = []byte(normalized)
		pool = append(pool, e)
	}
	return pool, rows.Err()
}
