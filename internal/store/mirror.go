package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/matijazezelj/ail/pkg/models"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// MirroredStore wraps a Store and mirrors asset and relation writes to
// Memgraph for graph exploration. Memgraph failures are logged but never
// block the SQLite write.
type MirroredStore struct {
	*Store
	driver neo4j.DriverWithContext
	logger *slog.Logger
}

// NewMirroredStore creates a MirroredStore. If driver is nil, no
// mirroring occurs.
func NewMirroredStore(store *Store, driver neo4j.DriverWithContext, logger *slog.Logger) *MirroredStore {
	return &MirroredStore{
		Store:  store,
		driver: driver,
		logger: logger,
	}
}

// ResolveLink resolves the identity in SQLite and mirrors a freshly
// created asset to Memgraph.
func (s *MirroredStore) ResolveLink(ctx context.Context, sourceID string, kind models.AssetType, externalID string, seenAt time.Time) (*models.AssetSourceLink, bool, error) {
	link, created, err := s.Store.ResolveLink(ctx, sourceID, kind, externalID, seenAt)
	if err != nil {
		return nil, false, err
	}
	if created && s.driver != nil {
		asset, getErr := s.Store.GetAsset(ctx, link.AssetUUID)
		if getErr == nil && asset != nil {
			if syncErr := s.syncAsset(ctx, *asset); syncErr != nil {
				s.logger.Warn("failed to sync asset to memgraph", "asset_uuid", link.AssetUUID, "error", syncErr)
			}
		}
	}
	return link, created, nil
}

// SetAssetDisplayName updates the name in SQLite and mirrors it.
func (s *MirroredStore) SetAssetDisplayName(ctx context.Context, assetUUID, displayName string) error {
	if err := s.Store.SetAssetDisplayName(ctx, assetUUID, displayName); err != nil {
		return err
	}
	if s.driver != nil {
		asset, err := s.Store.GetAsset(ctx, assetUUID)
		if err == nil && asset != nil {
			if syncErr := s.syncAsset(ctx, *asset); syncErr != nil {
				s.logger.Warn("failed to sync asset to memgraph", "asset_uuid", assetUUID, "error", syncErr)
			}
		}
	}
	return nil
}

// UpsertRelation records the edge in SQLite and mirrors it.
func (s *MirroredStore) UpsertRelation(ctx context.Context, rel models.Relation) error {
	if err := s.Store.UpsertRelation(ctx, rel); err != nil {
		return err
	}
	if s.driver != nil {
		if err := s.syncRelation(ctx, rel); err != nil {
			s.logger.Warn("failed to sync relation to memgraph", "relation_id", rel.ID, "error", err)
		}
	}
	return nil
}

// Close closes both the SQLite and Memgraph connections.
func (s *MirroredStore) Close() error {
	sqlErr := s.Store.Close()
	if s.driver != nil {
		if mgErr := s.driver.Close(context.Background()); mgErr != nil && sqlErr == nil {
			return mgErr
		}
	}
	return sqlErr
}

// HasMemgraph returns true if Memgraph mirroring is active.
func (s *MirroredStore) HasMemgraph() bool {
	return s.driver != nil
}

func (s *MirroredStore) syncAsset(ctx context.Context, asset models.Asset) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	cypher := `
		MERGE (a:Asset {uuid: $uuid})
		SET a.asset_type = $assetType,
		    a.status = $status,
		    a.display_name = $displayName,
		    a.first_seen_at = $firstSeen,
		    a.last_seen_at = $lastSeen
	`
	_, err := session.Run(ctx, cypher, map[string]any{
		"uuid":        asset.UUID,
		"assetType":   string(asset.AssetType),
		"status":      string(asset.Status),
		"displayName": asset.DisplayName,
		"firstSeen":   asset.FirstSeenAt.Format(time.RFC3339),
		"lastSeen":    asset.LastSeenAt.Format(time.RFC3339),
	})
	return err
}

func (s *MirroredStore) syncRelation(ctx context.Context, rel models.Relation) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	cypher := `
		MERGE (from:Asset {uuid: $fromUUID})
		MERGE (to:Asset {uuid: $toUUID})
		MERGE (from)-[r:RELATES {relation_type: $relType, source_id: $sourceID}]->(to)
		SET r.status = $status,
		    r.last_seen_at = $lastSeen
	`
	_, err := session.Run(ctx, cypher, map[string]any{
		"fromUUID": rel.FromAssetUUID,
		"toUUID":   rel.ToAssetUUID,
		"relType":  string(rel.RelationType),
		"sourceID": rel.SourceID,
		"status":   rel.Status,
		"lastSeen": rel.LastSeenAt.Format(time.RFC3339),
	})
	return err
}
