// Package ingest reduces a parsed collector response into durable state:
// asset identities, source records with compressed raw payloads,
// relations, and per-run canonical snapshots with field provenance.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/internal/collector"
	"github.com/matijazezelj/ail/internal/schema"
	"github.com/matijazezelj/ail/pkg/models"
)

// Store is the durable state the ingester writes to.
type Store interface {
	ResolveLink(ctx context.Context, sourceID string, kind models.AssetType, externalID string, seenAt time.Time) (*models.AssetSourceLink, bool, error)
	LookupLink(ctx context.Context, sourceID string, kind models.AssetType, externalID string) (*models.AssetSourceLink, error)
	GetAsset(ctx context.Context, assetUUID string) (*models.Asset, error)
	SetAssetDisplayName(ctx context.Context, assetUUID, displayName string) error
	InsertSourceRecord(ctx context.Context, rec models.SourceRecord) error
	UpsertRelation(ctx context.Context, rel models.Relation) error
	InsertSnapshot(ctx context.Context, snap models.AssetRunSnapshot) error
	DeleteRunArtifacts(ctx context.Context, runID string) error
}

// Warning is a non-fatal ingest observation persisted on the run.
type Warning struct {
	Type         string                     `json:"type"`
	RelationType models.RelationType        `json:"relation_type,omitempty"`
	From         collector.RelationEndpoint `json:"from,omitempty"`
	To           collector.RelationEndpoint `json:"to,omitempty"`
}

// Result summarizes one ingested run.
type Result struct {
	IngestedAssets    int
	IngestedRelations int
	Warnings          []Warning
}

// Ingester writes collector responses into the store.
type Ingester struct {
	store  Store
	logger *slog.Logger
}

// New creates an Ingester.
func New(store Store, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, logger: logger}
}

type resolvedLink struct {
	linkID      string
	assetUUID   string
	displayName string
	assetType   models.AssetType
}

func externalKey(kind models.AssetType, id string) string {
	return string(kind) + ":" + id
}

// IngestRun persists the assets and relations of one collect run.
// Returned errors are always structured: raw-compression and canonical
// validation failures are non-retryable, plain DB failures retryable.
// A mid-run failure unwinds the run's source records and snapshots, so
// a run that ends Failed leaves no partial payloads behind.
func (in *Ingester) IngestRun(ctx context.Context, runID, sourceID string, collectedAt time.Time,
	assets []collector.ResponseAsset, relations []collector.ResponseRelation) (*Result, *apperr.Error) {

	res, e := in.ingestRun(ctx, runID, sourceID, collectedAt, assets, relations)
	if e != nil {
		if err := in.store.DeleteRunArtifacts(ctx, runID); err != nil {
			in.logger.Error("unwinding partial ingest", "run_id", runID, "error", err)
		}
		return nil, e
	}
	return res, nil
}

func (in *Ingester) ingestRun(ctx context.Context, runID, sourceID string, collectedAt time.Time,
	assets []collector.ResponseAsset, relations []collector.ResponseRelation) (*Result, *apperr.Error) {

	collectedAtISO := collectedAt.UTC().Format(time.RFC3339)
	links := make(map[string]resolvedLink, len(assets))
	recordIDs := make(map[string]string, len(assets))
	var warnings []Warning

	for _, asset := range assets {
		var normalized map[string]any
		if err := json.Unmarshal(asset.Normalized, &normalized); err != nil {
			return nil, apperr.New(apperr.CodeSchemaValidationFailed, apperr.CategorySchema,
				"normalized payload is not a JSON object", false).
				WithContext(map[string]any{"external_kind": string(asset.ExternalKind), "external_id": asset.ExternalID})
		}

		link, created, err := in.store.ResolveLink(ctx, sourceID, asset.ExternalKind, asset.ExternalID, collectedAt)
		if err != nil {
			return nil, dbError("resolving asset link", err)
		}

		displayName := DeriveDisplayName(normalized, link.AssetUUID)
		if err := in.store.SetAssetDisplayName(ctx, link.AssetUUID, displayName); err != nil {
			return nil, dbError("updating display name", err)
		}
		if created {
			in.logger.Debug("new asset discovered",
				"asset_uuid", link.AssetUUID, "external_kind", string(asset.ExternalKind), "external_id", asset.ExternalID)
		}

		raw := CompressRaw(asset.RawPayload)
		record := models.SourceRecord{
			ID:             uuid.NewString(),
			RunID:          runID,
			SourceID:       sourceID,
			LinkID:         link.ID,
			AssetUUID:      link.AssetUUID,
			ExternalKind:   asset.ExternalKind,
			ExternalID:     asset.ExternalID,
			CollectedAt:    collectedAt,
			Normalized:     asset.Normalized,
			Raw:            raw.Bytes,
			RawCompression: raw.Compression,
			RawSizeBytes:   raw.SizeBytes,
			RawHash:        raw.Hash,
			RawExcerpt:     raw.Excerpt,
		}
		if err := in.store.InsertSourceRecord(ctx, record); err != nil {
			return nil, dbError("inserting source record", err)
		}

		links[externalKey(asset.ExternalKind, asset.ExternalID)] = resolvedLink{
			linkID:      link.ID,
			assetUUID:   link.AssetUUID,
			displayName: displayName,
			assetType:   asset.ExternalKind,
		}
		recordIDs[link.AssetUUID] = record.ID
	}

	outgoing := make(map[string][]OutgoingRelation)
	ingestedRelations := 0

	for _, rel := range relations {
		from, fromWarn, err := in.resolveEndpoint(ctx, sourceID, rel.From, links)
		if err != nil {
			return nil, dbError("resolving relation endpoint", err)
		}
		to, toWarn, err := in.resolveEndpoint(ctx, sourceID, rel.To, links)
		if err != nil {
			return nil, dbError("resolving relation endpoint", err)
		}
		if fromWarn || toWarn {
			warnings = append(warnings, Warning{
				Type:         "relation.skipped_missing_endpoint",
				RelationType: rel.Type,
				From:         rel.From,
				To:           rel.To,
			})
			continue
		}

		err = in.store.UpsertRelation(ctx, models.Relation{
			ID:            uuid.NewString(),
			RelationType:  rel.Type,
			FromAssetUUID: from.assetUUID,
			ToAssetUUID:   to.assetUUID,
			SourceID:      sourceID,
			Status:        "active",
			FirstSeenAt:   collectedAt,
			LastSeenAt:    collectedAt,
		})
		if err != nil {
			return nil, dbError("upserting relation", err)
		}

		outgoing[from.assetUUID] = append(outgoing[from.assetUUID], OutgoingRelation{
			Type: rel.Type,
			To: RelationTarget{
				AssetUUID:   to.assetUUID,
				DisplayName: to.displayName,
				AssetType:   to.assetType,
			},
			SourceID:   sourceID,
			LastSeenAt: collectedAtISO,
		})
		ingestedRelations++
	}

	for _, asset := range assets {
		link, ok := links[externalKey(asset.ExternalKind, asset.ExternalID)]
		if !ok {
			continue
		}

		canonical, err := BuildCanonical(CanonicalInput{
			AssetUUID:   link.assetUUID,
			AssetType:   link.assetType,
			SourceID:    sourceID,
			RunID:       runID,
			RecordID:    recordIDs[link.assetUUID],
			CollectedAt: collectedAtISO,
			Normalized:  asset.Normalized,
			Outgoing:    outgoing[link.assetUUID],
		})
		if err != nil {
			return nil, apperr.New(apperr.CodeInternal, apperr.CategoryUnknown,
				"failed to build canonical document", false).
				WithContext(map[string]any{"asset_uuid": link.assetUUID, "cause": err.Error()})
		}

		if issues := schema.ValidateCanonical(canonical); len(issues) > 0 {
			if len(issues) > 20 {
				issues = issues[:20]
			}
			return nil, apperr.New(apperr.CodeSchemaValidationFailed, apperr.CategorySchema,
				"canonical-v1 schema validation failed", false).
				WithContext(map[string]any{"asset_uuid": link.assetUUID, "issues": issues})
		}

		err = in.store.InsertSnapshot(ctx, models.AssetRunSnapshot{
			ID:        uuid.NewString(),
			AssetUUID: link.assetUUID,
			RunID:     runID,
			Canonical: canonical,
			CreatedAt: collectedAt,
		})
		if err != nil {
			return nil, dbError("inserting snapshot", err)
		}
	}

	return &Result{
		IngestedAssets:    len(assets),
		IngestedRelations: ingestedRelations,
		Warnings:          warnings,
	}, nil
}

// resolveEndpoint maps an external identity to its asset. Endpoints
// touched by the current run resolve through the in-run map; anything
// else falls back to the persisted link table, so a VM's runs_on still
// resolves to a host last seen in an earlier collect_hosts run. A true
// miss yields a warning flag, never an error.
func (in *Ingester) resolveEndpoint(ctx context.Context, sourceID string, ep collector.RelationEndpoint,
	links map[string]resolvedLink) (resolvedLink, bool, error) {

	if link, ok := links[externalKey(ep.ExternalKind, ep.ExternalID)]; ok {
		return link, false, nil
	}

	persisted, err := in.store.LookupLink(ctx, sourceID, ep.ExternalKind, ep.ExternalID)
	if err != nil {
		return resolvedLink{}, false, err
	}
	if persisted == nil {
		return resolvedLink{}, true, nil
	}

	link := resolvedLink{
		linkID:      persisted.ID,
		assetUUID:   persisted.AssetUUID,
		displayName: persisted.AssetUUID,
		assetType:   persisted.ExternalKind,
	}
	asset, err := in.store.GetAsset(ctx, persisted.AssetUUID)
	if err != nil {
		return resolvedLink{}, false, err
	}
	if asset != nil && asset.DisplayName != "" {
		link.displayName = asset.DisplayName
		link.assetType = asset.AssetType
	}
	return link, false, nil
}

func dbError(what string, err error) *apperr.Error {
	return apperr.New(apperr.CodeDBWriteFailed, apperr.CategoryDB,
		fmt.Sprintf("%s failed", what), true).
		WithContext(map[string]any{"cause": err.Error()})
}
