package models

import "time"

// SourceType identifies the external system a source collects from.
type SourceType string

// Source type constants for supported collector plugins.
const (
	SourceVCenter         SourceType = "vcenter"
	SourcePVE             SourceType = "pve"
	SourceHyperV          SourceType = "hyperv"
	SourceActiveDirectory SourceType = "activedirectory"
	SourceSolarWinds      SourceType = "solarwinds"
)

// RunMode is the kind of work a run asks its collector to perform.
type RunMode string

const (
	ModeCollect      RunMode = "collect"
	ModeCollectHosts RunMode = "collect_hosts"
	ModeCollectVMs   RunMode = "collect_vms"
	ModeDetect       RunMode = "detect"
	ModeHealthcheck  RunMode = "healthcheck"
)

// TriggerType records how a run was enqueued.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
)

// RunStatus is the run state machine: Queued → Running → {Succeeded, Failed, Cancelled}.
// The recycler may force a stale Running run back to Queued.
type RunStatus string

const (
	RunQueued    RunStatus = "Queued"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// IsTerminal reports whether a run in this status is immutable.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// AssetType is the kind of inventory asset a collector reports.
type AssetType string

const (
	AssetVM      AssetType = "vm"
	AssetHost    AssetType = "host"
	AssetCluster AssetType = "cluster"
)

// AssetStatus tracks asset lifecycle; merged assets are tombstones.
type AssetStatus string

const (
	AssetInService AssetStatus = "in_service"
	AssetOffline   AssetStatus = "offline"
	AssetMerged    AssetStatus = "merged"
)

// RelationType is the kind of directed relationship between assets.
type RelationType string

const (
	RelationRunsOn   RelationType = "runs_on"
	RelationMemberOf RelationType = "member_of"
)

// CandidateStatus is the duplicate-candidate lifecycle. ignored and merged
// are terminal and are never reverted by re-detection.
type CandidateStatus string

const (
	CandidateOpen    CandidateStatus = "open"
	CandidateIgnored CandidateStatus = "ignored"
	CandidateMerged  CandidateStatus = "merged"
)

// Credential holds an AES-GCM sealed JSON payload referenced by sources.
type Credential struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	PayloadCiphertext []byte    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// ScheduleGroup is a trigger policy (timezone + local wall-clock time)
// shared by a set of sources. It fires at most once per local calendar date.
type ScheduleGroup struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Timezone           string    `json:"timezone"`
	RunAtHhmm          string    `json:"run_at_hhmm"`
	LastTriggeredOn    string    `json:"last_triggered_on,omitempty"` // YYYY-MM-DD in the group's timezone
	Enabled            bool      `json:"enabled"`
	MaxParallelSources int       `json:"max_parallel_sources,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Source is a configured inventory source. Identity is immutable once
// created; sources are soft-deleted while referenced.
type Source struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SourceType      SourceType     `json:"source_type"`
	Enabled         bool           `json:"enabled"`
	Config          map[string]any `json:"config"`
	CredentialID    string         `json:"credential_id,omitempty"`
	ScheduleGroupID string         `json:"schedule_group_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty"`
}

// Run is one unit of collector work. Immutable once terminal.
type Run struct {
	ID              string      `json:"id"`
	SourceID        string      `json:"source_id"`
	ScheduleGroupID string      `json:"schedule_group_id,omitempty"`
	Mode            RunMode     `json:"mode"`
	TriggerType     TriggerType `json:"trigger_type"`
	Status          RunStatus   `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
	DetectResult    []byte      `json:"detect_result,omitempty"` // opaque collector JSON
	Stats           []byte      `json:"stats,omitempty"`         // opaque collector JSON
	Warnings        []byte      `json:"warnings,omitempty"`      // JSON array
	Errors          []byte      `json:"errors,omitempty"`        // JSON array of apperr.Error
	ErrorSummary    string      `json:"error_summary,omitempty"`
	RecycleCount    int         `json:"recycle_count"`
}

// Asset is the long-lived identity a canonical record attaches to.
type Asset struct {
	UUID        string      `json:"uuid"`
	AssetType   AssetType   `json:"asset_type"`
	Status      AssetStatus `json:"status"`
	DisplayName string      `json:"display_name,omitempty"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
	LastSeenAt  time.Time   `json:"last_seen_at"`
}

// AssetSourceLink is the durable identity mapping
// (source, external_kind, external_id) → asset UUID.
type AssetSourceLink struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	ExternalKind AssetType `json:"external_kind"`
	ExternalID   string    `json:"external_id"`
	AssetUUID    string    `json:"asset_uuid"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// SourceRecord is one collector sighting of one external entity in one run.
type SourceRecord struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	SourceID       string    `json:"source_id"`
	LinkID         string    `json:"link_id"`
	AssetUUID      string    `json:"asset_uuid"`
	ExternalKind   AssetType `json:"external_kind"`
	ExternalID     string    `json:"external_id"`
	CollectedAt    time.Time `json:"collected_at"`
	Normalized     []byte    `json:"normalized"` // normalized-v1 JSON
	Raw            []byte    `json:"-"`          // zstd-compressed raw payload
	RawCompression string    `json:"raw_compression"`
	RawSizeBytes   int64     `json:"raw_size_bytes"`
	RawHash        string    `json:"raw_hash"`
	RawExcerpt     string    `json:"raw_excerpt,omitempty"`
}

// Relation is a directed edge between assets reported by a source.
type Relation struct {
	ID            string       `json:"id"`
	RelationType  RelationType `json:"relation_type"`
	FromAssetUUID string       `json:"from_asset_uuid"`
	ToAssetUUID   string       `json:"to_asset_uuid"`
	SourceID      string       `json:"source_id"`
	Status        string       `json:"status"`
	FirstSeenAt   time.Time    `json:"first_seen_at"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
}

// AssetRunSnapshot is the canonical-v1 document built for one asset in one run.
type AssetRunSnapshot struct {
	ID        string    `json:"id"`
	AssetUUID string    `json:"asset_uuid"`
	RunID     string    `json:"run_id"`
	Canonical []byte    `json:"canonical"` // canonical-v1 JSON
	CreatedAt time.Time `json:"created_at"`
}

// DuplicateCandidate is an unordered, scored pair of assets suspected of
// being the same entity. The pair is stored with AssetUUIDA < AssetUUIDB.
type DuplicateCandidate struct {
	ID             string          `json:"id"`
	AssetUUIDA     string          `json:"asset_uuid_a"`
	AssetUUIDB     string          `json:"asset_uuid_b"`
	Score          int             `json:"score"`
	Reasons        []byte          `json:"reasons"` // dup-rules-v1 JSON
	Status         CandidateStatus `json:"status"`
	FirstSeenAt    time.Time       `json:"first_seen_at"`
	LastObservedAt time.Time       `json:"last_observed_at"`
}

// DuplicateCandidateJob enqueues asynchronous duplicate scanning for a run.
// Unique per run; re-enqueue attempts are idempotent no-ops.
type DuplicateCandidateJob struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Status       RunStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
}

// DupScopesForMode returns the asset types a run mode implies for
// duplicate scanning.
func DupScopesForMode(mode RunMode) []AssetType {
	switch mode {
	case ModeCollectHosts:
		return []AssetType{AssetHost}
	case ModeCollectVMs:
		return []AssetType{AssetVM}
	case ModeCollect:
		return []AssetType{AssetHost, AssetVM}
	default:
		return nil
	}
}
