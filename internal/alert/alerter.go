// Package alert dispatches pipeline events (failed runs, new duplicate
// candidates) to configured backends.
package alert

import (
	"context"
	"time"

	"github.com/matijazezelj/ail/internal/config"
	"github.com/matijazezelj/ail/pkg/models"
)

// Event represents an alert event sent to alerting backends.
type Event struct {
	EventType string     `json:"event_type"`
	Severity  string     `json:"severity"`
	Run       *Run       `json:"run,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Run is the run info embedded in an alert event.
type Run struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	Mode         string `json:"mode"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

// Candidate is the duplicate-candidate info embedded in an alert event.
type Candidate struct {
	ID         string `json:"id"`
	AssetUUIDA string `json:"asset_uuid_a"`
	AssetUUIDB string `json:"asset_uuid_b"`
	Score      int    `json:"score"`
}

// Alerter defines the interface for sending alert events.
type Alerter interface {
	// Name returns the alerter identifier.
	Name() string

	// Send dispatches an event to the alerting backend.
	Send(ctx context.Context, event Event) error
}

// Multi sends events to multiple alerters.
type Multi struct {
	alerters []Alerter
}

// NewMulti creates a multi-alerter that dispatches to all backends.
func NewMulti(alerters ...Alerter) *Multi {
	return &Multi{alerters: alerters}
}

// FromConfig assembles the alerter set the configuration enables.
func FromConfig(cfg config.AlertsConfig) *Multi {
	var alerters []Alerter
	if cfg.Stdout.Enabled {
		alerters = append(alerters, NewStdoutAlerter())
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		alerters = append(alerters, NewWebhookAlerter(cfg.Webhook.URL, cfg.Webhook.Headers))
	}
	return NewMulti(alerters...)
}

// Send dispatches the event to all configured alerters.
func (m *Multi) Send(ctx context.Context, event Event) error {
	var lastErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// RunFailed builds the event for a run that finished Failed.
func RunFailed(run models.Run, now time.Time) Event {
	return Event{
		EventType: "run.failed",
		Severity:  "warning",
		Run: &Run{
			ID:           run.ID,
			SourceID:     run.SourceID,
			Mode:         string(run.Mode),
			ErrorSummary: run.ErrorSummary,
		},
		Message:   "collection run failed: " + run.ErrorSummary,
		Timestamp: now,
	}
}

// NewDuplicate builds the event for a freshly created duplicate candidate.
func NewDuplicate(c models.DuplicateCandidate, now time.Time) Event {
	return Event{
		EventType: "duplicate.detected",
		Severity:  "info",
		Candidate: &Candidate{
			ID:         c.ID,
			AssetUUIDA: c.AssetUUIDA,
			AssetUUIDB: c.AssetUUIDB,
			Score:      c.Score,
		},
		Message:   "probable duplicate assets detected",
		Timestamp: now,
	}
}
