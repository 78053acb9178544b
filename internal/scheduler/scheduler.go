// Package scheduler fires schedule groups at their configured local
// wall-clock time and enqueues collection runs for eligible sources.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/matijazezelj/ail/pkg/models"
)

// Store is the state the scheduler reads groups from and writes runs to.
type Store interface {
	ListEnabledScheduleGroups(ctx context.Context) ([]models.ScheduleGroup, error)
	ClaimScheduleTrigger(ctx context.Context, groupID, localDate string) (bool, error)
	ListGroupSources(ctx context.Context, groupID string) ([]models.Source, error)
	ActiveRunExists(ctx context.Context, sourceID string, mode models.RunMode) (bool, error)
	EnqueueRun(ctx context.Context, r models.Run) error
}

// Scheduler ticks on a fixed interval and triggers due schedule groups.
// At most one trigger per group per local calendar date; the claim is a
// single conditional write so concurrent instances cannot double-fire.
type Scheduler struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler that evaluates groups every interval.
func New(st Store, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop. Call Stop() to terminate.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "tick_interval", s.interval.String())

		for {
			select {
			case <-ticker.C:
				s.Tick(ctx, time.Now())
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick evaluates every enabled group against the given instant. A group
// fires when its local wall-clock time, formatted HH:MM, equals its
// run_at_hhmm and the trigger for today's local date has not been
// claimed yet. Invalid timezones are logged and skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	groups, err := s.store.ListEnabledScheduleGroups(ctx)
	if err != nil {
		s.logger.Error("listing schedule groups", "error", err)
		return
	}

	for _, group := range groups {
		loc, err := time.LoadLocation(group.Timezone)
		if err != nil {
			s.logger.Warn("skipping group with invalid timezone",
				"group_id", group.ID, "timezone", group.Timezone, "error", err)
			continue
		}

		local := now.In(loc)
		if local.Format("15:04") != group.RunAtHhmm {
			continue
		}

		localDate := local.Format("2006-01-02")
		claimed, err := s.store.ClaimScheduleTrigger(ctx, group.ID, localDate)
		if err != nil {
			s.logger.Error("claiming schedule trigger", "group_id", group.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		s.logger.Info("schedule group triggered",
			"group_id", group.ID, "name", group.Name, "local_date", localDate)
		s.enqueueGroup(ctx, group, now)
	}
}

func (s *Scheduler) enqueueGroup(ctx context.Context, group models.ScheduleGroup, now time.Time) {
	sources, err := s.store.ListGroupSources(ctx, group.ID)
	if err != nil {
		s.logger.Error("listing group sources", "group_id", group.ID, "error", err)
		return
	}

	for _, src := range sources {
		if reason := IneligibleReason(src); reason != "" {
			s.logger.Debug("source not eligible for collection",
				"source_id", src.ID, "source_type", string(src.SourceType), "reason", reason)
			continue
		}

		runIDs, err := EnqueueSourceRuns(ctx, s.store, src, group.ID, models.TriggerSchedule, models.ModeCollect, now)
		if err != nil {
			s.logger.Error("enqueueing runs", "source_id", src.ID, "error", err)
			continue
		}
		for _, id := range runIDs {
			s.logger.Info("run enqueued", "run_id", id, "source_id", src.ID, "group_id", group.ID)
		}
	}
}

// IneligibleReason reports why a source cannot be collected, or "" when
// it is eligible. Eligibility requires the source to be enabled, not
// soft-deleted, credential-bound, and to carry the per-type config its
// collector needs.
func IneligibleReason(src models.Source) string {
	if !src.Enabled {
		return "disabled"
	}
	if src.DeletedAt != nil {
		return "deleted"
	}
	if src.CredentialID == "" {
		return "no credential bound"
	}

	switch src.SourceType {
	case models.SourceVCenter:
		switch configString(src, "preferred_vcenter_version") {
		case "6.5-6.7", "7.0-8.x":
			return ""
		}
		return "preferred_vcenter_version not chosen"
	case models.SourcePVE:
		switch configString(src, "scope") {
		case "standalone", "cluster":
			return ""
		}
		return "scope not chosen"
	case models.SourceHyperV:
		if configString(src, "scope") == "" {
			return "scope not chosen"
		}
		if configString(src, "connection_method") == "agent" {
			return ""
		}
		switch configString(src, "auth_method") {
		case "kerberos", "ntlm", "basic":
			return ""
		}
		return "auth_method not chosen"
	case models.SourceActiveDirectory:
		if configString(src, "purpose") == "auth_only" {
			return "auth-only directory source"
		}
		return ""
	}
	return ""
}

func configString(src models.Source, key string) string {
	v, _ := src.Config[key].(string)
	return v
}
