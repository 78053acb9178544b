package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matijazezelj/ail/pkg/models"
)

// EnqueueSourceRuns enqueues the run rows a trigger implies for one
// source and returns their IDs. A vCenter collect fans out into
// collect_hosts then collect_vms, in that order, so host links tend to
// exist by the time VM relations resolve. Modes with an active run are
// skipped (single-flight). Both the scheduler and the manual trigger
// path go through here.
func EnqueueSourceRuns(ctx context.Context, st Store, src models.Source, groupID string,
	trigger models.TriggerType, mode models.RunMode, now time.Time) ([]string, error) {

	modes := []models.RunMode{mode}
	if mode == models.ModeCollect && src.SourceType == models.SourceVCenter {
		modes = []models.RunMode{models.ModeCollectHosts, models.ModeCollectVMs}
	}

	var runIDs []string
	for _, m := range modes {
		active, err := st.ActiveRunExists(ctx, src.ID, m)
		if err != nil {
			return runIDs, fmt.Errorf("checking active runs for source %s: %w", src.ID, err)
		}
		if active {
			continue
		}

		run := models.Run{
			ID:              uuid.NewString(),
			SourceID:        src.ID,
			ScheduleGroupID: groupID,
			Mode:            m,
			TriggerType:     trigger,
			Status:          models.RunQueued,
			CreatedAt:       now,
		}
		if err := st.EnqueueRun(ctx, run); err != nil {
			return runIDs, fmt.Errorf("enqueueing %s run for source %s: %w", m, src.ID, err)
		}
		runIDs = append(runIDs, run.ID)
	}
	return runIDs, nil
}
