// Package worker claims queued runs, drives them through the collector
// adapter, and reduces the outcome into durable run state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/matijazezelj/ail/internal/alert"
	"github.com/matijazezelj/ail/internal/apperr"
	"github.com/matijazezelj/ail/internal/collector"
	"github.com/matijazezelj/ail/internal/config"
	"github.com/matijazezelj/ail/internal/crypto"
	"github.com/matijazezelj/ail/internal/dedup"
	"github.com/matijazezelj/ail/internal/ingest"
	"github.com/matijazezelj/ail/pkg/models"
)

const stderrExcerptLimit = 2000

// Store is the run-queue state the worker operates on.
type Store interface {
	ClaimQueuedRuns(ctx context.Context, limit int, now time.Time) ([]models.Run, error)
	GetSource(ctx context.Context, id string) (*models.Source, error)
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	FinishRun(ctx context.Context, runID string, status models.RunStatus, finishedAt time.Time,
		detectResult, stats, warnings, errors []byte, errorSummary string) (bool, error)
	EnqueueDuplicateJob(ctx context.Context, runID string, now time.Time) error
	ClaimDuplicateJobs(ctx context.Context, limit int, now time.Time) ([]models.DuplicateCandidateJob, error)
	FinishDuplicateJob(ctx context.Context, id string, status models.RunStatus, finishedAt time.Time, errorSummary string) error
	RecycleStaleRuns(ctx context.Context, staleBefore time.Time, maxRecycles int, now time.Time) (requeued, failed []string, err error)
}

// Worker polls for queued runs and processes them one at a time. One
// run's failure never stops the loop; crashes are converted into a
// terminal Failed state.
type Worker struct {
	store    Store
	ingester *ingest.Ingester
	engine   *dedup.Engine
	sealer   *crypto.Sealer
	alerts   *alert.Multi
	logger   *slog.Logger

	collectors map[string]string
	workerCfg  config.WorkerConfig
	recycleCfg config.RecyclerConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker. The sealer may be nil when no credential key is
// configured; runs for credential-bound sources then fail with a config
// error instead of shipping an unreadable payload.
func New(st Store, ingester *ingest.Ingester, engine *dedup.Engine, sealer *crypto.Sealer,
	alerts *alert.Multi, logger *slog.Logger, cfg *config.Config) *Worker {
	return &Worker{
		store:      st,
		ingester:   ingester,
		engine:     engine,
		sealer:     sealer,
		alerts:     alerts,
		logger:     logger,
		collectors: cfg.Collectors,
		workerCfg:  cfg.Worker,
		recycleCfg: cfg.Recycler,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the polling loop. Call Stop() to terminate.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.workerCfg.PollInterval)
		defer ticker.Stop()

		w.logger.Info("worker started",
			"poll_interval", w.workerCfg.PollInterval.String(), "batch_size", w.workerCfg.BatchSize)

		for {
			select {
			case <-ticker.C:
				w.Poll(ctx, time.Now())
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the worker and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Poll performs one pass: recycle stale runs, claim a batch, process
// each claimed run, then drain the duplicate-job queue.
func (w *Worker) Poll(ctx context.Context, now time.Time) {
	w.recycle(ctx, now)

	runs, err := w.store.ClaimQueuedRuns(ctx, w.workerCfg.BatchSize, now)
	if err != nil {
		w.logger.Error("claiming runs", "error", err)
		return
	}
	for _, run := range runs {
		w.ProcessRun(ctx, run)
	}

	w.drainDuplicateJobs(ctx)
}

func (w *Worker) recycle(ctx context.Context, now time.Time) {
	staleBefore := now.Add(-w.recycleCfg.StaleAfter)
	requeued, failed, err := w.store.RecycleStaleRuns(ctx, staleBefore, w.recycleCfg.MaxRecycles, now)
	if err != nil {
		w.logger.Error("recycling stale runs", "error", err)
		return
	}
	for _, id := range requeued {
		w.logger.Warn("requeued stale run", "run_id", id)
	}
	for _, id := range failed {
		w.logger.Error("run exceeded recycle limit", "run_id", id)
	}
}

// ProcessRun drives one claimed run to a terminal state. A panic inside
// processing still finishes the run as Failed with a crash error.
func (w *Worker) ProcessRun(ctx context.Context, run models.Run) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("run processing crashed", "run_id", run.ID, "panic", r)
			crash := apperr.New(apperr.CodeWorkerCrash, apperr.CategoryUnknown,
				fmt.Sprintf("worker crashed while processing run: %v", r), true)
			w.finishFailed(ctx, run, crash)
		}
	}()

	w.logger.Info("processing run", "run_id", run.ID, "source_id", run.SourceID, "mode", string(run.Mode))

	if e := w.processRun(ctx, run); e != nil {
		w.finishFailed(ctx, run, e)
	}
}

func (w *Worker) processRun(ctx context.Context, run models.Run) *apperr.Error {
	src, err := w.store.GetSource(ctx, run.SourceID)
	if err != nil {
		return dbError("loading source", err)
	}
	if src == nil || src.DeletedAt != nil {
		return apperr.New(apperr.CodeSourceNotFound, apperr.CategoryConfig,
			"source no longer exists", false).WithContext(map[string]any{"source_id": run.SourceID})
	}

	binary, ok := w.collectors[string(src.SourceType)]
	if !ok || binary == "" {
		return apperr.New(apperr.CodeCollectorNotConfigured, apperr.CategoryConfig,
			"no collector binary configured for source type", false).
			WithContext(map[string]any{"source_type": string(src.SourceType)})
	}

	credential, e := w.decryptCredential(ctx, src)
	if e != nil {
		return e
	}

	request, err := json.Marshal(collector.NewRequest(src, credential, run.ID, run.Mode, time.Now()))
	if err != nil {
		return apperr.New(apperr.CodeInternal, apperr.CategoryUnknown,
			fmt.Sprintf("marshaling collector request: %v", err), false)
	}

	result, err := collector.Invoke(ctx, binary, request, w.workerCfg.CollectorTimeout)
	if err != nil {
		return apperr.New(apperr.CodeCollectorExecFailed, apperr.CategoryConfig,
			fmt.Sprintf("spawning collector: %v", err), false).
			WithContext(map[string]any{"binary": binary})
	}
	if result.TimedOut {
		return apperr.New(apperr.CodeCollectorTimeout, apperr.CategoryNetwork,
			"collector exceeded its timeout and was killed", true).
			WithContext(map[string]any{"timeout": w.workerCfg.CollectorTimeout.String()})
	}
	if result.ExitCode != 0 {
		return apperr.New(apperr.CodeCollectorExitNonzero, apperr.CategoryNetwork,
			fmt.Sprintf("collector exited with code %d", result.ExitCode), true).
			WithContext(map[string]any{
				"exit_code":      result.ExitCode,
				"stderr_excerpt": excerpt(result.Stderr),
			})
	}

	resp, e := collector.ParseResponse(result.Stdout)
	if e != nil {
		return e.WithContext(map[string]any{"stderr_excerpt": excerpt(result.Stderr)})
	}
	if e := collector.ValidateAssets(resp); e != nil {
		return e
	}

	return w.reduceResponse(ctx, run, resp)
}

// reduceResponse persists the parsed response. Collect modes ingest
// assets and queue duplicate scanning; detect and healthcheck runs only
// store the collector's opaque results.
func (w *Worker) reduceResponse(ctx context.Context, run models.Run, resp *collector.Response) *apperr.Error {
	now := time.Now()

	switch run.Mode {
	case models.ModeCollect, models.ModeCollectHosts, models.ModeCollectVMs:
		if !resp.StatsInventoryComplete() || len(resp.Assets) == 0 {
			return apperr.New(apperr.CodeInventoryIncomplete, apperr.CategorySchema,
				"collector did not return a complete inventory", true).
				WithContext(map[string]any{"assets": len(resp.Assets)})
		}

		ingested, e := w.ingester.IngestRun(ctx, run.ID, run.SourceID, now, resp.Assets, resp.Relations)
		if e != nil {
			return e
		}

		warnings, err := json.Marshal(ingested.Warnings)
		if err != nil {
			warnings = []byte("[]")
		}
		finished, err := w.store.FinishRun(ctx, run.ID, models.RunSucceeded, now,
			resp.Detect, resp.Stats, warnings, collectorErrors(resp), "")
		if err != nil {
			return dbError("finishing run", err)
		}
		if !finished {
			w.logger.Warn("run no longer running, result discarded", "run_id", run.ID)
			return nil
		}

		if err := w.store.EnqueueDuplicateJob(ctx, run.ID, now); err != nil {
			w.logger.Error("enqueueing duplicate job", "run_id", run.ID, "error", err)
		}
		w.logger.Info("run succeeded", "run_id", run.ID,
			"assets", ingested.IngestedAssets, "relations", ingested.IngestedRelations,
			"warnings", len(ingested.Warnings))
		return nil

	default:
		finished, err := w.store.FinishRun(ctx, run.ID, models.RunSucceeded, now,
			resp.Detect, resp.Stats, nil, collectorErrors(resp), "")
		if err != nil {
			return dbError("finishing run", err)
		}
		if !finished {
			w.logger.Warn("run no longer running, result discarded", "run_id", run.ID)
		}
		return nil
	}
}

func (w *Worker) decryptCredential(ctx context.Context, src *models.Source) (json.RawMessage, *apperr.Error) {
	if src.CredentialID == "" {
		return nil, nil
	}
	cred, err := w.store.GetCredential(ctx, src.CredentialID)
	if err != nil {
		return nil, dbError("loading credential", err)
	}
	if cred == nil {
		return nil, apperr.New(apperr.CodeCredentialNotFound, apperr.CategoryConfig,
			"credential no longer exists", false).
			WithContext(map[string]any{"credential_id": src.CredentialID})
	}
	if w.sealer == nil {
		return nil, apperr.New(apperr.CodeInvalidConfig, apperr.CategoryConfig,
			"no credential key configured", false)
	}
	plaintext, err := w.sealer.Open(cred.PayloadCiphertext)
	if err != nil {
		return nil, apperr.New(apperr.CodeInvalidConfig, apperr.CategoryConfig,
			"credential payload cannot be decrypted", false).
			WithContext(map[string]any{"credential_id": src.CredentialID})
	}
	return plaintext, nil
}

// finishFailed finalizes the run as Failed and fires the alert. A false
// FinishRun means the recycler already took the run back; the late
// failure is dropped.
func (w *Worker) finishFailed(ctx context.Context, run models.Run, e *apperr.Error) {
	now := time.Now()
	finished, err := w.store.FinishRun(ctx, run.ID, models.RunFailed, now,
		nil, nil, nil, apperr.MarshalList(e), e.Message)
	if err != nil {
		w.logger.Error("finishing failed run", "run_id", run.ID, "error", err)
		return
	}
	if !finished {
		w.logger.Warn("run no longer running, failure discarded", "run_id", run.ID)
		return
	}

	w.logger.Error("run failed", "run_id", run.ID, "code", string(e.Code), "retryable", e.Retryable, "error", e.Message)

	run.Status = models.RunFailed
	run.ErrorSummary = e.Message
	if err := w.alerts.Send(ctx, alert.RunFailed(run, now)); err != nil {
		w.logger.Warn("sending run-failed alert", "run_id", run.ID, "error", err)
	}
}

func (w *Worker) drainDuplicateJobs(ctx context.Context) {
	now := time.Now()
	jobs, err := w.store.ClaimDuplicateJobs(ctx, w.workerCfg.BatchSize, now)
	if err != nil {
		w.logger.Error("claiming duplicate jobs", "error", err)
		return
	}

	for _, job := range jobs {
		total, created, err := w.engine.ProcessJob(ctx, job, time.Now())
		if err != nil {
			w.logger.Error("processing duplicate job", "job_id", job.ID, "error", err)
			if err := w.store.FinishDuplicateJob(ctx, job.ID, models.RunFailed, time.Now(), err.Error()); err != nil {
				w.logger.Error("finishing duplicate job", "job_id", job.ID, "error", err)
			}
			continue
		}
		if err := w.store.FinishDuplicateJob(ctx, job.ID, models.RunSucceeded, time.Now(), ""); err != nil {
			w.logger.Error("finishing duplicate job", "job_id", job.ID, "error", err)
		}
		w.logger.Info("duplicate job done", "job_id", job.ID, "run_id", job.RunID,
			"pairs", total, "created", len(created))

		for _, c := range created {
			if err := w.alerts.Send(ctx, alert.NewDuplicate(c, time.Now())); err != nil {
				w.logger.Warn("sending duplicate alert", "candidate_id", c.ID, "error", err)
			}
		}
	}
}

// collectorErrors serializes the errors a collector reported alongside
// an otherwise usable response; partial-failure detail survives on
// Succeeded runs.
func collectorErrors(resp *collector.Response) []byte {
	if len(resp.Errors) == 0 {
		return nil
	}
	b, err := json.Marshal(resp.Errors)
	if err != nil {
		return nil
	}
	return b
}

func dbError(what string, err error) *apperr.Error {
	return apperr.New(apperr.CodeDBWriteFailed, apperr.CategoryDB,
		fmt.Sprintf("%s: %v", what, err), true)
}

func excerpt(s string) string {
	if len(s) > stderrExcerptLimit {
		return s[:stderrExcerptLimit]
	}
	return s
}
