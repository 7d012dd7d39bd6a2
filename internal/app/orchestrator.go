package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kansa/internal/advisor"
	"github.com/raysh454/kansa/internal/logging"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/queue"
	"github.com/raysh454/kansa/internal/sanitize"
	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/scoring"
	"github.com/raysh454/kansa/internal/store"
	"github.com/raysh454/kansa/internal/utils"
)

// Progress checkpoints reached as each stage finishes. Content has no fixed
// checkpoint; it completes inside the window before performance.
var progressCheckpoints = map[model.Component]int{
	model.ComponentTLS:         20,
	model.ComponentHeaders:     40,
	model.ComponentPorts:       60,
	model.ComponentVulns:       80,
	model.ComponentPerformance: 90,
}

// errCancelRequested aborts the stage loop between checks.
var errCancelRequested = errors.New("cancel requested")

// Orchestrator owns the scan job lifecycle: it validates and enqueues new
// jobs, runs the worker pool that claims and executes them, and sweeps
// abandoned work back into a consistent state.
type Orchestrator struct {
	cfg       *Config
	store     *store.Store
	queue     *queue.Queue
	providers map[model.Component]scanner.Provider
	advisor   *advisor.Advisor
	logger    logging.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// now is swappable in tests.
	now func() time.Time
}

func NewOrchestrator(cfg *Config, st *store.Store, q *queue.Queue,
	providers map[model.Component]scanner.Provider, adv *advisor.Advisor,
	logger logging.Logger) *Orchestrator {

	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		queue:     q,
		providers: providers,
		advisor:   adv,
		logger:    logger.With(logging.Field{Key: "component", Value: "orchestrator"}),
		now:       time.Now,
	}
}

// ─── Job intake ────────────────────────────────────────────────────────

// CreateJob validates the request, persists a pending job and enqueues it.
// Vulnerability scans jump the queue ahead of plain hygiene checks.
func (o *Orchestrator) CreateJob(ctx context.Context, target string, depth model.Depth,
	options model.ScanOptions, ownerID string) (*model.ScanJob, error) {

	normalized, err := utils.NormalizeTarget(target, "https")
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if err := depth.Validate(); err != nil {
		return nil, err
	}
	if !options.Any() {
		return nil, model.ErrNoChecksEnabled
	}

	job := &model.ScanJob{
		ID:        uuid.New().String(),
		Target:    normalized,
		Depth:     depth,
		Options:   options,
		OwnerID:   ownerID,
		Status:    model.JobPending,
		CreatedAt: o.now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	priority := 0
	if options.VulnDetection {
		priority = 1
	}
	queueID, err := o.queue.Enqueue(ctx, job.ID, priority)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	job.QueueID = queueID
	if err := o.store.SetQueueID(ctx, job.ID, queueID); err != nil {
		return nil, fmt.Errorf("record queue id: %w", err)
	}

	o.logger.Info("job created",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "target", Value: job.Target},
		logging.Field{Key: "depth", Value: int(job.Depth)})
	return job, nil
}

// GetJob returns the job's current persisted state.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*model.ScanJob, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs lists recent jobs, optionally filtered by owner.
func (o *Orchestrator) ListJobs(ctx context.Context, ownerID string, limit int) ([]*model.ScanJob, error) {
	return o.store.ListJobs(ctx, ownerID, limit)
}

// GetResult returns the persisted result for a job.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (*model.ScanResult, error) {
	return o.store.GetResult(ctx, jobID)
}

// CancelJob cancels a job. A pending job whose queue entry can still be
// removed is cancelled immediately; anything already claimed gets the cancel
// flag and is wound down by its worker at the next stage boundary.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return store.ErrInvalidTransition
	}

	if job.Status == model.JobPending {
		if err := o.queue.Remove(ctx, id); err == nil {
			return o.store.TransitionStatus(ctx, id, model.JobPending, model.JobCancelled)
		}
		// Claimed between the read and the remove; fall through to the flag.
	}
	return o.store.RequestCancel(ctx, id)
}

// DeleteJob removes a job and its result. An in-progress job is refused
// unless force is set.
func (o *Orchestrator) DeleteJob(ctx context.Context, id string, force bool) error {
	if err := o.store.DeleteJob(ctx, id, force); err != nil {
		return err
	}
	if err := o.queue.Remove(ctx, id); err != nil &&
		!errors.Is(err, queue.ErrNotQueued) && !errors.Is(err, queue.ErrEntryClaimed) {
		o.logger.Warn("failed to drop queue entry for deleted job",
			logging.Field{Key: "job_id", Value: id},
			logging.Field{Key: "error", Value: err.Error()})
	}
	return nil
}

// AdminResetJob force-resets a job to pending and puts it back on the queue.
func (o *Orchestrator) AdminResetJob(ctx context.Context, id string) error {
	if err := o.store.AdminResetJob(ctx, id); err != nil {
		return err
	}
	if err := o.queue.Remove(ctx, id); err != nil &&
		!errors.Is(err, queue.ErrNotQueued) && !errors.Is(err, queue.ErrEntryClaimed) {
		return fmt.Errorf("drop stale queue entry: %w", err)
	}
	queueID, err := o.queue.Enqueue(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("re-enqueue reset job: %w", err)
	}
	if err := o.store.SetQueueID(ctx, id, queueID); err != nil {
		return fmt.Errorf("record queue id: %w", err)
	}
	return nil
}

// ─── Worker pool ───────────────────────────────────────────────────────

// Start launches the worker pool and the background sweeper. It returns
// immediately; Shutdown stops everything.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.cfg.Orchestrator.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(runCtx, workerID)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sweepLoop(runCtx)
	}()

	o.logger.Info("orchestrator started",
		logging.Field{Key: "workers", Value: o.cfg.Orchestrator.Workers})
}

// Shutdown stops claiming new work and waits for in-flight jobs, bounded by
// the context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	logger := o.logger.With(logging.Field{Key: "worker", Value: workerID})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := o.queue.Claim(ctx, workerID)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.Orchestrator.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue claim failed", logging.Field{Key: "error", Value: err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.Orchestrator.PollInterval):
			}
			continue
		}

		o.process(ctx, logger, entry)
	}
}

// process executes one claimed queue entry end to end.
func (o *Orchestrator) process(ctx context.Context, logger logging.Logger, entry *queue.Entry) {
	job, err := o.store.GetJob(ctx, entry.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		// Deleted while queued. Drop the entry and move on.
		logger.Warn("queue entry without job, dropping",
			logging.Field{Key: "job_id", Value: entry.JobID})
		o.completeEntry(ctx, logger, entry)
		return
	}
	if err != nil {
		logger.Error("load job failed", logging.Field{Key: "error", Value: err.Error()})
		o.releaseEntry(ctx, logger, entry)
		return
	}

	if entry.Attempts > o.queue.MaxAttempts() {
		logger.Warn("retry budget exhausted, failing job",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "attempts", Value: entry.Attempts})
		o.failJob(ctx, logger, job, "retry budget exhausted")
		o.completeEntry(ctx, logger, entry)
		return
	}

	switch job.Status {
	case model.JobPending:
		if err := o.store.TransitionStatus(ctx, job.ID, model.JobPending, model.JobInProgress); err != nil {
			// Raced with a cancel or another worker; nothing to do here.
			logger.Warn("job no longer pending, dropping claim",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: err.Error()})
			o.completeEntry(ctx, logger, entry)
			return
		}
	case model.JobInProgress:
		// Redelivery after a lapsed lease; rerun from the start.
	default:
		o.completeEntry(ctx, logger, entry)
		return
	}

	err = o.run(ctx, logger, job)
	switch {
	case err == nil:
		o.completeEntry(ctx, logger, entry)
	case errors.Is(err, errCancelRequested):
		if terr := o.store.TransitionStatus(ctx, job.ID, model.JobInProgress, model.JobCancelled); terr != nil {
			logger.Warn("cancel transition failed",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: terr.Error()})
		}
		logger.Info("job cancelled", logging.Field{Key: "job_id", Value: job.ID})
		o.completeEntry(ctx, logger, entry)
	case ctx.Err() != nil:
		// Shutting down mid-run. Leave the job in progress and give the
		// lease back so another worker picks it up.
		o.releaseEntry(context.WithoutCancel(ctx), logger, entry)
	default:
		logger.Error("job execution failed",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "error", Value: err.Error()})
		if serr := o.store.SetLastError(ctx, job.ID, err.Error()); serr != nil {
			logger.Warn("record last error failed", logging.Field{Key: "error", Value: serr.Error()})
		}
		if entry.Attempts >= o.queue.MaxAttempts() {
			o.failJob(ctx, logger, job, err.Error())
			o.completeEntry(ctx, logger, entry)
			return
		}
		o.releaseEntry(ctx, logger, entry)
	}
}

// run executes the stage sequence for one in-progress job. Cancellation is
// cooperative: the flag is checked between stages, never mid-check, and a
// cancelled job persists no result at all.
func (o *Orchestrator) run(ctx context.Context, logger logging.Logger, job *model.ScanJob) error {
	depthFactor := job.Depth.Factor()
	components := make(map[model.Component]model.ComponentResult)

	for _, comp := range model.Components() {
		if err := o.checkCancel(ctx, job.ID); err != nil {
			return err
		}
		if !job.Options.Enabled(comp) {
			continue
		}

		provider, ok := o.providers[comp]
		if !ok {
			components[comp] = sanitize.Component(
				scanner.FailureResult(comp, fmt.Errorf("no provider registered")))
			continue
		}

		raw := scanner.Run(ctx, provider, job.Target, depthFactor, logger)
		components[comp] = sanitize.Component(raw)

		if checkpoint, ok := progressCheckpoints[comp]; ok {
			if err := o.store.UpdateProgress(ctx, job.ID, checkpoint); err != nil {
				logger.Warn("progress update failed",
					logging.Field{Key: "job_id", Value: job.ID},
					logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	if err := o.checkCancel(ctx, job.ID); err != nil {
		return err
	}

	now := o.now()
	result := &model.ScanResult{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		Target:     job.Target,
		Components: components,
		Summary:    scoring.Summarize(components),
		CreatedAt:  now,
		ExpiresAt:  now.Add(o.cfg.Orchestrator.ResultTTL),
	}
	if err := o.store.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	if err := o.store.UpdateProgress(ctx, job.ID, 95); err != nil {
		logger.Warn("progress update failed", logging.Field{Key: "error", Value: err.Error()})
	}

	// Enrichment is best-effort; the scan result stands on its own.
	if o.advisor != nil {
		analysis := o.advisor.Advise(ctx, result)
		if err := o.store.AttachAnalysis(ctx, job.ID, analysis); err != nil {
			logger.Warn("attach analysis failed",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}

	if err := o.store.UpdateProgress(ctx, job.ID, 100); err != nil {
		logger.Warn("progress update failed", logging.Field{Key: "error", Value: err.Error()})
	}
	if err := o.store.TransitionStatus(ctx, job.ID, model.JobInProgress, model.JobCompleted); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	logger.Info("job completed",
		logging.Field{Key: "job_id", Value: job.ID},
		logging.Field{Key: "overall", Value: result.Summary.Overall},
		logging.Field{Key: "findings", Value: result.Summary.Counts.Total()})
	return nil
}

// checkCancel distinguishes a user cancel (the flag) from the process going
// away (ctx): the former ends the job, the latter hands it back for
// redelivery.
func (o *Orchestrator) checkCancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := o.store.CancelRequested(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if cancelled {
		return errCancelRequested
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, logger logging.Logger, job *model.ScanJob, reason string) {
	if err := o.store.SetLastError(ctx, job.ID, reason); err != nil {
		logger.Warn("record last error failed", logging.Field{Key: "error", Value: err.Error()})
	}
	from := job.Status
	if from != model.JobPending && from != model.JobInProgress {
		return
	}
	if err := o.store.TransitionStatus(ctx, job.ID, from, model.JobFailed); err != nil {
		logger.Warn("fail transition rejected",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) completeEntry(ctx context.Context, logger logging.Logger, entry *queue.Entry) {
	if err := o.queue.Complete(ctx, entry.QueueID); err != nil {
		logger.Warn("queue complete failed", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (o *Orchestrator) releaseEntry(ctx context.Context, logger logging.Logger, entry *queue.Entry) {
	if err := o.queue.Release(ctx, entry.QueueID, o.cfg.Orchestrator.RetryDelay); err != nil {
		logger.Warn("queue release failed", logging.Field{Key: "error", Value: err.Error()})
	}
}

// ─── Sweeping ──────────────────────────────────────────────────────────

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Orchestrator.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SweepStalledJobs(ctx); err != nil {
				o.logger.Error("sweep failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// SweepStalledJobs reconciles jobs whose worker went away: in-progress jobs
// older than the stall threshold are failed (or reset and re-enqueued when
// configured), lapsed queue leases are freed, and expired results pruned.
// Returns the number of stalled jobs handled.
func (o *Orchestrator) SweepStalledJobs(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.cfg.Orchestrator.StallThreshold)
	stalled, err := o.store.ListStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	for _, job := range stalled {
		o.logger.Warn("stalled job detected",
			logging.Field{Key: "job_id", Value: job.ID},
			logging.Field{Key: "progress", Value: job.Progress})

		if o.cfg.Orchestrator.RequeueStalled {
			if err := o.AdminResetJob(ctx, job.ID); err != nil {
				o.logger.Error("requeue stalled job failed",
					logging.Field{Key: "job_id", Value: job.ID},
					logging.Field{Key: "error", Value: err.Error()})
			}
			continue
		}

		if err := o.store.SetLastError(ctx, job.ID, "job stalled: worker did not finish within threshold"); err != nil {
			o.logger.Warn("record last error failed", logging.Field{Key: "error", Value: err.Error()})
		}
		if err := o.store.TransitionStatus(ctx, job.ID, model.JobInProgress, model.JobFailed); err != nil {
			o.logger.Warn("stall transition rejected",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		if err := o.queue.Remove(ctx, job.ID); err != nil &&
			!errors.Is(err, queue.ErrNotQueued) && !errors.Is(err, queue.ErrEntryClaimed) {
			o.logger.Warn("drop stalled queue entry failed",
				logging.Field{Key: "job_id", Value: job.ID},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}

	if _, err := o.queue.RequeueExpired(ctx); err != nil {
		o.logger.Warn("requeue expired claims failed", logging.Field{Key: "error", Value: err.Error()})
	}
	if pruned, err := o.store.PruneExpiredResults(ctx); err != nil {
		o.logger.Warn("prune expired results failed", logging.Field{Key: "error", Value: err.Error()})
	} else if pruned > 0 {
		o.logger.Info("pruned expired results", logging.Field{Key: "count", Value: pruned})
	}

	return len(stalled), nil
}
