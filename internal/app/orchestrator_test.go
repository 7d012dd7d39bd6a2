package app

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/raysh454/kansa/internal/advisor"
	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/queue"
	"github.com/raysh454/kansa/internal/scanner"
	"github.com/raysh454/kansa/internal/store"
	"github.com/raysh454/kansa/internal/testutil"
)

// stubProvider scripts one component's scan without any network.
type stubProvider struct {
	comp model.Component
	scan func(ctx context.Context, target string, depthFactor float64) scanner.Result
}

func (p *stubProvider) Component() model.Component { return p.comp }

func (p *stubProvider) Scan(ctx context.Context, target string, depthFactor float64) scanner.Result {
	if p.scan != nil {
		return p.scan(ctx, target, depthFactor)
	}
	return scanner.Result{
		Score:    90,
		Findings: []model.Finding{model.NewFinding("Sample finding", "stubbed", "Low")},
	}
}

func stubProviders() map[model.Component]scanner.Provider {
	out := make(map[model.Component]scanner.Provider)
	for _, comp := range model.Components() {
		out[comp] = &stubProvider{comp: comp}
	}
	return out
}

type testEngine struct {
	orch  *Orchestrator
	store *store.Store
	queue *queue.Queue
	db    *sql.DB
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := &testutil.DummyLogger{}
	st, err := store.New(db, logger)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	q, err := queue.New(db, queue.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("init queue: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Orchestrator.PollInterval = 10 * time.Millisecond
	cfg.Orchestrator.RetryDelay = 0

	adv := advisor.New(advisor.Config{}, &testutil.DummyWebClient{}, logger)
	orch := NewOrchestrator(cfg, st, q, stubProviders(), adv, logger)
	return &testEngine{orch: orch, store: st, queue: q, db: db}
}

func allOptions() model.ScanOptions {
	return model.ScanOptions{
		TLSCheck:         true,
		HeaderAnalysis:   true,
		PortScan:         true,
		VulnDetection:    true,
		ContentAnalysis:  true,
		PerformanceCheck: true,
	}
}

// claimAndProcess drives one queue entry through a worker synchronously.
func (e *testEngine) claimAndProcess(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	entry, err := e.queue.Claim(ctx, "test-worker")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	e.orch.process(ctx, e.orch.logger, entry)
}

// ─── Intake ────────────────────────────────────────────────────────────

func TestOrchestrator_CreateJob_Validation(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.orch.CreateJob(ctx, "://bad target", model.DepthStandard, allOptions(), ""); err == nil {
		t.Error("expected error for malformed target")
	}
	if _, err := e.orch.CreateJob(ctx, "example.com", model.Depth(0), allOptions(), ""); err == nil {
		t.Error("expected error for depth out of range")
	}
	if _, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, model.ScanOptions{}, ""); !errors.Is(err, model.ErrNoChecksEnabled) {
		t.Errorf("expected ErrNoChecksEnabled, got %v", err)
	}
}

func TestOrchestrator_CreateJob_NormalizesTarget(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	job, err := e.orch.CreateJob(context.Background(), "Example.COM", model.DepthStandard, allOptions(), "owner-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Target != "https://example.com" {
		t.Errorf("expected normalized target, got %q", job.Target)
	}
	if job.Status != model.JobPending {
		t.Errorf("expected pending status, got %q", job.Status)
	}
	if job.QueueID == "" {
		t.Error("expected queue correlation id to be set")
	}
}

func TestOrchestrator_VulnScansJumpTheQueue(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	plain, err := e.orch.CreateJob(ctx, "first.example.com", model.DepthStandard,
		model.ScanOptions{TLSCheck: true}, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	vuln, err := e.orch.CreateJob(ctx, "second.example.com", model.DepthStandard,
		model.ScanOptions{VulnDetection: true}, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	entry, err := e.queue.Claim(ctx, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if entry.JobID != vuln.ID {
		t.Errorf("expected vuln job %s first, got %s (plain %s)", vuln.ID, entry.JobID, plain.ID)
	}
}

// ─── Execution ─────────────────────────────────────────────────────────

func TestOrchestrator_ProcessCompletesJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobCompleted {
		t.Fatalf("expected completed, got %q (last error %q)", got.Status, got.LastError)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected started/completed timestamps to be set")
	}

	result, err := e.orch.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(result.Components) != len(model.Components()) {
		t.Errorf("expected %d components, got %d", len(model.Components()), len(result.Components))
	}
	if result.Summary.Overall == 0 {
		t.Error("expected a non-zero overall score from healthy stubs")
	}
	if result.Analysis == nil || result.Analysis.Source != model.AnalysisSourceFallback {
		t.Errorf("expected fallback analysis attached, got %+v", result.Analysis)
	}

	if _, err := e.queue.Claim(ctx, "w"); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("expected queue drained after completion, got %v", err)
	}
}

func TestOrchestrator_DisabledComponentsSkipped(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard,
		model.ScanOptions{TLSCheck: true, HeaderAnalysis: true}, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	result, err := e.orch.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if len(result.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(result.Components))
	}
	if _, ok := result.Components[model.ComponentPorts]; ok {
		t.Error("disabled component must not appear in the result")
	}
}

func TestOrchestrator_ProviderPanicStillCompletes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	providers := stubProviders()
	providers[model.ComponentPorts] = &stubProvider{
		comp: model.ComponentPorts,
		scan: func(context.Context, string, float64) scanner.Result {
			panic("boom")
		},
	}
	e.orch.providers = providers

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobCompleted {
		t.Fatalf("one bad provider must not fail the job; got %q", got.Status)
	}

	result, err := e.orch.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	ports := result.Components[model.ComponentPorts]
	if ports.Score != 0 {
		t.Errorf("expected score 0 for panicked component, got %d", ports.Score)
	}
	if len(ports.Findings) != 1 {
		t.Fatalf("expected a single failure finding, got %d", len(ports.Findings))
	}
}

func TestOrchestrator_SingleComponentScoring(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	providers := stubProviders()
	providers[model.ComponentHeaders] = &stubProvider{
		comp: model.ComponentHeaders,
		scan: func(context.Context, string, float64) scanner.Result {
			return scanner.Result{
				Score: 80,
				Findings: []model.Finding{
					model.NewFinding("Missing CSP", "no policy", "Medium"),
					model.NewFinding("Missing HSTS", "no header", "Medium"),
				},
			}
		},
	}
	e.orch.providers = providers

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard,
		model.ScanOptions{HeaderAnalysis: true}, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	result, err := e.orch.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got := result.Summary.ComponentScores[model.ComponentHeaders]; got != 80 {
		t.Errorf("expected component score 80, got %d", got)
	}
	// A single medium-only component carries no critical/high penalty.
	if result.Summary.Overall != 80 {
		t.Errorf("expected overall 80, got %d", result.Summary.Overall)
	}
}

func TestOrchestrator_CriticalAndHighPenalties(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	providers := stubProviders()
	providers[model.ComponentTLS] = &stubProvider{
		comp: model.ComponentTLS,
		scan: func(context.Context, string, float64) scanner.Result {
			return scanner.Result{
				Score:    75,
				Findings: []model.Finding{model.NewFinding("Expired certificate", "expired", "Critical")},
			}
		},
	}
	providers[model.ComponentVulns] = &stubProvider{
		comp: model.ComponentVulns,
		scan: func(context.Context, string, float64) scanner.Result {
			return scanner.Result{
				Score:    85,
				Findings: []model.Finding{model.NewFinding("Exposed .env file", "readable", "High")},
			}
		},
	}
	e.orch.providers = providers

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard,
		model.ScanOptions{TLSCheck: true, VulnDetection: true}, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	result, err := e.orch.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	// mean(75, 85) = 80, minus 10 per critical and 5 per high.
	if result.Summary.Overall != 65 {
		t.Errorf("expected overall 65, got %d", result.Summary.Overall)
	}
	if result.Summary.Counts.Critical != 1 || result.Summary.Counts.High != 1 {
		t.Errorf("unexpected counts: %+v", result.Summary.Counts)
	}
}

// ─── Cancellation ──────────────────────────────────────────────────────

func TestOrchestrator_CancelPendingJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.orch.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobCancelled {
		t.Errorf("expected cancelled, got %q", got.Status)
	}
	if _, err := e.queue.Claim(ctx, "w"); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("expected queue entry removed, got %v", err)
	}
}

func TestOrchestrator_CancelTerminalJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.claimAndProcess(t)

	if err := e.orch.CancelJob(ctx, job.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for completed job, got %v", err)
	}
}

func TestOrchestrator_CancelDuringRunDiscardsResult(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// The first stage flips the cancel flag; the boundary check before the
	// next stage must wind the job down without persisting anything.
	providers := stubProviders()
	providers[model.ComponentTLS] = &stubProvider{
		comp: model.ComponentTLS,
		scan: func(ctx context.Context, _ string, _ float64) scanner.Result {
			if err := e.store.RequestCancel(ctx, job.ID); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
			return scanner.Result{Score: 100}
		},
	}
	e.orch.providers = providers

	e.claimAndProcess(t)

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobCancelled {
		t.Fatalf("expected cancelled, got %q", got.Status)
	}
	if _, err := e.orch.GetResult(ctx, job.ID); !errors.Is(err, store.ErrResultNotFound) {
		t.Errorf("cancelled job must have no persisted result, got %v", err)
	}
}

// ─── Queue edge cases ──────────────────────────────────────────────────

func TestOrchestrator_OrphanQueueEntryDropped(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.queue.Enqueue(ctx, "ghost-job", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.claimAndProcess(t)

	if _, err := e.queue.Claim(ctx, "w"); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("expected orphan entry dropped, got %v", err)
	}
}

func TestOrchestrator_RetryBudgetExhaustedFailsJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Burn through the retry budget with claim/release cycles.
	for i := 0; i < e.queue.MaxAttempts(); i++ {
		entry, err := e.queue.Claim(ctx, "w")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := e.queue.Release(ctx, entry.QueueID, 0); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	e.claimAndProcess(t)

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobFailed {
		t.Errorf("expected failed after exhausted retries, got %q", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

// ─── Stall sweep ───────────────────────────────────────────────────────

func TestOrchestrator_SweepFailsStalledJob(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.store.TransitionStatus(ctx, job.ID, model.JobPending, model.JobInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Pretend 30 minutes pass; the 20 minute stall threshold trips.
	e.orch.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	n, err := e.orch.SweepStalledJobs(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled job, got %d", n)
	}

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobFailed {
		t.Errorf("expected failed, got %q", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected stall reason in last error")
	}
}

func TestOrchestrator_SweepFreshJobUntouched(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.store.TransitionStatus(ctx, job.ID, model.JobPending, model.JobInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}

	n, err := e.orch.SweepStalledJobs(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh in-progress job must not be swept, got %d", n)
	}
}

func TestOrchestrator_SweepRequeuesWhenConfigured(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.orch.cfg.Orchestrator.RequeueStalled = true
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := e.store.TransitionStatus(ctx, job.ID, model.JobPending, model.JobInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}
	e.orch.now = func() time.Time { return time.Now().Add(30 * time.Minute) }

	if _, err := e.orch.SweepStalledJobs(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := e.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobPending {
		t.Fatalf("expected reset to pending, got %q", got.Status)
	}

	entry, err := e.queue.Claim(ctx, "w")
	if err != nil {
		t.Fatalf("expected job back on the queue: %v", err)
	}
	if entry.JobID != job.ID {
		t.Errorf("unexpected job on queue: %s", entry.JobID)
	}
}

// ─── Worker pool end to end ────────────────────────────────────────────

func TestOrchestrator_StartProcessesJobs(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	ctx := context.Background()

	e.orch.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.orch.Shutdown(shutdownCtx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	job, err := e.orch.CreateJob(ctx, "example.com", model.DepthStandard, allOptions(), "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := e.orch.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != model.JobCompleted {
				t.Fatalf("expected completed, got %q (last error %q)", got.Status, got.LastError)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish in time, status %q progress %d", got.Status, got.Progress)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
