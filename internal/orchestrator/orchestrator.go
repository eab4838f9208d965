// Package orchestrator drives provisioning jobs through their phases:
// one worker goroutine per job, every transition persisted to the job
// store, with exponential retry and crash recovery via the stale-job
// sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/woprhq/provisioner/internal/beacon"
	"github.com/woprhq/provisioner/internal/dns"
	"github.com/woprhq/provisioner/internal/docs"
	"github.com/woprhq/provisioner/internal/mail"
	"github.com/woprhq/provisioner/internal/provider"
	"github.com/woprhq/provisioner/internal/store"
)

// Config carries the orchestrator's tunables. Zero values get
// production defaults; tests shrink the timeouts.
type Config struct {
	BaseDomain   string
	Image        string
	InstallerURL string
	DashboardURL string

	// SSHKeyIDs maps provider id to the account's registered key ids
	// injected into every instance.
	SSHKeyIDs map[string][]string

	VPSReadyTimeout  time.Duration
	VPSPollInterval  time.Duration
	WOPRReadyTimeout time.Duration
	WOPRPollInterval time.Duration

	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "debian-12"
	}
	if c.VPSReadyTimeout == 0 {
		c.VPSReadyTimeout = 300 * time.Second
	}
	if c.VPSPollInterval == 0 {
		c.VPSPollInterval = 10 * time.Second
	}
	if c.WOPRReadyTimeout == 0 {
		c.WOPRReadyTimeout = 600 * time.Second
	}
	if c.WOPRPollInterval == 0 {
		c.WOPRPollInterval = 15 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return c
}

// Orchestrator owns the running workers.
type Orchestrator struct {
	store    store.Store
	registry *provider.Registry
	dns      dns.Manager // nil when DNS is unconfigured
	mailer   mail.Sender
	docs     docs.Generator
	beacons  beacon.Repository
	cfg      Config
	logger   *slog.Logger

	httpClient *http.Client

	mu          sync.Mutex
	runningJobs map[string]context.CancelFunc
	stopping    bool
	wg          sync.WaitGroup
}

// New creates an orchestrator. dnsManager may be nil; mailer, docsGen
// and beacons must be non-nil (use the package Noop types when a
// collaborator is unconfigured).
func New(
	st store.Store,
	registry *provider.Registry,
	dnsManager dns.Manager,
	mailer mail.Sender,
	docsGen docs.Generator,
	beacons beacon.Repository,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		registry:    registry,
		dns:         dnsManager,
		mailer:      mailer,
		docs:        docsGen,
		beacons:     beacons,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		runningJobs: make(map[string]context.CancelFunc),
	}
}

// Dispatch starts (or resumes) a worker for the job. Dispatching a job
// that already has a worker is a no-op.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	if job.Phase == store.PhaseCompleted {
		return nil
	}

	start := startPhaseFor(job)

	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return fmt.Errorf("dispatch job %s: orchestrator is shutting down", jobID)
	}
	if _, running := o.runningJobs[jobID]; running {
		o.mu.Unlock()
		return nil
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	o.runningJobs[jobID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("dispatching job",
		slog.String("job_id", jobID),
		slog.String("start_phase", string(start)),
		slog.Int("retry_count", job.RetryCount))

	jobsStarted.Inc()
	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.runningJobs, jobID)
			o.mu.Unlock()
			cancel()
			o.wg.Done()
		}()
		o.run(jobCtx, jobID, start)
	}()
	return nil
}

// startPhaseFor picks where the worker enters the pipeline. Fresh and
// retried jobs enter at PAYMENT_RECEIVED; a stale job resumes from its
// last persisted phase so completed phases are not repeated.
func startPhaseFor(job *store.Job) store.Phase {
	if job.Phase == store.PhasePending || job.Phase == store.PhaseFailed {
		return store.PhasePaymentReceived
	}
	return job.Phase
}

// ResumeStale dispatches a worker for every non-terminal job left over
// from a previous process, skipping jobs that already exhausted their
// retries.
func (o *Orchestrator) ResumeStale(ctx context.Context) error {
	for _, phase := range store.PhaseOrder {
		if phase.Terminal() {
			continue
		}
		jobs, err := o.store.ListByPhase(ctx, phase)
		if err != nil {
			return fmt.Errorf("resume stale: %w", err)
		}
		for _, job := range jobs {
			if job.RetryCount >= o.cfg.MaxRetries {
				continue
			}
			o.logger.Info("resuming stale job",
				slog.String("job_id", job.ID),
				slog.String("phase", string(job.Phase)))
			if err := o.Dispatch(ctx, job.ID); err != nil {
				o.logger.Error("stale job dispatch failed",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// Shutdown cancels all workers and waits for them to persist their
// current state.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.stopping = true
	for _, cancel := range o.runningJobs {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// runState carries in-memory artifacts between phases of one run.
type runState struct {
	welcomePDF []byte
	docFiles   map[string]string
}

func (o *Orchestrator) run(ctx context.Context, jobID string, start store.Phase) {
	jobsRunning.Inc()
	defer jobsRunning.Dec()

	state := &runState{}

	for i := start.Index(); i < len(store.PhaseOrder); i++ {
		phase := store.PhaseOrder[i]

		if ctx.Err() != nil {
			o.logger.Info("worker cancelled, leaving job for sweep", slog.String("job_id", jobID))
			return
		}

		job, err := o.store.SetPhase(ctx, jobID, phase, phaseMessage(phase))
		if err != nil {
			o.logger.Error("phase write failed",
				slog.String("job_id", jobID),
				slog.String("phase", string(phase)),
				slog.String("error", err.Error()))
			return
		}

		began := time.Now()
		err = o.executePhase(ctx, job, phase, state)
		phaseDuration.WithLabelValues(string(phase)).Observe(time.Since(began).Seconds())

		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.logger.Info("worker cancelled, leaving job for sweep", slog.String("job_id", jobID))
				return
			}
			o.fail(job, err)
			return
		}
	}
}

// executePhase does the work of one phase. A returned error is fatal
// for the job; phases whose failures are tolerable handle them
// internally and return nil.
func (o *Orchestrator) executePhase(ctx context.Context, job *store.Job, phase store.Phase, state *runState) error {
	switch phase {
	case store.PhasePaymentReceived:
		return o.handlePaymentReceived(ctx, job)
	case store.PhaseProvisioningVPS:
		return o.handleProvisionVPS(ctx, job)
	case store.PhaseWaitingForVPS:
		return o.handleWaitForVPS(ctx, job)
	case store.PhaseConfiguringDNS:
		return o.handleConfigureDNS(ctx, job)
	case store.PhaseDeployingWopr:
		return o.handleDeployWopr(ctx, job)
	case store.PhaseGeneratingDocs:
		return o.handleGenerateDocs(ctx, job, state)
	case store.PhaseSendingWelcome:
		return o.handleSendWelcome(ctx, job, state)
	case store.PhaseCompleted:
		return o.handleCompleted(ctx, job)
	default:
		return nil
	}
}

// fail marks the job FAILED, bumps the retry counter, and schedules a
// retry unless the budget is spent.
func (o *Orchestrator) fail(job *store.Job, cause error) {
	newCount := job.RetryCount + 1
	failed := store.PhaseFailed
	msg := "Provisioning failed"
	errMsg := cause.Error()

	_, err := o.store.Update(context.Background(), job.ID, store.Update{
		Phase:        &failed,
		Message:      &msg,
		ErrorMessage: &errMsg,
		RetryCount:   &newCount,
	})
	if err != nil {
		o.logger.Error("failed to persist job failure",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	jobsCompleted.WithLabelValues("failed", job.ProviderID).Inc()
	o.logger.Error("job failed",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", newCount),
		slog.String("error", errMsg))

	if newCount > o.cfg.MaxRetries {
		o.logger.Error("job exhausted retries", slog.String("job_id", job.ID))
		return
	}

	delay := retryDelay(newCount)
	o.logger.Info("retry scheduled",
		slog.String("job_id", job.ID),
		slog.Duration("delay", delay),
		slog.Int("retry_count", newCount))

	time.AfterFunc(delay, func() {
		o.mu.Lock()
		stopping := o.stopping
		o.mu.Unlock()
		if stopping {
			return
		}
		if err := o.Dispatch(context.Background(), job.ID); err != nil {
			o.logger.Error("retry dispatch failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
	})
}

// retryDelay is 60s doubled per prior attempt: 60, 120, 240.
func retryDelay(retryCount int) time.Duration {
	return 60 * time.Second * (1 << (retryCount - 1))
}

func phaseMessage(phase store.Phase) string {
	switch phase {
	case store.PhasePaymentReceived:
		return "Payment received"
	case store.PhaseProvisioningVPS:
		return "Provisioning your server"
	case store.PhaseWaitingForVPS:
		return "Waiting for the server to come online"
	case store.PhaseConfiguringDNS:
		return "Configuring DNS"
	case store.PhaseDeployingWopr:
		return "Deploying your beacon"
	case store.PhaseGeneratingDocs:
		return "Preparing your welcome documents"
	case store.PhaseSendingWelcome:
		return "Sending your welcome email"
	case store.PhaseCompleted:
		return "Your beacon is ready"
	default:
		return string(phase)
	}
}
