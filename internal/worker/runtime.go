package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailgate/internal/metrics"
	"github.com/ignite/mailgate/internal/pkg/logger"
	"github.com/ignite/mailgate/internal/queue"
)

// JobSource is the queue surface the runtime schedules from. *queue.Queue
// satisfies it.
type JobSource interface {
	Candidates(ctx context.Context, limit int) ([]string, error)
	Pop(ctx context.Context, companyID string, sameBatch bool) (*queue.Envelope, error)
	SkipRound(ctx context.Context, companyIDs []string) error
	Extend(ctx context.Context, jobID string, by time.Duration) error
	PromoteDue(ctx context.Context, limit int) (int, error)
	ReapExpiredLeases(ctx context.Context, limit int) (int, error)
	Fairness(ctx context.Context, companyID string) (*queue.FairnessRecord, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Processor settles one claimed envelope.
type Processor interface {
	Process(ctx context.Context, env *queue.Envelope) error
}

// RuntimeConfig tunes the claim loop.
type RuntimeConfig struct {
	Concurrency           int
	MaxJobsPerTenantBatch int
	Lease                 time.Duration
	PollInterval          time.Duration
	CandidateLimit        int
	// DrainTimeout bounds how long Run waits for in-flight jobs after
	// the context is canceled.
	DrainTimeout time.Duration
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 16
	}
	if c.MaxJobsPerTenantBatch <= 0 {
		c.MaxJobsPerTenantBatch = 3
	}
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Runtime is the worker scheduling loop: serve the most-starved tenant
// first, cap consecutive jobs per tenant, and record a skip round for every
// tenant passed over so nobody starves behind a heavy sender.
type Runtime struct {
	q    JobSource
	proc Processor
	cfg  RuntimeConfig

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewRuntime(q JobSource, proc Processor, cfg RuntimeConfig) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		q:    q,
		proc: proc,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Concurrency),
	}
}

// Run drives the loop until ctx is canceled, then drains in-flight jobs.
func (r *Runtime) Run(ctx context.Context) {
	logger.Info("worker runtime starting",
		"concurrency", r.cfg.Concurrency,
		"tenant_batch", r.cfg.MaxJobsPerTenantBatch,
		"lease_seconds", int(r.cfg.Lease.Seconds()))

	go r.maintain(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker runtime draining",
				"timeout_seconds", int(r.cfg.DrainTimeout.Seconds()))
			done := make(chan struct{})
			go func() {
				r.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				logger.Info("worker runtime stopped")
			case <-time.After(r.cfg.DrainTimeout):
				logger.Warn("drain window elapsed with jobs still in flight")
			}
			return
		default:
		}
		if !r.round(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

// round serves one tenant for up to the batch cap and skips the rest.
// Returns false when nothing was claimed.
func (r *Runtime) round(ctx context.Context) bool {
	candidates, err := r.q.Candidates(ctx, r.cfg.CandidateLimit)
	if err != nil {
		logger.Error("candidate scan failed", "error", err.Error())
		return false
	}
	if len(candidates) == 0 {
		return false
	}

	served := candidates[0]
	claimed := 0
	for claimed < r.cfg.MaxJobsPerTenantBatch {
		env, err := r.q.Pop(ctx, served, claimed > 0)
		if err == queue.ErrEmpty {
			break
		}
		if err != nil {
			logger.Error("pop failed", "company_id", served, "error", err.Error())
			break
		}
		claimed++
		r.dispatch(ctx, env)
	}
	if claimed == 0 {
		return false
	}

	if skipped := candidates[1:]; len(skipped) > 0 {
		if err := r.q.SkipRound(ctx, skipped); err != nil {
			logger.Warn("skip round failed", "error", err.Error())
		}
		for _, id := range skipped {
			if rec, err := r.q.Fairness(ctx, id); err == nil && rec != nil {
				metrics.FairnessRounds.WithLabelValues(id).Set(float64(rec.RoundsWithoutProcess))
			}
		}
	}
	metrics.FairnessRounds.WithLabelValues(served).Set(0)
	return true
}

// dispatch hands one envelope to the pipeline on the bounded pool, with a
// heartbeat extending the lease while the attempt runs. The job runs on a
// context detached from the claim loop: canceling a send the provider may
// already have accepted risks a double delivery, so shutdown stops claiming
// and lets in-flight attempts settle inside the drain window.
func (r *Runtime) dispatch(ctx context.Context, env *queue.Envelope) {
	r.sem <- struct{}{}
	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()

		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*r.cfg.Lease)
		defer cancel()

		hbCtx, stopHB := context.WithCancel(jobCtx)
		go r.heartbeat(hbCtx, env.JobID)
		defer stopHB()

		if err := r.proc.Process(jobCtx, env); err != nil {
			// lease left in place; the reaper re-delivers the job
			logger.Error("job processing failed",
				"job_id", env.JobID, "company_id", env.CompanyID, "error", err.Error())
		}
	}()
}

func (r *Runtime) heartbeat(ctx context.Context, jobID string) {
	interval := r.cfg.Lease / 3
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.q.Extend(ctx, jobID, r.cfg.Lease); err != nil {
				logger.Warn("lease extend failed", "job_id", jobID, "error", err.Error())
			}
		}
	}
}

// maintain runs the promoter, the lease reaper, and the depth gauges.
func (r *Runtime) maintain(ctx context.Context) {
	promote := time.NewTicker(time.Second)
	reap := time.NewTicker(r.cfg.Lease / 2)
	gauges := time.NewTicker(10 * time.Second)
	defer promote.Stop()
	defer reap.Stop()
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if n, err := r.q.PromoteDue(ctx, 256); err != nil {
				logger.Warn("delayed promotion failed", "error", err.Error())
			} else if n > 0 {
				logger.Debug("promoted delayed jobs", "count", n)
			}
		case <-reap.C:
			if n, err := r.q.ReapExpiredLeases(ctx, 256); err != nil {
				logger.Warn("lease reap failed", "error", err.Error())
			} else if n > 0 {
				logger.Warn("re-delivered jobs with expired leases", "count", n)
			}
		case <-gauges.C:
			stats, err := r.q.Stats(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Ready))
			metrics.QueueDepth.WithLabelValues("prioritized").Set(float64(stats.Prioritized))
			metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
			metrics.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
		}
	}
}
