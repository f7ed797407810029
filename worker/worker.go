// Package worker drains the reconciliation queue with a fixed pool of
// goroutines. A failing job is logged and recorded, never fatal; the
// pool only exits when its context is canceled or the queue shuts down.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/engine"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/observability"
	"github.com/claimpilot/reconciler/queue"
)

// Runner executes one reconciliation attempt. Satisfied by
// *engine.Engine.
type Runner interface {
	Run(ctx context.Context, reportID int64) (*engine.Summary, error)
}

// Failure is one recorded job failure, kept for the diagnostics
// endpoint.
type Failure struct {
	ReportID      int64     `json:"report_id"`
	CorrelationID string    `json:"correlation_id"`
	Error         string    `json:"error"`
	At            time.Time `json:"at"`
}

// failureRingCap bounds the diagnostics buffer; the oldest entry is
// evicted once full.
const failureRingCap = 100

// Pool runs n workers against one queue.
type Pool struct {
	queue       queue.Queue
	runner      Runner
	count       int
	pollTimeout time.Duration
	jobTimeout  time.Duration
	log         *zap.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	failures []Failure
}

func NewPool(q queue.Queue, r Runner, cfg config.Worker, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	count := cfg.Count
	if count < 1 {
		count = 1
	}
	return &Pool{
		queue:       q,
		runner:      r,
		count:       count,
		pollTimeout: cfg.PollTimeout,
		jobTimeout:  cfg.JobTimeout,
		log:         log,
	}
}

// Start launches the workers. It returns immediately; use Stop to wait
// for them.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.log.Info("reconciliation worker pool started", zap.Int("workers", p.count))
}

// Stop shuts the queue down and waits for every worker to drain what
// remains.
func (p *Pool) Stop() {
	p.queue.Shutdown()
	p.wg.Wait()
	p.log.Info("reconciliation worker pool stopped")
}

// Wait blocks until every worker has exited without initiating a
// shutdown itself.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", id))
	log.Info("reconciliation worker started")

	for {
		if ctx.Err() != nil {
			log.Info("reconciliation worker stopping")
			return
		}
		item := p.queue.Dequeue(true, p.pollTimeout)
		if item == nil {
			if p.queue.IsShutdown() {
				log.Info("reconciliation worker drained")
				return
			}
			continue
		}
		if item.JobType != queue.JobTypeReconciliation {
			log.Warn("skipping unknown job type", zap.String("job_type", item.JobType))
			observability.JobsProcessed.WithLabelValues("skipped").Inc()
			continue
		}
		p.process(ctx, log, item)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, item *queue.Item) {
	observability.WorkersBusy.Inc()
	defer observability.WorkersBusy.Dec()

	job := item.Job
	log.Info("processing reconciliation job",
		zap.Int64("report_id", job.AffiliateReportID),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("priority", item.PriorityLabel))

	jobCtx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}

	summary, err := p.runner.Run(jobCtx, job.AffiliateReportID)
	if err != nil {
		log.Error("reconciliation job failed",
			zap.Int64("report_id", job.AffiliateReportID),
			zap.String("correlation_id", job.CorrelationID),
			zap.Error(err))
		p.recordFailure(job, err)
		observability.JobsProcessed.WithLabelValues("error").Inc()
		return
	}

	log.Info("reconciliation job completed",
		zap.Int64("report_id", job.AffiliateReportID),
		zap.String("status", string(summary.Status)),
		zap.Int("attempt", summary.AttemptCount))
	observability.JobsProcessed.WithLabelValues("ok").Inc()
}

func (p *Pool) recordFailure(job model.ReconciliationJob, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) >= failureRingCap {
		p.failures = p.failures[1:]
	}
	p.failures = append(p.failures, Failure{
		ReportID:      job.AffiliateReportID,
		CorrelationID: job.CorrelationID,
		Error:         err.Error(),
		At:            time.Now(),
	})
}

// Diagnostics returns the recent job failures, oldest first.
func (p *Pool) Diagnostics() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Failure, len(p.failures))
	copy(out, p.failures)
	return out
}
