// Package intake hands accepted submissions to the reconciliation
// queue. It runs the data-quality validators against the affiliate's
// previous claim for the same post, persists any findings, and derives
// the job's priority from the affiliate's current trust standing.
package intake

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/clock"
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/links"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/quality"
	"github.com/claimpilot/reconciler/store"
	"github.com/claimpilot/reconciler/trust"
)

// Enqueuer accepts jobs for the worker pool. Satisfied by both queue
// backends.
type Enqueuer interface {
	Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error
}

// Service queues accepted reports for reconciliation.
type Service struct {
	store store.Store
	queue Enqueuer
	cfg   *config.Config
	log   *zap.Logger
	now   func() time.Time
}

func NewService(st store.Store, q Enqueuer, cfg *config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, queue: q, cfg: cfg, log: log, now: clock.Now}
}

// QueueReport screens one accepted report and enqueues its
// reconciliation job. The returned job carries the correlation ID
// traced through worker and engine logs.
func (s *Service) QueueReport(ctx context.Context, reportID int64) (model.ReconciliationJob, error) {
	report, err := s.store.LoadAffiliateReport(ctx, reportID)
	if err != nil {
		return model.ReconciliationJob{}, err
	}
	post := report.Post

	if detected := links.DetectPlatform(post.URL); detected != "" && detected != post.Platform.Name {
		s.log.Warn("post url does not match its platform",
			zap.Int64("post_id", post.ID),
			zap.String("platform", post.Platform.Name),
			zap.String("detected", detected))
	}

	previous, err := s.store.PreviousReportForPost(ctx, post.ID, report.ID)
	if err != nil {
		return model.ReconciliationJob{}, err
	}

	flags := quality.Evaluate(quality.Input{
		ClaimedViews:       report.ClaimedViews,
		ClaimedClicks:      report.ClaimedClicks,
		ClaimedConversions: report.ClaimedConversions,
		HasEvidence:        report.HasEvidence(),
		Previous:           previous,
	}, s.cfg.Quality)
	if len(flags) > 0 {
		if err := s.store.SaveSuspicionFlags(ctx, report.ID, flags); err != nil {
			return model.ReconciliationJob{}, err
		}
		s.log.Warn("submission flagged by quality checks",
			zap.Int64("report_id", report.ID),
			zap.Strings("rules", ruleNames(flags)))
	}

	priority := trust.PriorityFor(post.Affiliate.TrustScore, len(flags) > 0, s.cfg.Trust)
	job := model.NewReconciliationJob(report.ID, priority, s.now())
	if err := s.queue.Enqueue(job, priority, 0); err != nil {
		return model.ReconciliationJob{}, err
	}

	s.log.Info("reconciliation job queued",
		zap.Int64("report_id", report.ID),
		zap.Int64("post_id", post.ID),
		zap.String("priority", priority),
		zap.String("correlation_id", job.CorrelationID),
		zap.Int("suspicion_flags", len(flags)))
	return job, nil
}

func ruleNames(flags map[string]model.SuspicionFlag) []string {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
