// Package engine orchestrates one reconciliation attempt end to end:
// load the claim, fetch platform truth, classify, move trust, schedule
// retries, raise alerts, and commit the attempt atomically. Engines
// hold no cross-run state; everything lives in the store, and the
// attempt-count guard on the log row arbitrates concurrent attempts.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/alerting"
	"github.com/claimpilot/reconciler/classify"
	"github.com/claimpilot/reconciler/clock"
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/events"
	"github.com/claimpilot/reconciler/fetch"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/observability"
	"github.com/claimpilot/reconciler/store"
	"github.com/claimpilot/reconciler/trust"
)

// Fetcher retrieves platform metrics through the resilience stack.
// Satisfied by *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, platform, postURL string) fetch.Outcome
}

// Enqueuer accepts follow-up jobs for scheduled retries. Satisfied by
// both queue backends. A nil Enqueuer disables re-enqueueing; callers
// then drive retries through run-pending sweeps.
type Enqueuer interface {
	Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error
}

// Summary is the caller-facing result of one reconciliation run.
type Summary struct {
	Status            model.ReconciliationStatus `json:"status"`
	AttemptCount      int                        `json:"attempt_count"`
	ScheduledRetryAt  *time.Time                 `json:"scheduled_retry_at,omitempty"`
	TrustDelta        *float64                   `json:"trust_delta,omitempty"`
	NewTrustScore     float64                    `json:"new_trust_score"`
	DiscrepancyLevel  *model.DiscrepancyLevel    `json:"discrepancy_level,omitempty"`
	MaxDiscrepancyPct *float64                   `json:"max_discrepancy_pct,omitempty"`
	RateLimited       bool                       `json:"rate_limited"`
	ErrorCode         *string                    `json:"error_code,omitempty"`
	MissingFields     []string                   `json:"missing_fields,omitempty"`
}

// Engine runs reconciliation attempts. queue and eventsPub may be nil.
type Engine struct {
	store     store.Store
	fetcher   Fetcher
	queue     Enqueuer
	eventsPub events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func New(st store.Store, f Fetcher, q Enqueuer, ev events.Publisher, cfg *config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     st,
		fetcher:   f,
		queue:     q,
		eventsPub: ev,
		cfg:       cfg,
		log:       log,
		now:       clock.Now,
	}
}

// Run reconciles one affiliate report and returns its summary.
// store.ErrNotFound passes through when the report does not exist.
func (e *Engine) Run(ctx context.Context, reportID int64) (*Summary, error) {
	start := time.Now()
	summary, err := e.run(ctx, reportID)

	status := "error"
	switch {
	case err == nil:
		status = string(summary.Status)
	case errors.Is(err, store.ErrNotFound):
		status = "not_found"
	}
	observability.RunsTotal.WithLabelValues(status).Inc()
	observability.RunDurationSeconds.Observe(time.Since(start).Seconds())
	return summary, err
}

func (e *Engine) run(ctx context.Context, reportID int64) (*Summary, error) {
	report, err := e.store.LoadAffiliateReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	post := report.Post
	platform := post.Platform

	// The log row exists before anything else happens so concurrent
	// attempts for the same report converge on one row.
	if _, err := e.store.EnsureReconciliationLog(ctx, reportID); err != nil {
		return nil, err
	}

	now := e.now()
	elapsed := clock.HoursBetween(report.SubmittedAt, now)

	outcome := e.fetcher.Fetch(ctx, platform.Name, post.URL)

	in := classify.Input{
		ClaimedViews:       report.ClaimedViews,
		ClaimedClicks:      report.ClaimedClicks,
		ClaimedConversions: report.ClaimedConversions,
		ElapsedHours:       elapsed,
		PartialMissing:     outcome.PartialMissing,
	}
	if outcome.Metrics != nil {
		in.PlatformViews = outcome.Metrics.Views
		in.PlatformClicks = outcome.Metrics.Clicks
		in.PlatformConversions = outcome.Metrics.Conversions
	}
	res := classify.Classify(in, e.cfg.Reconciliation)

	var (
		summary      *Summary
		alert        *model.Alert
		alertCreated bool
	)
	commit := func() error {
		summary, alert, alertCreated = nil, nil, false
		return e.store.WithTx(ctx, func(tx store.Store) error {
			logRow, err := tx.GetReconciliationLog(ctx, report.ID)
			if err != nil {
				return err
			}

			if outcome.Metrics != nil && anyMetricPresent(outcome.Metrics) {
				pr := &model.PlatformReport{
					PostID:      post.ID,
					PlatformID:  post.PlatformID,
					Views:       orZero(outcome.Metrics.Views),
					Clicks:      orZero(outcome.Metrics.Clicks),
					Conversions: orZero(outcome.Metrics.Conversions),
					RawData:     rawData(outcome.Metrics),
					FetchedAt:   now,
				}
				id, err := tx.InsertPlatformReport(ctx, pr)
				if err != nil {
					return err
				}
				logRow.PlatformReportID = &id
			}

			newScore := post.Affiliate.TrustScore
			logRow.TrustDelta = nil
			if res.TrustEvent != nil {
				// Score is re-read inside the transaction so the
				// read-modify-write pairs with this attempt's commit.
				aff, err := tx.GetAffiliate(ctx, post.AffiliateID)
				if err != nil {
					return err
				}
				score, delta := trust.ApplyEvent(aff.TrustScore, *res.TrustEvent, e.cfg.Trust)
				accurate := *res.TrustEvent == model.TrustPerfectMatch
				if err := tx.ApplyTrustUpdate(ctx, post.AffiliateID, score, now, accurate); err != nil {
					return err
				}
				newScore = score
				if delta != 0 {
					logRow.TrustDelta = &delta
				}
				observability.TrustDeltaApplied.Observe(delta)
			}

			logRow.AttemptCount++
			logRow.LastAttemptAt = &now
			logRow.ElapsedHoursAtCheck = elapsed
			logRow.Status = res.Status
			logRow.DiscrepancyLevel = res.DiscrepancyLevel
			logRow.ViewsDiscrepancy = i64ptr(res.ViewsDiscrepancy)
			logRow.ClicksDiscrepancy = i64ptr(res.ClicksDiscrepancy)
			logRow.ConversionsDiscrepancy = i64ptr(res.ConversionsDiscrepancy)
			logRow.ViewsDiffPct = res.ViewsDiffPct
			logRow.ClicksDiffPct = res.ClicksDiffPct
			logRow.ConversionsDiffPct = res.ConversionsDiffPct
			logRow.MaxDiscrepancyPct = res.MaxDiscrepancyPct
			logRow.ConfidenceRatio = res.ConfidenceRatio
			logRow.MissingFields = res.MissingFields
			logRow.RateLimited = outcome.RateLimited
			logRow.ErrorCode = strPtr(outcome.ErrorCode)
			logRow.ErrorMessage = strPtr(outcome.ErrorMessage)
			logRow.ScheduledRetryAt = e.scheduleRetry(res.Status, logRow.AttemptCount, elapsed, now)

			if err := tx.UpdateReconciliationLog(ctx, logRow); err != nil {
				return err
			}

			if logRow.ScheduledRetryAt == nil && isFinalizing(res.Status) {
				if err := tx.SetPostReconciled(ctx, post.ID); err != nil {
					return err
				}
			}

			alert, alertCreated, err = alerting.Evaluate(ctx, tx, e.cfg.Alerting, now, logRow, post)
			if err != nil {
				return err
			}

			summary = &Summary{
				Status:            logRow.Status,
				AttemptCount:      logRow.AttemptCount,
				ScheduledRetryAt:  logRow.ScheduledRetryAt,
				TrustDelta:        logRow.TrustDelta,
				NewTrustScore:     newScore,
				DiscrepancyLevel:  logRow.DiscrepancyLevel,
				MaxDiscrepancyPct: logRow.MaxDiscrepancyPct,
				RateLimited:       logRow.RateLimited,
				ErrorCode:         logRow.ErrorCode,
				MissingFields:     logRow.MissingFields,
			}
			return nil
		})
	}

	err = commit()
	if errors.Is(err, store.ErrStaleData) {
		e.log.Warn("reconciliation commit lost a concurrent race, retrying once",
			zap.Int64("report_id", report.ID))
		err = commit()
	}
	if err != nil {
		return nil, err
	}

	e.log.Info("reconciliation attempt finished",
		zap.Int64("report_id", report.ID),
		zap.String("platform", platform.Name),
		zap.String("status", string(summary.Status)),
		zap.Int("attempt", summary.AttemptCount),
		zap.Bool("retry_scheduled", summary.ScheduledRetryAt != nil))

	if summary.ScheduledRetryAt != nil && e.queue != nil {
		delay := summary.ScheduledRetryAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		priority := trust.PriorityFor(summary.NewTrustScore, report.Suspicious(), e.cfg.Trust)
		job := model.NewReconciliationJob(report.ID, priority, now)
		if err := e.queue.Enqueue(job, priority, delay); err != nil {
			e.log.Warn("retry enqueue failed",
				zap.Int64("report_id", report.ID),
				zap.Error(err))
		}
	}

	e.publishEvents(report, post, platform, summary, alert, alertCreated, now)
	return summary, nil
}

func (e *Engine) publishEvents(report *model.AffiliateReport, post *model.Post, platform *model.Platform, summary *Summary, alert *model.Alert, alertCreated bool, now time.Time) {
	if e.eventsPub == nil {
		return
	}
	run := events.Event{
		Type:        events.TypeRunCompleted,
		At:          now,
		ReportID:    report.ID,
		PostID:      post.ID,
		AffiliateID: post.AffiliateID,
		Platform:    platform.Name,
		Status:      string(summary.Status),
	}
	go e.eventsPub.Publish(context.Background(), run)

	if alertCreated && alert != nil {
		ev := events.Event{
			Type:        events.TypeAlertCreated,
			At:          now,
			ReportID:    report.ID,
			PostID:      post.ID,
			AffiliateID: post.AffiliateID,
			Platform:    platform.Name,
			Status:      string(summary.Status),
			Severity:    string(alert.Severity),
			Detail:      alert.Title,
		}
		go e.eventsPub.Publish(context.Background(), ev)
	}
}

// scheduleRetry decides whether this attempt earns another try.
// attempts is the post-increment count for the current attempt.
func (e *Engine) scheduleRetry(status model.ReconciliationStatus, attempts int, elapsedHours float64, now time.Time) *time.Time {
	cfg := e.cfg.Reconciliation
	switch status {
	case model.StatusMissingPlatform:
		if attempts >= cfg.MissingRetryMaxAttempts || elapsedHours > cfg.MissingRetryWindow.Hours() {
			return nil
		}
		mult := attempts
		if mult < 1 {
			mult = 1
		}
		at := now.Add(time.Duration(mult) * cfg.MissingRetryDelay)
		return &at
	case model.StatusIncompletePlatform:
		if attempts <= 1+cfg.IncompleteRetryMaxAdditional {
			at := now.Add(cfg.IncompleteRetryDelay)
			return &at
		}
		return nil
	default:
		return nil
	}
}

// isFinalizing reports whether a status freezes the post once no retry
// is pending. LOW and MEDIUM discrepancies leave the post open so a
// corrected resubmission can still reconcile it.
func isFinalizing(status model.ReconciliationStatus) bool {
	switch status {
	case model.StatusMatched, model.StatusOverclaimed, model.StatusDiscrepancyHigh:
		return true
	default:
		return false
	}
}

func anyMetricPresent(m *fetch.Metrics) bool {
	return m.Views != nil || m.Clicks != nil || m.Conversions != nil
}

func rawData(m *fetch.Metrics) map[string]int64 {
	raw := make(map[string]int64, 3)
	if m.Views != nil {
		raw["views"] = *m.Views
	}
	if m.Clicks != nil {
		raw["clicks"] = *m.Clicks
	}
	if m.Conversions != nil {
		raw["conversions"] = *m.Conversions
	}
	return raw
}

func orZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func i64ptr(v int64) *int64 { return &v }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
