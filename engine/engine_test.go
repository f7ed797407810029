package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/breaker"
	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/events"
	"github.com/claimpilot/reconciler/fetch"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/store"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

type stubFetcher struct {
	outcome fetch.Outcome
	calls   int
}

func (s *stubFetcher) Fetch(ctx context.Context, platform, postURL string) fetch.Outcome {
	s.calls++
	return s.outcome
}

type captureQueue struct {
	jobs       []model.ReconciliationJob
	priorities []string
	delays     []time.Duration
	fail       error
}

func (q *captureQueue) Enqueue(job model.ReconciliationJob, priority string, delay time.Duration) error {
	if q.fail != nil {
		return q.fail
	}
	q.jobs = append(q.jobs, job)
	q.priorities = append(q.priorities, priority)
	q.delays = append(q.delays, delay)
	return nil
}

type capturePublisher struct {
	ch chan events.Event
}

func (p capturePublisher) Publish(ctx context.Context, ev events.Event) error {
	p.ch <- ev
	return nil
}

func fullOutcome(views, clicks, conversions int64) fetch.Outcome {
	return fetch.Outcome{
		Success:  true,
		Metrics:  &fetch.Metrics{Views: &views, Clicks: &clicks, Conversions: &conversions},
		Attempts: 1,
	}
}

func viewsOnlyOutcome(views int64) fetch.Outcome {
	return fetch.Outcome{
		Success:        true,
		Metrics:        &fetch.Metrics{Views: &views},
		PartialMissing: []string{"clicks", "conversions"},
		Attempts:       1,
	}
}

func failedOutcome(code, msg string) fetch.Outcome {
	return fetch.Outcome{
		PartialMissing: []string{"views", "clicks", "conversions"},
		Attempts:       3,
		ErrorCode:      code,
		ErrorMessage:   msg,
	}
}

type harness struct {
	store     *store.Memory
	fetcher   *stubFetcher
	queue     *captureQueue
	published chan events.Event
	engine    *Engine
	now       time.Time

	affiliate *model.Affiliate
	post      *model.Post
	report    *model.AffiliateReport
}

func newHarness(t *testing.T, views, clicks, conversions int64, submittedAgo time.Duration) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store:     store.NewMemory(),
		fetcher:   &stubFetcher{},
		queue:     &captureQueue{},
		published: make(chan events.Event, 16),
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	h.affiliate = &model.Affiliate{Name: "Dana", Email: "dana@example.com", TrustScore: 0.5, IsActive: true}
	if err := h.store.CreateAffiliate(ctx, h.affiliate); err != nil {
		t.Fatalf("CreateAffiliate: %v", err)
	}
	pl := &model.Platform{Name: "reddit", DisplayName: "Reddit", IsActive: true}
	if err := h.store.CreatePlatform(ctx, pl); err != nil {
		t.Fatalf("CreatePlatform: %v", err)
	}
	camp := &model.Campaign{Name: "Spring Launch", IsActive: true}
	if err := h.store.CreateCampaign(ctx, camp); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	h.post = &model.Post{
		CampaignID:  camp.ID,
		PlatformID:  pl.ID,
		AffiliateID: h.affiliate.ID,
		URL:         "https://reddit.com/r/deals/abc",
	}
	if err := h.store.CreatePost(ctx, h.post); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	h.report = &model.AffiliateReport{
		PostID:             h.post.ID,
		ClaimedViews:       views,
		ClaimedClicks:      clicks,
		ClaimedConversions: conversions,
		SubmissionMethod:   model.MethodAPI,
		SubmittedAt:        h.now.Add(-submittedAgo),
	}
	if err := h.store.CreateAffiliateReport(ctx, h.report); err != nil {
		t.Fatalf("CreateAffiliateReport: %v", err)
	}

	h.engine = New(h.store, h.fetcher, h.queue, capturePublisher{ch: h.published}, config.Default(), zap.NewNop())
	h.engine.now = func() time.Time { return h.now }
	return h
}

func (h *harness) logRow(t *testing.T) *model.ReconciliationLog {
	t.Helper()
	l, err := h.store.GetReconciliationLog(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("GetReconciliationLog: %v", err)
	}
	return l
}

func (h *harness) reloadAffiliate(t *testing.T) *model.Affiliate {
	t.Helper()
	aff, err := h.store.GetAffiliate(context.Background(), h.affiliate.ID)
	if err != nil {
		t.Fatalf("GetAffiliate: %v", err)
	}
	return aff
}

func (h *harness) reloadPost(t *testing.T) *model.Post {
	t.Helper()
	post, err := h.store.GetPost(context.Background(), h.post.ID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	return post
}

func nextEvent(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
	}
	t.Fatal("Timed out waiting for a published event")
	return events.Event{}
}

func TestRunPerfectMatch(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusMatched {
		t.Errorf("Expected status %s, got %s", model.StatusMatched, sum.Status)
	}
	if sum.AttemptCount != 1 {
		t.Errorf("Expected attempt count 1, got %d", sum.AttemptCount)
	}
	if sum.ScheduledRetryAt != nil {
		t.Errorf("Expected no retry, got %v", sum.ScheduledRetryAt)
	}
	if sum.TrustDelta == nil || !almostEqual(*sum.TrustDelta, 0.01) {
		t.Errorf("Expected trust delta +0.01, got %v", sum.TrustDelta)
	}
	if !almostEqual(sum.NewTrustScore, 0.51) {
		t.Errorf("Expected new trust score 0.51, got %f", sum.NewTrustScore)
	}
	if sum.DiscrepancyLevel != nil {
		t.Errorf("Expected no discrepancy level, got %s", *sum.DiscrepancyLevel)
	}
	if len(sum.MissingFields) != 0 {
		t.Errorf("Expected no missing fields, got %v", sum.MissingFields)
	}

	l := h.logRow(t)
	if l.Status != model.StatusMatched || l.AttemptCount != 1 {
		t.Errorf("Expected MATCHED log with attempt 1, got %s/%d", l.Status, l.AttemptCount)
	}
	if l.PlatformReportID == nil {
		t.Error("Expected a platform report to be recorded on the log")
	}
	if !almostEqual(l.ConfidenceRatio, 1.0) {
		t.Errorf("Expected confidence 1.0, got %f", l.ConfidenceRatio)
	}
	if l.LastAttemptAt == nil || !l.LastAttemptAt.Equal(h.now) {
		t.Errorf("Expected last attempt at %v, got %v", h.now, l.LastAttemptAt)
	}

	aff := h.reloadAffiliate(t)
	if !almostEqual(aff.TrustScore, 0.51) {
		t.Errorf("Expected stored trust 0.51, got %f", aff.TrustScore)
	}
	if aff.TotalSubmissions != 1 || aff.AccurateSubmissions != 1 {
		t.Errorf("Expected counters 1/1, got %d/%d", aff.TotalSubmissions, aff.AccurateSubmissions)
	}
	if aff.LastTrustUpdate == nil || !aff.LastTrustUpdate.Equal(h.now) {
		t.Errorf("Expected last trust update %v, got %v", h.now, aff.LastTrustUpdate)
	}

	if !h.reloadPost(t).IsReconciled {
		t.Error("Expected post to be reconciled")
	}
	if alert, _ := h.store.GetAlertForLog(context.Background(), l.ID); alert != nil {
		t.Errorf("Expected no alert, got %s", alert.Type)
	}
	if len(h.queue.jobs) != 0 {
		t.Errorf("Expected no re-enqueued jobs, got %d", len(h.queue.jobs))
	}
}

func TestRunMediumDiscrepancyLeavesPostOpen(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(118, 12, 1)

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusDiscrepancyMedium {
		t.Errorf("Expected status %s, got %s", model.StatusDiscrepancyMedium, sum.Status)
	}
	if sum.DiscrepancyLevel == nil || *sum.DiscrepancyLevel != model.LevelMedium {
		t.Errorf("Expected MEDIUM level, got %v", sum.DiscrepancyLevel)
	}
	if sum.MaxDiscrepancyPct == nil || !almostEqual(*sum.MaxDiscrepancyPct, 2.0/12.0) {
		t.Errorf("Expected max pct %f, got %v", 2.0/12.0, sum.MaxDiscrepancyPct)
	}
	if sum.TrustDelta == nil || !almostEqual(*sum.TrustDelta, -0.03) {
		t.Errorf("Expected trust delta -0.03, got %v", sum.TrustDelta)
	}
	if !almostEqual(sum.NewTrustScore, 0.47) {
		t.Errorf("Expected trust 0.47, got %f", sum.NewTrustScore)
	}
	if sum.ScheduledRetryAt != nil {
		t.Errorf("Expected no retry, got %v", sum.ScheduledRetryAt)
	}

	if h.reloadPost(t).IsReconciled {
		t.Error("Expected post to stay open after a medium discrepancy")
	}
	l := h.logRow(t)
	if l.ViewsDiscrepancy == nil || *l.ViewsDiscrepancy != -18 {
		t.Errorf("Expected views discrepancy -18, got %v", l.ViewsDiscrepancy)
	}
	if alert, _ := h.store.GetAlertForLog(context.Background(), l.ID); alert != nil {
		t.Errorf("Expected no alert for a medium discrepancy, got %s", alert.Type)
	}
}

func TestRunOverclaimCreatesCriticalAlert(t *testing.T) {
	h := newHarness(t, 250, 35, 4, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusOverclaimed {
		t.Errorf("Expected status %s, got %s", model.StatusOverclaimed, sum.Status)
	}
	if sum.DiscrepancyLevel == nil || *sum.DiscrepancyLevel != model.LevelCritical {
		t.Errorf("Expected CRITICAL level, got %v", sum.DiscrepancyLevel)
	}
	if sum.MaxDiscrepancyPct == nil || !almostEqual(*sum.MaxDiscrepancyPct, 3.0) {
		t.Errorf("Expected max pct 3.0, got %v", sum.MaxDiscrepancyPct)
	}
	if sum.TrustDelta == nil || !almostEqual(*sum.TrustDelta, -0.10) {
		t.Errorf("Expected trust delta -0.10, got %v", sum.TrustDelta)
	}
	if !almostEqual(sum.NewTrustScore, 0.40) {
		t.Errorf("Expected trust 0.40, got %f", sum.NewTrustScore)
	}

	if !h.reloadPost(t).IsReconciled {
		t.Error("Expected overclaimed post to be finalized")
	}
	aff := h.reloadAffiliate(t)
	if aff.TotalSubmissions != 1 || aff.AccurateSubmissions != 0 {
		t.Errorf("Expected counters 1/0, got %d/%d", aff.TotalSubmissions, aff.AccurateSubmissions)
	}

	l := h.logRow(t)
	alert, err := h.store.GetAlertForLog(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("GetAlertForLog: %v", err)
	}
	if alert == nil {
		t.Fatal("Expected an alert for the overclaim")
	}
	if alert.Type != model.AlertHighDiscrepancy {
		t.Errorf("Expected alert type %s, got %s", model.AlertHighDiscrepancy, alert.Type)
	}
	if alert.Severity != model.SeverityCritical {
		t.Errorf("Expected severity %s, got %s", model.SeverityCritical, alert.Severity)
	}
	if alert.Category != model.CategoryFraud {
		t.Errorf("Expected category %s, got %s", model.CategoryFraud, alert.Category)
	}
	if level, ok := alert.ThresholdBreached["discrepancy_level"].(string); !ok || level != "CRITICAL" {
		t.Errorf("Expected breach level CRITICAL, got %v", alert.ThresholdBreached["discrepancy_level"])
	}

	got := map[string]events.Event{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, h.published)
		got[ev.Type] = ev
	}
	run, ok := got[events.TypeRunCompleted]
	if !ok {
		t.Fatal("Expected a run.completed event")
	}
	if run.Status != string(model.StatusOverclaimed) || run.ReportID != h.report.ID {
		t.Errorf("Expected run event for report %d with status %s, got %+v", h.report.ID, model.StatusOverclaimed, run)
	}
	alertEv, ok := got[events.TypeAlertCreated]
	if !ok {
		t.Fatal("Expected an alert.created event")
	}
	if alertEv.Severity != string(model.SeverityCritical) {
		t.Errorf("Expected event severity CRITICAL, got %s", alertEv.Severity)
	}
	if alertEv.Detail != "Affiliate overclaim detected" {
		t.Errorf("Expected alert title in event detail, got %q", alertEv.Detail)
	}
}

func TestRunIncompleteSchedulesRetry(t *testing.T) {
	h := newHarness(t, 90, 10, 1, 0)
	h.fetcher.outcome = viewsOnlyOutcome(90)
	ctx := context.Background()

	sum, err := h.engine.Run(ctx, h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusIncompletePlatform {
		t.Errorf("Expected status %s, got %s", model.StatusIncompletePlatform, sum.Status)
	}
	if len(sum.MissingFields) != 2 || sum.MissingFields[0] != "clicks" || sum.MissingFields[1] != "conversions" {
		t.Errorf("Expected missing clicks and conversions, got %v", sum.MissingFields)
	}
	want := h.now.Add(15 * time.Minute)
	if sum.ScheduledRetryAt == nil || !sum.ScheduledRetryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, sum.ScheduledRetryAt)
	}
	if sum.TrustDelta != nil {
		t.Errorf("Expected no trust movement on incomplete data, got %v", sum.TrustDelta)
	}

	l := h.logRow(t)
	if !almostEqual(l.ConfidenceRatio, 1.0/3.0) {
		t.Errorf("Expected confidence 1/3, got %f", l.ConfidenceRatio)
	}
	if l.PlatformReportID == nil {
		t.Error("Expected partial metrics to still be recorded as a platform report")
	}
	aff := h.reloadAffiliate(t)
	if aff.TotalSubmissions != 0 || !almostEqual(aff.TrustScore, 0.5) {
		t.Errorf("Expected untouched trust, got score %f counters %d/%d", aff.TrustScore, aff.TotalSubmissions, aff.AccurateSubmissions)
	}
	if len(h.queue.jobs) != 1 {
		t.Fatalf("Expected 1 re-enqueued job, got %d", len(h.queue.jobs))
	}
	if h.queue.delays[0] != 15*time.Minute {
		t.Errorf("Expected 15m delay, got %v", h.queue.delays[0])
	}
	if h.queue.priorities[0] != model.PriorityNormal {
		t.Errorf("Expected normal priority, got %s", h.queue.priorities[0])
	}
	if h.queue.jobs[0].AffiliateReportID != h.report.ID || h.queue.jobs[0].CorrelationID == "" {
		t.Errorf("Expected a stamped job for report %d, got %+v", h.report.ID, h.queue.jobs[0])
	}

	// One additional retry is allowed, then the attempt chain stops.
	sum, err = h.engine.Run(ctx, h.report.ID)
	if err != nil {
		t.Fatalf("Run attempt 2: %v", err)
	}
	if sum.AttemptCount != 2 || sum.ScheduledRetryAt == nil {
		t.Errorf("Expected attempt 2 with a retry, got %d/%v", sum.AttemptCount, sum.ScheduledRetryAt)
	}
	sum, err = h.engine.Run(ctx, h.report.ID)
	if err != nil {
		t.Fatalf("Run attempt 3: %v", err)
	}
	if sum.AttemptCount != 3 || sum.ScheduledRetryAt != nil {
		t.Errorf("Expected attempt 3 without a retry, got %d/%v", sum.AttemptCount, sum.ScheduledRetryAt)
	}
	if h.reloadPost(t).IsReconciled {
		t.Error("Expected incomplete data to never finalize the post")
	}
	if len(h.queue.jobs) != 2 {
		t.Errorf("Expected 2 re-enqueued jobs in total, got %d", len(h.queue.jobs))
	}
}

func TestRunMissingRetriesThenAlerts(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = failedOutcome(fetch.CodeFetchError, "reddit: upstream timeout")
	ctx := context.Background()

	for attempt := 1; attempt <= 5; attempt++ {
		sum, err := h.engine.Run(ctx, h.report.ID)
		if err != nil {
			t.Fatalf("Run attempt %d: %v", attempt, err)
		}
		if sum.Status != model.StatusMissingPlatform {
			t.Fatalf("Expected status %s on attempt %d, got %s", model.StatusMissingPlatform, attempt, sum.Status)
		}
		if sum.AttemptCount != attempt {
			t.Fatalf("Expected attempt count %d, got %d", attempt, sum.AttemptCount)
		}
		if attempt < 5 {
			want := h.now.Add(time.Duration(attempt) * 30 * time.Minute)
			if sum.ScheduledRetryAt == nil || !sum.ScheduledRetryAt.Equal(want) {
				t.Fatalf("Expected retry at %v on attempt %d, got %v", want, attempt, sum.ScheduledRetryAt)
			}
		} else if sum.ScheduledRetryAt != nil {
			t.Fatalf("Expected retries exhausted on attempt 5, got %v", sum.ScheduledRetryAt)
		}
		if sum.ErrorCode == nil || *sum.ErrorCode != fetch.CodeFetchError {
			t.Fatalf("Expected error code %s, got %v", fetch.CodeFetchError, sum.ErrorCode)
		}
	}

	l := h.logRow(t)
	if l.PlatformReportID != nil {
		t.Error("Expected no platform report when every fetch failed")
	}
	if len(l.MissingFields) != 3 {
		t.Errorf("Expected all fields missing, got %v", l.MissingFields)
	}
	alert, err := h.store.GetAlertForLog(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetAlertForLog: %v", err)
	}
	if alert == nil {
		t.Fatal("Expected a missing-data alert after retries ran out")
	}
	if alert.Type != model.AlertMissingData || alert.Severity != model.SeverityMedium || alert.Category != model.CategorySystemHealth {
		t.Errorf("Expected MISSING_DATA/MEDIUM/SYSTEM_HEALTH, got %s/%s/%s", alert.Type, alert.Severity, alert.Category)
	}
	if attempts, ok := alert.ThresholdBreached["attempts"].(int); !ok || attempts != 5 {
		t.Errorf("Expected breach attempts 5, got %v", alert.ThresholdBreached["attempts"])
	}

	if h.reloadPost(t).IsReconciled {
		t.Error("Expected post to stay open with platform data missing")
	}
	aff := h.reloadAffiliate(t)
	if !almostEqual(aff.TrustScore, 0.5) || aff.TotalSubmissions != 0 {
		t.Errorf("Expected untouched trust, got %f with %d submissions", aff.TrustScore, aff.TotalSubmissions)
	}
	if len(h.queue.jobs) != 4 {
		t.Fatalf("Expected 4 re-enqueued jobs, got %d", len(h.queue.jobs))
	}
	for i, wantDelay := range []time.Duration{30 * time.Minute, 60 * time.Minute, 90 * time.Minute, 120 * time.Minute} {
		if h.queue.delays[i] != wantDelay {
			t.Errorf("Expected delay %v for retry %d, got %v", wantDelay, i+1, h.queue.delays[i])
		}
	}
}

func TestRunMissingOutsideWindowAlertsImmediately(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 25*time.Hour)
	h.fetcher.outcome = failedOutcome(fetch.CodeFetchError, "reddit: gone")

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.ScheduledRetryAt != nil {
		t.Errorf("Expected no retry outside the window, got %v", sum.ScheduledRetryAt)
	}
	alert, err := h.store.GetAlertForLog(context.Background(), h.logRow(t).ID)
	if err != nil {
		t.Fatalf("GetAlertForLog: %v", err)
	}
	if alert == nil {
		t.Fatal("Expected an immediate missing-data alert")
	}
	if attempts, ok := alert.ThresholdBreached["attempts"].(int); !ok || attempts != 1 {
		t.Errorf("Expected breach attempts 1, got %v", alert.ThresholdBreached["attempts"])
	}
	if len(h.queue.jobs) != 0 {
		t.Errorf("Expected no re-enqueued jobs, got %d", len(h.queue.jobs))
	}
}

func TestRunRateLimitedRecordedOnLog(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	out := failedOutcome(fetch.CodeRateLimited, "reddit: too many requests")
	out.RateLimited = true
	h.fetcher.outcome = out

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.RateLimited {
		t.Error("Expected the summary to carry the rate-limited marker")
	}
	if !h.logRow(t).RateLimited {
		t.Error("Expected the log to carry the rate-limited marker")
	}
	if sum.Status != model.StatusMissingPlatform {
		t.Errorf("Expected status %s, got %s", model.StatusMissingPlatform, sum.Status)
	}
}

func TestRunBreakerDenialMapsToMissing(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fetch.Outcome{
		PartialMissing: []string{"views", "clicks", "conversions"},
		Attempts:       0,
		ErrorCode:      breaker.ReasonCircuitOpen,
		ErrorMessage:   "circuit open for reddit",
	}

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusMissingPlatform {
		t.Errorf("Expected status %s, got %s", model.StatusMissingPlatform, sum.Status)
	}
	if sum.ErrorCode == nil || *sum.ErrorCode != breaker.ReasonCircuitOpen {
		t.Errorf("Expected error code %s, got %v", breaker.ReasonCircuitOpen, sum.ErrorCode)
	}
	if sum.RateLimited {
		t.Error("Expected a breaker denial not to count as rate limiting")
	}
	want := h.now.Add(30 * time.Minute)
	if sum.ScheduledRetryAt == nil || !sum.ScheduledRetryAt.Equal(want) {
		t.Errorf("Expected retry at %v, got %v", want, sum.ScheduledRetryAt)
	}
}

func TestRunRepeatAttemptsShareOneLog(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)
	ctx := context.Background()

	if _, err := h.engine.Run(ctx, h.report.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	firstID := h.logRow(t).ID

	sum, err := h.engine.Run(ctx, h.report.ID)
	if err != nil {
		t.Fatalf("Run again: %v", err)
	}
	if sum.Status != model.StatusMatched || sum.AttemptCount != 2 {
		t.Errorf("Expected MATCHED attempt 2, got %s/%d", sum.Status, sum.AttemptCount)
	}

	l := h.logRow(t)
	if l.ID != firstID {
		t.Errorf("Expected the same log row across attempts, got ids %d and %d", firstID, l.ID)
	}
	aff := h.reloadAffiliate(t)
	if !almostEqual(aff.TrustScore, 0.52) {
		t.Errorf("Expected trust 0.52 after two matches, got %f", aff.TrustScore)
	}
	if aff.TotalSubmissions != 2 || aff.AccurateSubmissions != 2 {
		t.Errorf("Expected counters 2/2, got %d/%d", aff.TotalSubmissions, aff.AccurateSubmissions)
	}
}

type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return f.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&flakyTx{Store: tx, parent: f})
	})
}

type flakyTx struct {
	store.Store
	parent *flakyStore
}

func (t *flakyTx) UpdateReconciliationLog(ctx context.Context, l *model.ReconciliationLog) error {
	if t.parent.failures > 0 {
		t.parent.failures--
		return store.ErrStaleData
	}
	return t.Store.UpdateReconciliationLog(ctx, l)
}

func TestRunRetriesOnceOnStaleData(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)

	flaky := &flakyStore{Store: h.store, failures: 1}
	eng := New(flaky, h.fetcher, h.queue, nil, config.Default(), zap.NewNop())
	eng.now = func() time.Time { return h.now }

	sum, err := eng.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Status != model.StatusMatched || sum.AttemptCount != 1 {
		t.Errorf("Expected MATCHED attempt 1 after the retry, got %s/%d", sum.Status, sum.AttemptCount)
	}

	// The first transaction rolled back, so trust moved exactly once.
	aff := h.reloadAffiliate(t)
	if !almostEqual(aff.TrustScore, 0.51) {
		t.Errorf("Expected trust applied once, got %f", aff.TrustScore)
	}
	if aff.TotalSubmissions != 1 || aff.AccurateSubmissions != 1 {
		t.Errorf("Expected counters 1/1, got %d/%d", aff.TotalSubmissions, aff.AccurateSubmissions)
	}
}

func TestRunGivesUpAfterSecondStaleFailure(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)

	flaky := &flakyStore{Store: h.store, failures: 2}
	eng := New(flaky, h.fetcher, h.queue, nil, config.Default(), zap.NewNop())
	eng.now = func() time.Time { return h.now }

	if _, err := eng.Run(context.Background(), h.report.ID); !errors.Is(err, store.ErrStaleData) {
		t.Errorf("Expected ErrStaleData after two losses, got %v", err)
	}
	aff := h.reloadAffiliate(t)
	if !almostEqual(aff.TrustScore, 0.5) || aff.TotalSubmissions != 0 {
		t.Errorf("Expected no trust movement after rollback, got %f with %d submissions", aff.TrustScore, aff.TotalSubmissions)
	}
}

func TestRunSuspiciousReportReenqueuesHighPriority(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	ctx := context.Background()

	ctr, threshold := 0.525, 0.35
	flagged := &model.AffiliateReport{
		PostID:             h.post.ID,
		ClaimedViews:       800,
		ClaimedClicks:      420,
		ClaimedConversions: 3,
		SubmissionMethod:   model.MethodAPI,
		SubmittedAt:        h.now,
		SuspicionFlags: map[string]model.SuspicionFlag{
			"click_through_rate_anomaly": {
				Value:     &ctr,
				Threshold: &threshold,
				Severity:  "HIGH",
				Message:   "CTR 52.5% exceeds plausible maximum",
			},
		},
	}
	if err := h.store.CreateAffiliateReport(ctx, flagged); err != nil {
		t.Fatalf("CreateAffiliateReport: %v", err)
	}
	h.fetcher.outcome = failedOutcome(fetch.CodeFetchError, "reddit: upstream timeout")

	sum, err := h.engine.Run(ctx, flagged.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.ScheduledRetryAt == nil {
		t.Fatal("Expected a retry to be scheduled")
	}
	if len(h.queue.jobs) != 1 {
		t.Fatalf("Expected 1 re-enqueued job, got %d", len(h.queue.jobs))
	}
	if h.queue.priorities[0] != model.PriorityHigh {
		t.Errorf("Expected a flagged report to retry at high priority, got %s", h.queue.priorities[0])
	}
	if h.queue.jobs[0].Priority != model.PriorityHigh {
		t.Errorf("Expected job priority high, got %s", h.queue.jobs[0].Priority)
	}
}

func TestRunEnqueueFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = failedOutcome(fetch.CodeFetchError, "reddit: upstream timeout")
	h.queue.fail = errors.New("queue closed")

	sum, err := h.engine.Run(context.Background(), h.report.ID)
	if err != nil {
		t.Fatalf("Expected the run to survive an enqueue failure, got %v", err)
	}
	if sum.Status != model.StatusMissingPlatform || sum.ScheduledRetryAt == nil {
		t.Errorf("Expected a missing status with a scheduled retry, got %s/%v", sum.Status, sum.ScheduledRetryAt)
	}
}

func TestRunPublishesCompletionEvent(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	h.fetcher.outcome = fullOutcome(100, 10, 1)

	if _, err := h.engine.Run(context.Background(), h.report.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ev := nextEvent(t, h.published)
	if ev.Type != events.TypeRunCompleted {
		t.Fatalf("Expected %s, got %s", events.TypeRunCompleted, ev.Type)
	}
	if ev.ReportID != h.report.ID || ev.PostID != h.post.ID || ev.AffiliateID != h.affiliate.ID {
		t.Errorf("Expected ids %d/%d/%d, got %d/%d/%d", h.report.ID, h.post.ID, h.affiliate.ID, ev.ReportID, ev.PostID, ev.AffiliateID)
	}
	if ev.Platform != "reddit" || ev.Status != string(model.StatusMatched) {
		t.Errorf("Expected reddit/MATCHED, got %s/%s", ev.Platform, ev.Status)
	}
	if !ev.At.Equal(h.now) {
		t.Errorf("Expected event time %v, got %v", h.now, ev.At)
	}
}

func TestRunUnknownReport(t *testing.T) {
	h := newHarness(t, 100, 10, 1, 0)
	if _, err := h.engine.Run(context.Background(), 4242); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
