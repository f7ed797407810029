// Package alerting turns finished reconciliation attempts into
// operator-facing alerts. At most one alert exists per reconciliation
// log; re-running a report never duplicates it.
package alerting

import (
	"context"
	"time"

	"github.com/claimpilot/reconciler/config"
	"github.com/claimpilot/reconciler/model"
	"github.com/claimpilot/reconciler/observability"
	"github.com/claimpilot/reconciler/store"
)

// Evaluate applies the alert rules to the updated log row and persists
// the resulting alert, if any. The returned bool reports whether a new
// row was created; false with a non-nil alert means the log already had
// one.
func Evaluate(ctx context.Context, st store.Store, cfg config.Alerting, now time.Time, l *model.ReconciliationLog, post *model.Post) (*model.Alert, bool, error) {
	alert := buildAlert(l, post, now)
	if alert == nil {
		return nil, false, nil
	}

	// Repeated high-discrepancy findings for the same affiliate and
	// platform inside the window escalate to CRITICAL.
	if l.Status == model.StatusDiscrepancyHigh {
		count, err := st.CountRecentHighDiscrepancyAlerts(ctx, post.AffiliateID, post.PlatformID, now.Add(-cfg.RepeatWindow))
		if err != nil {
			return nil, false, err
		}
		if count > 0 {
			alert.Severity = model.SeverityCritical
		}
	}

	created, err := st.UpsertAlert(ctx, alert)
	if err != nil {
		return nil, false, err
	}
	if created {
		observability.AlertsCreated.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	}
	return alert, created, nil
}

func buildAlert(l *model.ReconciliationLog, post *model.Post, now time.Time) *model.Alert {
	alert := model.Alert{
		ReconciliationLogID: l.ID,
		AffiliateID:         post.AffiliateID,
		PlatformID:          post.PlatformID,
		Status:              model.AlertOpen,
		CreatedAt:           now,
	}
	switch {
	case l.Status == model.StatusOverclaimed:
		alert.Type = model.AlertHighDiscrepancy
		alert.Category = model.CategoryFraud
		alert.Severity = model.SeverityHigh
		if l.DiscrepancyLevel != nil && *l.DiscrepancyLevel == model.LevelCritical {
			alert.Severity = model.SeverityCritical
		}
		alert.Title = "Affiliate overclaim detected"
		alert.Message = "Affiliate claimed metrics significantly exceed platform source-of-truth."
		alert.ThresholdBreached = discrepancyBreach(l)

	case l.Status == model.StatusDiscrepancyHigh:
		alert.Type = model.AlertHighDiscrepancy
		alert.Category = model.CategoryDataQuality
		alert.Severity = model.SeverityHigh
		alert.Title = "High discrepancy detected"
		alert.Message = "Large variance between claimed and platform metrics."
		alert.ThresholdBreached = discrepancyBreach(l)

	case l.Status == model.StatusMissingPlatform && l.ScheduledRetryAt == nil:
		// Retries exhausted; the report needs a human.
		alert.Type = model.AlertMissingData
		alert.Category = model.CategorySystemHealth
		alert.Severity = model.SeverityMedium
		alert.Title = "Platform data missing"
		alert.Message = "Platform data unavailable after retries; manual investigation required."
		alert.ThresholdBreached = map[string]any{"attempts": l.AttemptCount}

	default:
		return nil
	}
	return &alert
}

func discrepancyBreach(l *model.ReconciliationLog) map[string]any {
	breach := make(map[string]any, 2)
	if l.DiscrepancyLevel != nil {
		breach["discrepancy_level"] = string(*l.DiscrepancyLevel)
	}
	if l.MaxDiscrepancyPct != nil {
		breach["max_discrepancy_pct"] = *l.MaxDiscrepancyPct
	}
	return breach
}
