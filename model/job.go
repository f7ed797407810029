package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReconciliationJob is the unit of work carried by the queue. Jobs are
// value types so queue backends can serialize them freely.
type ReconciliationJob struct {
	AffiliateReportID int64     `json:"affiliate_report_id"`
	Priority          string    `json:"priority"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	CorrelationID     string    `json:"correlation_id"`
}

// NewReconciliationJob stamps a job with a fresh correlation ID.
func NewReconciliationJob(reportID int64, priority string, scheduledAt time.Time) ReconciliationJob {
	return ReconciliationJob{
		AffiliateReportID: reportID,
		Priority:          priority,
		ScheduledAt:       scheduledAt,
		CorrelationID:     uuid.NewString(),
	}
}

// Key returns a stable identity for dedup and log correlation.
func (j ReconciliationJob) Key() string {
	return fmt.Sprintf("rec:%d", j.AffiliateReportID)
}
