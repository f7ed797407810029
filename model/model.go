package model

import "time"

// Affiliate is a partner submitting claimed performance metrics.
type Affiliate struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Email               string     `json:"email"`
	TrustScore          float64    `json:"trust_score"`
	AccurateSubmissions int64      `json:"accurate_submissions"`
	TotalSubmissions    int64      `json:"total_submissions"`
	LastTrustUpdate     *time.Time `json:"last_trust_update,omitempty"`
	IsActive            bool       `json:"is_active"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Platform is a traffic source we can verify claims against.
type Platform struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"` // canonical lowercase: reddit, instagram, tiktok, youtube, x
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active"`
}

type Campaign struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Post is a single promoted placement. The (campaign, platform, url,
// affiliate) tuple is unique.
type Post struct {
	ID           int64     `json:"id"`
	CampaignID   int64     `json:"campaign_id"`
	PlatformID   int64     `json:"platform_id"`
	AffiliateID  int64     `json:"affiliate_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	IsReconciled bool      `json:"is_reconciled"`
	CreatedAt    time.Time `json:"created_at"`

	// Populated by loads that join related rows.
	Platform  *Platform  `json:"platform,omitempty"`
	Affiliate *Affiliate `json:"affiliate,omitempty"`
}

// AffiliateReport is a claimed-metrics submission for one post.
type AffiliateReport struct {
	ID                 int64                    `json:"id"`
	PostID             int64                    `json:"post_id"`
	ClaimedViews       int64                    `json:"claimed_views"`
	ClaimedClicks      int64                    `json:"claimed_clicks"`
	ClaimedConversions int64                    `json:"claimed_conversions"`
	SubmissionMethod   string                   `json:"submission_method"`
	EvidenceData       map[string]any           `json:"evidence_data,omitempty"`
	SuspicionFlags     map[string]SuspicionFlag `json:"suspicion_flags,omitempty"`
	SubmittedAt        time.Time                `json:"submitted_at"`

	Post *Post `json:"post,omitempty"`
}

// Suspicious reports whether any submission-time validator flagged the
// report.
func (r *AffiliateReport) Suspicious() bool {
	return len(r.SuspicionFlags) > 0
}

// HasEvidence reports whether the affiliate attached any supporting
// evidence (screenshots, analytics exports) to the submission.
func (r *AffiliateReport) HasEvidence() bool {
	return len(r.EvidenceData) > 0
}

// SuspicionFlag is one data-quality finding attached to a report at
// submission time. Ratio rules set Value/Threshold; history rules set
// Previous/Current.
type SuspicionFlag struct {
	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Previous  *int64   `json:"previous,omitempty"`
	Current   *int64   `json:"current,omitempty"`
	Severity  string   `json:"severity"`
	Message   string   `json:"message"`
}

// PlatformReport is the verified metric snapshot fetched from a platform.
// Metrics the platform did not return are stored as zero; RawData holds
// exactly what the adapter returned.
type PlatformReport struct {
	ID          int64            `json:"id"`
	PostID      int64            `json:"post_id"`
	PlatformID  int64            `json:"platform_id"`
	Views       int64            `json:"views"`
	Clicks      int64            `json:"clicks"`
	Conversions int64            `json:"conversions"`
	RawData     map[string]int64 `json:"raw_data,omitempty"`
	FetchedAt   time.Time        `json:"fetched_at"`
}

// ReconciliationLog is the single audit row per affiliate report (one log
// per report, updated across attempts).
type ReconciliationLog struct {
	ID                int64                `json:"id"`
	AffiliateReportID int64                `json:"affiliate_report_id"`
	PlatformReportID  *int64               `json:"platform_report_id,omitempty"`
	Status            ReconciliationStatus `json:"status"`
	DiscrepancyLevel  *DiscrepancyLevel    `json:"discrepancy_level,omitempty"`

	ViewsDiscrepancy       *int64   `json:"views_discrepancy,omitempty"`
	ClicksDiscrepancy      *int64   `json:"clicks_discrepancy,omitempty"`
	ConversionsDiscrepancy *int64   `json:"conversions_discrepancy,omitempty"`
	ViewsDiffPct           *float64 `json:"views_diff_pct,omitempty"`
	ClicksDiffPct          *float64 `json:"clicks_diff_pct,omitempty"`
	ConversionsDiffPct     *float64 `json:"conversions_diff_pct,omitempty"`
	MaxDiscrepancyPct      *float64 `json:"max_discrepancy_pct,omitempty"`

	ConfidenceRatio     float64    `json:"confidence_ratio"`
	MissingFields       []string   `json:"missing_fields,omitempty"`
	AttemptCount        int        `json:"attempt_count"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	ScheduledRetryAt    *time.Time `json:"scheduled_retry_at,omitempty"`
	RateLimited         bool       `json:"rate_limited"`
	ErrorCode           *string    `json:"error_code,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	TrustDelta          *float64   `json:"trust_delta,omitempty"`
	ElapsedHoursAtCheck float64    `json:"elapsed_hours_at_check"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Alert is an operator-facing finding raised by the alerting rules. At
// most one alert exists per reconciliation log.
type Alert struct {
	ID                  int64          `json:"id"`
	ReconciliationLogID int64          `json:"reconciliation_log_id"`
	AffiliateID         int64          `json:"affiliate_id"`
	PlatformID          int64          `json:"platform_id"`
	Type                AlertType      `json:"alert_type"`
	Severity            AlertSeverity  `json:"severity"`
	Category            AlertCategory  `json:"category"`
	Status              AlertStatus    `json:"status"`
	Title               string         `json:"title"`
	Message             string         `json:"message"`
	ThresholdBreached   map[string]any `json:"threshold_breached,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}
