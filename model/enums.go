package model

// Enum string values below are stable wire identifiers. They are persisted
// and exposed verbatim; renaming one is a breaking change.

// ReconciliationStatus is the terminal or provisional outcome of a
// reconciliation attempt.
type ReconciliationStatus string

const (
	StatusMatched            ReconciliationStatus = "MATCHED"
	StatusDiscrepancyLow     ReconciliationStatus = "DISCREPANCY_LOW"
	StatusDiscrepancyMedium  ReconciliationStatus = "DISCREPANCY_MEDIUM"
	StatusDiscrepancyHigh    ReconciliationStatus = "DISCREPANCY_HIGH"
	StatusOverclaimed        ReconciliationStatus = "AFFILIATE_OVERCLAIMED"
	StatusMissingPlatform    ReconciliationStatus = "MISSING_PLATFORM_DATA"
	StatusIncompletePlatform ReconciliationStatus = "INCOMPLETE_PLATFORM_DATA"

	// Reserved statuses. Defined for forward compatibility; no engine path
	// currently produces them.
	StatusUnverifiable     ReconciliationStatus = "UNVERIFIABLE"
	StatusSkippedSuspended ReconciliationStatus = "SKIPPED_SUSPENDED"
)

// DiscrepancyLevel grades how far claimed metrics sit from platform truth.
type DiscrepancyLevel string

const (
	LevelLow      DiscrepancyLevel = "LOW"
	LevelMedium   DiscrepancyLevel = "MEDIUM"
	LevelHigh     DiscrepancyLevel = "HIGH"
	LevelCritical DiscrepancyLevel = "CRITICAL"
)

// TrustEvent names a trust-score transition cause.
type TrustEvent string

const (
	TrustPerfectMatch      TrustEvent = "PERFECT_MATCH"
	TrustMinorDiscrepancy  TrustEvent = "MINOR_DISCREPANCY"
	TrustMediumDiscrepancy TrustEvent = "MEDIUM_DISCREPANCY"
	TrustHighDiscrepancy   TrustEvent = "HIGH_DISCREPANCY"
	TrustOverclaim         TrustEvent = "OVERCLAIM"

	// Reserved events, configured but not emitted by the classifier.
	TrustImpossibleSubmission TrustEvent = "IMPOSSIBLE_SUBMISSION"
	TrustManualAdjust         TrustEvent = "MANUAL_ADJUST"
)

type AlertType string

const (
	AlertHighDiscrepancy AlertType = "HIGH_DISCREPANCY"
	AlertMissingData     AlertType = "MISSING_DATA"
	AlertSuspiciousClaim AlertType = "SUSPICIOUS_CLAIM"
	AlertSystemError     AlertType = "SYSTEM_ERROR"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "LOW"
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

type AlertCategory string

const (
	CategoryDataQuality  AlertCategory = "DATA_QUALITY"
	CategoryFraud        AlertCategory = "FRAUD"
	CategorySystemHealth AlertCategory = "SYSTEM_HEALTH"
)

type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertResolved AlertStatus = "RESOLVED"
)

// Queue priority labels, lowest numeric value first.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Submission channels.
const (
	MethodAPI     = "API"
	MethodDiscord = "DISCORD"
)
