// Package store persists the reconciliation domain: affiliates,
// campaigns, posts, claimed and verified reports, audit logs, and
// alerts. Two implementations exist, Postgres for production and
// Memory for tests and single-node demo runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/claimpilot/reconciler/model"
)

var (
	// ErrNotFound marks a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleData marks a guarded update that lost to a concurrent
	// writer. Callers reload and retry or give up.
	ErrStaleData = errors.New("stale data: row changed concurrently")

	// ErrDuplicate marks an insert that violates a uniqueness rule,
	// such as resubmitting the same post URL for a campaign.
	ErrDuplicate = errors.New("duplicate row")
)

// Store is the persistence boundary of the reconciler. Methods called
// from inside WithTx observe and join the surrounding transaction.
type Store interface {
	// Reconciliation reads.
	LoadAffiliateReport(ctx context.Context, id int64) (*model.AffiliateReport, error)
	PreviousReportForPost(ctx context.Context, postID, beforeReportID int64) (*model.AffiliateReport, error)
	PendingReportIDs(ctx context.Context, limit int) ([]int64, error)
	LatestReportIDForPost(ctx context.Context, postID int64) (int64, error)

	// Reconciliation writes.
	EnsureReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error)
	UpdateReconciliationLog(ctx context.Context, log *model.ReconciliationLog) error
	InsertPlatformReport(ctx context.Context, pr *model.PlatformReport) (int64, error)
	SaveSuspicionFlags(ctx context.Context, reportID int64, flags map[string]model.SuspicionFlag) error
	ApplyTrustUpdate(ctx context.Context, affiliateID int64, score float64, at time.Time, accurate bool) error
	SetPostReconciled(ctx context.Context, postID int64) error

	// Alerts.
	UpsertAlert(ctx context.Context, alert *model.Alert) (bool, error)
	CountRecentHighDiscrepancyAlerts(ctx context.Context, affiliateID, platformID int64, since time.Time) (int, error)
	GetAlertForLog(ctx context.Context, logID int64) (*model.Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error)

	// Entity creation and lookups used by intake, seeding, and tests.
	CreateAffiliate(ctx context.Context, a *model.Affiliate) error
	CreatePlatform(ctx context.Context, p *model.Platform) error
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	CreatePost(ctx context.Context, p *model.Post) error
	CreateAffiliateReport(ctx context.Context, r *model.AffiliateReport) error
	GetAffiliate(ctx context.Context, id int64) (*model.Affiliate, error)
	GetPost(ctx context.Context, id int64) (*model.Post, error)
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	GetPlatformByName(ctx context.Context, name string) (*model.Platform, error)
	GetReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error)

	// WithTx runs fn against a transactional view of the store. An
	// error from fn discards every write made through that view.
	WithTx(ctx context.Context, fn func(Store) error) error
}
