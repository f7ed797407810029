package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/claimpilot/reconciler/model"
)

// querier is satisfied by both the pool and a pgx transaction, so one
// method set serves plain and transactional calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	log  *zap.Logger
}

func NewPostgres(ctx context.Context, connString string, log *zap.Logger) (*Postgres, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, q: pool, log: log}, nil
}

// InitSchema creates every table and index if missing.
func (s *Postgres) InitSchema(ctx context.Context) error {
	_, err := s.q.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// WithTx opens a transaction and passes a tx-backed view of the store
// to fn. Called on an already transactional view it joins the outer
// transaction.
func (s *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	txStore := &Postgres{pool: s.pool, q: tx, log: s.log}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Reconciliation reads ---

func (s *Postgres) LoadAffiliateReport(ctx context.Context, id int64) (*model.AffiliateReport, error) {
	query := `
		SELECT r.id, r.post_id, r.claimed_views, r.claimed_clicks, r.claimed_conversions,
		       r.submission_method, r.evidence_data, r.suspicion_flags, r.submitted_at,
		       p.id, p.campaign_id, p.platform_id, p.affiliate_id, p.url, p.title, p.is_reconciled, p.created_at,
		       pl.id, pl.name, pl.display_name, pl.is_active,
		       a.id, a.name, a.email, a.trust_score, a.accurate_submissions, a.total_submissions,
		       a.last_trust_update, a.is_active, a.created_at
		FROM affiliate_reports r
		JOIN posts p ON p.id = r.post_id
		JOIN platforms pl ON pl.id = p.platform_id
		JOIN affiliates a ON a.id = p.affiliate_id
		WHERE r.id = $1
	`
	var (
		r  model.AffiliateReport
		po model.Post
		pl model.Platform
		a  model.Affiliate
	)
	err := s.q.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.PostID, &r.ClaimedViews, &r.ClaimedClicks, &r.ClaimedConversions,
		&r.SubmissionMethod, &r.EvidenceData, &r.SuspicionFlags, &r.SubmittedAt,
		&po.ID, &po.CampaignID, &po.PlatformID, &po.AffiliateID, &po.URL, &po.Title, &po.IsReconciled, &po.CreatedAt,
		&pl.ID, &pl.Name, &pl.DisplayName, &pl.IsActive,
		&a.ID, &a.Name, &a.Email, &a.TrustScore, &a.AccurateSubmissions, &a.TotalSubmissions,
		&a.LastTrustUpdate, &a.IsActive, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	po.Platform = &pl
	po.Affiliate = &a
	r.Post = &po
	return &r, nil
}

func (s *Postgres) PreviousReportForPost(ctx context.Context, postID, beforeReportID int64) (*model.AffiliateReport, error) {
	query := `
		SELECT id, post_id, claimed_views, claimed_clicks, claimed_conversions,
		       submission_method, evidence_data, suspicion_flags, submitted_at
		FROM affiliate_reports
		WHERE post_id = $1 AND id < $2
		ORDER BY id DESC
		LIMIT 1
	`
	var r model.AffiliateReport
	err := s.q.QueryRow(ctx, query, postID, beforeReportID).Scan(
		&r.ID, &r.PostID, &r.ClaimedViews, &r.ClaimedClicks, &r.ClaimedConversions,
		&r.SubmissionMethod, &r.EvidenceData, &r.SuspicionFlags, &r.SubmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) PendingReportIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT r.id
		FROM affiliate_reports r
		JOIN posts p ON p.id = r.post_id
		LEFT JOIN reconciliation_logs l ON l.affiliate_report_id = r.id
		WHERE p.is_reconciled = FALSE
		  AND (l.id IS NULL OR l.status IN ($1, $2))
		ORDER BY r.id
		LIMIT $3
	`
	rows, err := s.q.Query(ctx, query, model.StatusMissingPlatform, model.StatusIncompletePlatform, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Postgres) LatestReportIDForPost(ctx context.Context, postID int64) (int64, error) {
	query := `
		SELECT id FROM affiliate_reports
		WHERE post_id = $1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	var id int64
	err := s.q.QueryRow(ctx, query, postID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// --- Reconciliation writes ---

func (s *Postgres) EnsureReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error) {
	insert := `
		INSERT INTO reconciliation_logs (affiliate_report_id, status, attempt_count)
		VALUES ($1, $2, 0)
		ON CONFLICT (affiliate_report_id) DO NOTHING
	`
	if _, err := s.q.Exec(ctx, insert, reportID, model.StatusMissingPlatform); err != nil {
		return nil, err
	}
	return s.GetReconciliationLog(ctx, reportID)
}

func (s *Postgres) GetReconciliationLog(ctx context.Context, reportID int64) (*model.ReconciliationLog, error) {
	query := `
		SELECT id, affiliate_report_id, platform_report_id, status, discrepancy_level,
		       views_discrepancy, clicks_discrepancy, conversions_discrepancy,
		       views_diff_pct, clicks_diff_pct, conversions_diff_pct, max_discrepancy_pct,
		       confidence_ratio, missing_fields, attempt_count, last_attempt_at,
		       scheduled_retry_at, rate_limited, error_code, error_message, trust_delta,
		       elapsed_hours_at_check, created_at, updated_at
		FROM reconciliation_logs
		WHERE affiliate_report_id = $1
	`
	var l model.ReconciliationLog
	err := s.q.QueryRow(ctx, query, reportID).Scan(
		&l.ID, &l.AffiliateReportID, &l.PlatformReportID, &l.Status, &l.DiscrepancyLevel,
		&l.ViewsDiscrepancy, &l.ClicksDiscrepancy, &l.ConversionsDiscrepancy,
		&l.ViewsDiffPct, &l.ClicksDiffPct, &l.ConversionsDiffPct, &l.MaxDiscrepancyPct,
		&l.ConfidenceRatio, &l.MissingFields, &l.AttemptCount, &l.LastAttemptAt,
		&l.ScheduledRetryAt, &l.RateLimited, &l.ErrorCode, &l.ErrorMessage, &l.TrustDelta,
		&l.ElapsedHoursAtCheck, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateReconciliationLog writes the whole row, guarded by the
// attempt count the caller started from. Zero rows affected means a
// concurrent attempt got there first.
func (s *Postgres) UpdateReconciliationLog(ctx context.Context, l *model.ReconciliationLog) error {
	query := `
		UPDATE reconciliation_logs SET
			platform_report_id = $2, status = $3, discrepancy_level = $4,
			views_discrepancy = $5, clicks_discrepancy = $6, conversions_discrepancy = $7,
			views_diff_pct = $8, clicks_diff_pct = $9, conversions_diff_pct = $10,
			max_discrepancy_pct = $11, confidence_ratio = $12, missing_fields = $13,
			attempt_count = $14, last_attempt_at = $15, scheduled_retry_at = $16,
			rate_limited = $17, error_code = $18, error_message = $19, trust_delta = $20,
			elapsed_hours_at_check = $21, updated_at = NOW()
		WHERE affiliate_report_id = $1 AND attempt_count = $22
	`
	tag, err := s.q.Exec(ctx, query,
		l.AffiliateReportID, l.PlatformReportID, l.Status, l.DiscrepancyLevel,
		l.ViewsDiscrepancy, l.ClicksDiscrepancy, l.ConversionsDiscrepancy,
		l.ViewsDiffPct, l.ClicksDiffPct, l.ConversionsDiffPct,
		l.MaxDiscrepancyPct, l.ConfidenceRatio, l.MissingFields,
		l.AttemptCount, l.LastAttemptAt, l.ScheduledRetryAt,
		l.RateLimited, l.ErrorCode, l.ErrorMessage, l.TrustDelta,
		l.ElapsedHoursAtCheck, l.AttemptCount-1,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleData
	}
	return nil
}

func (s *Postgres) InsertPlatformReport(ctx context.Context, pr *model.PlatformReport) (int64, error) {
	query := `
		INSERT INTO platform_reports (post_id, platform_id, views, clicks, conversions, raw_data, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.q.QueryRow(ctx, query,
		pr.PostID, pr.PlatformID, pr.Views, pr.Clicks, pr.Conversions, pr.RawData, pr.FetchedAt,
	).Scan(&pr.ID)
	if err != nil {
		return 0, err
	}
	return pr.ID, nil
}

func (s *Postgres) SaveSuspicionFlags(ctx context.Context, reportID int64, flags map[string]model.SuspicionFlag) error {
	query := `UPDATE affiliate_reports SET suspicion_flags = $2 WHERE id = $1`
	tag, err := s.q.Exec(ctx, query, reportID, flags)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ApplyTrustUpdate(ctx context.Context, affiliateID int64, score float64, at time.Time, accurate bool) error {
	query := `
		UPDATE affiliates SET
			trust_score = $2,
			last_trust_update = $3,
			total_submissions = total_submissions + 1,
			accurate_submissions = accurate_submissions + CASE WHEN $4 THEN 1 ELSE 0 END
		WHERE id = $1
	`
	tag, err := s.q.Exec(ctx, query, affiliateID, score, at, accurate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetPostReconciled(ctx context.Context, postID int64) error {
	tag, err := s.q.Exec(ctx, `UPDATE posts SET is_reconciled = TRUE WHERE id = $1`, postID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Alerts ---

// UpsertAlert inserts unless the log already has an alert. The bool
// reports whether a row was created.
func (s *Postgres) UpsertAlert(ctx context.Context, alert *model.Alert) (bool, error) {
	query := `
		INSERT INTO alerts (reconciliation_log_id, affiliate_id, platform_id, alert_type,
			severity, category, status, title, message, threshold_breached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reconciliation_log_id) DO NOTHING
		RETURNING id
	`
	err := s.q.QueryRow(ctx, query,
		alert.ReconciliationLogID, alert.AffiliateID, alert.PlatformID, alert.Type,
		alert.Severity, alert.Category, alert.Status, alert.Title, alert.Message,
		alert.ThresholdBreached, alert.CreatedAt,
	).Scan(&alert.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) CountRecentHighDiscrepancyAlerts(ctx context.Context, affiliateID, platformID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM alerts
		WHERE affiliate_id = $1 AND platform_id = $2
		  AND alert_type = $3 AND created_at >= $4
	`
	var count int
	err := s.q.QueryRow(ctx, query, affiliateID, platformID, model.AlertHighDiscrepancy, since).Scan(&count)
	return count, err
}

func (s *Postgres) GetAlertForLog(ctx context.Context, logID int64) (*model.Alert, error) {
	query := `
		SELECT id, reconciliation_log_id, affiliate_id, platform_id, alert_type, severity,
		       category, status, title, message, threshold_breached, created_at, resolved_at
		FROM alerts WHERE reconciliation_log_id = $1
	`
	var a model.Alert
	err := s.q.QueryRow(ctx, query, logID).Scan(
		&a.ID, &a.ReconciliationLogID, &a.AffiliateID, &a.PlatformID, &a.Type, &a.Severity,
		&a.Category, &a.Status, &a.Title, &a.Message, &a.ThresholdBreached, &a.CreatedAt, &a.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) ListAlerts(ctx context.Context, limit int) ([]*model.Alert, error) {
	query := `
		SELECT id, reconciliation_log_id, affiliate_id, platform_id, alert_type, severity,
		       category, status, title, message, threshold_breached, created_at, resolved_at
		FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1
	`
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(
			&a.ID, &a.ReconciliationLogID, &a.AffiliateID, &a.PlatformID, &a.Type, &a.Severity,
			&a.Category, &a.Status, &a.Title, &a.Message, &a.ThresholdBreached, &a.CreatedAt, &a.ResolvedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// --- Entity helpers ---

func (s *Postgres) CreateAffiliate(ctx context.Context, a *model.Affiliate) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO affiliates (name, email, trust_score, accurate_submissions, total_submissions, last_trust_update, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.q.QueryRow(ctx, query,
		a.Name, a.Email, a.TrustScore, a.AccurateSubmissions, a.TotalSubmissions,
		a.LastTrustUpdate, a.IsActive, a.CreatedAt,
	).Scan(&a.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Postgres) CreatePlatform(ctx context.Context, p *model.Platform) error {
	query := `
		INSERT INTO platforms (name, display_name, is_active)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	err := s.q.QueryRow(ctx, query, p.Name, p.DisplayName, p.IsActive).Scan(&p.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Postgres) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO campaigns (name, is_active, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return s.q.QueryRow(ctx, query, c.Name, c.IsActive, c.CreatedAt).Scan(&c.ID)
}

func (s *Postgres) CreatePost(ctx context.Context, p *model.Post) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO posts (campaign_id, platform_id, affiliate_id, url, title, is_reconciled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.q.QueryRow(ctx, query,
		p.CampaignID, p.PlatformID, p.AffiliateID, p.URL, p.Title, p.IsReconciled, p.CreatedAt,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Postgres) CreateAffiliateReport(ctx context.Context, r *model.AffiliateReport) error {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	if r.SubmissionMethod == "" {
		r.SubmissionMethod = model.MethodAPI
	}
	query := `
		INSERT INTO affiliate_reports (post_id, claimed_views, claimed_clicks, claimed_conversions, submission_method, evidence_data, suspicion_flags, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	return s.q.QueryRow(ctx, query,
		r.PostID, r.ClaimedViews, r.ClaimedClicks, r.ClaimedConversions,
		r.SubmissionMethod, r.EvidenceData, r.SuspicionFlags, r.SubmittedAt,
	).Scan(&r.ID)
}

func (s *Postgres) GetAffiliate(ctx context.Context, id int64) (*model.Affiliate, error) {
	query := `
		SELECT id, name, email, trust_score, accurate_submissions, total_submissions, last_trust_update, is_active, created_at
		FROM affiliates WHERE id = $1
	`
	var a model.Affiliate
	err := s.q.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Email, &a.TrustScore, &a.AccurateSubmissions,
		&a.TotalSubmissions, &a.LastTrustUpdate, &a.IsActive, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Postgres) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	query := `
		SELECT id, campaign_id, platform_id, affiliate_id, url, title, is_reconciled, created_at
		FROM posts WHERE id = $1
	`
	var p model.Post
	err := s.q.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.CampaignID, &p.PlatformID, &p.AffiliateID, &p.URL, &p.Title, &p.IsReconciled, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT id, name, is_active, created_at FROM campaigns WHERE id = $1`
	var c model.Campaign
	err := s.q.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) GetPlatformByName(ctx context.Context, name string) (*model.Platform, error) {
	query := `SELECT id, name, display_name, is_active FROM platforms WHERE name = $1`
	var p model.Platform
	err := s.q.QueryRow(ctx, query, name).Scan(&p.ID, &p.Name, &p.DisplayName, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
