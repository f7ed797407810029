package store

const schema = `
CREATE TABLE IF NOT EXISTS affiliates (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL UNIQUE,
    trust_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    accurate_submissions BIGINT NOT NULL DEFAULT 0,
    total_submissions BIGINT NOT NULL DEFAULT 0,
    last_trust_update TIMESTAMPTZ,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS platforms (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS campaigns (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS posts (
    id BIGSERIAL PRIMARY KEY,
    campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
    platform_id BIGINT NOT NULL REFERENCES platforms(id),
    affiliate_id BIGINT NOT NULL REFERENCES affiliates(id),
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    is_reconciled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (campaign_id, platform_id, url, affiliate_id)
);

CREATE TABLE IF NOT EXISTS affiliate_reports (
    id BIGSERIAL PRIMARY KEY,
    post_id BIGINT NOT NULL REFERENCES posts(id),
    claimed_views BIGINT NOT NULL DEFAULT 0,
    claimed_clicks BIGINT NOT NULL DEFAULT 0,
    claimed_conversions BIGINT NOT NULL DEFAULT 0,
    submission_method TEXT NOT NULL DEFAULT 'API',
    evidence_data JSONB,
    suspicion_flags JSONB,
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS platform_reports (
    id BIGSERIAL PRIMARY KEY,
    post_id BIGINT NOT NULL REFERENCES posts(id),
    platform_id BIGINT NOT NULL REFERENCES platforms(id),
    views BIGINT NOT NULL DEFAULT 0,
    clicks BIGINT NOT NULL DEFAULT 0,
    conversions BIGINT NOT NULL DEFAULT 0,
    raw_data JSONB,
    fetched_at TIMESTAMPTZ NOT NULL
);

-- One log per affiliate report; attempts update the row in place.
CREATE TABLE IF NOT EXISTS reconciliation_logs (
    id BIGSERIAL PRIMARY KEY,
    affiliate_report_id BIGINT NOT NULL UNIQUE REFERENCES affiliate_reports(id),
    platform_report_id BIGINT REFERENCES platform_reports(id),
    status TEXT NOT NULL,
    discrepancy_level TEXT,
    views_discrepancy BIGINT,
    clicks_discrepancy BIGINT,
    conversions_discrepancy BIGINT,
    views_diff_pct DOUBLE PRECISION,
    clicks_diff_pct DOUBLE PRECISION,
    conversions_diff_pct DOUBLE PRECISION,
    max_discrepancy_pct DOUBLE PRECISION,
    confidence_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    missing_fields JSONB,
    attempt_count INT NOT NULL DEFAULT 0,
    last_attempt_at TIMESTAMPTZ,
    scheduled_retry_at TIMESTAMPTZ,
    rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
    error_code TEXT,
    error_message TEXT,
    trust_delta DOUBLE PRECISION,
    elapsed_hours_at_check DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- One alert per reconciliation log.
CREATE TABLE IF NOT EXISTS alerts (
    id BIGSERIAL PRIMARY KEY,
    reconciliation_log_id BIGINT NOT NULL UNIQUE REFERENCES reconciliation_logs(id),
    affiliate_id BIGINT NOT NULL REFERENCES affiliates(id),
    platform_id BIGINT NOT NULL REFERENCES platforms(id),
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    category TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    title TEXT NOT NULL,
    message TEXT NOT NULL,
    threshold_breached JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_posts_affiliate ON posts(affiliate_id);
CREATE INDEX IF NOT EXISTS idx_reports_post ON affiliate_reports(post_id);
CREATE INDEX IF NOT EXISTS idx_platform_reports_post ON platform_reports(post_id);
CREATE INDEX IF NOT EXISTS idx_logs_status ON reconciliation_logs(status);
CREATE INDEX IF NOT EXISTS idx_alerts_affiliate_platform ON alerts(affiliate_id, platform_id, created_at);
`
