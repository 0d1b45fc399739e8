package database

// Schema contains all SQL statements for creating the tables and indexes
// owned by this service. The product event tables (conversion_events, users,
// identity_links) are owned by the main application and only read here.
const Schema = `
-- Daily user snapshots: one row per (UTC day, segment) holding the distinct
-- canonical identity set for that day
CREATE TABLE IF NOT EXISTS daily_user_snapshots (
    metric_date TEXT NOT NULL,  -- YYYY-MM-DD, UTC day
    segment TEXT NOT NULL,

    -- Snapshot payload
    user_ids TEXT NOT NULL,     -- JSON array of canonical identities
    user_count INTEGER NOT NULL,

    -- Metadata
    computed_at INTEGER NOT NULL,

    PRIMARY KEY (metric_date, segment)
);

-- Metric snapshots: one row per reporting period with the headline figures
CREATE TABLE IF NOT EXISTS metric_snapshots (
    period_type TEXT NOT NULL,  -- e.g. "weekly"
    period_key TEXT NOT NULL,   -- e.g. ISO week "2026-W35"
    period_start TEXT NOT NULL, -- RFC 3339
    period_end TEXT NOT NULL,   -- RFC 3339, exclusive

    -- Acquisition
    new_signups INTEGER NOT NULL DEFAULT 0,
    new_trials INTEGER NOT NULL DEFAULT 0,
    new_paying_subscribers INTEGER NOT NULL DEFAULT 0,

    -- Engagement
    wau INTEGER NOT NULL DEFAULT 0,
    activation_rate REAL NOT NULL DEFAULT 0,
    d7_retention REAL,

    -- Revenue
    trial_to_paid_conversion_rate REAL NOT NULL DEFAULT 0,
    mrr REAL NOT NULL DEFAULT 0,
    active_subscribers INTEGER NOT NULL DEFAULT 0,
    churn_rate REAL NOT NULL DEFAULT 0,

    -- Ancillary figures (JSON)
    extras TEXT,

    -- Metadata
    created_at INTEGER NOT NULL,

    PRIMARY KEY (period_type, period_key)
);

CREATE INDEX IF NOT EXISTS idx_metric_snapshots_start
    ON metric_snapshots(period_type, period_start DESC);

CREATE INDEX IF NOT EXISTS idx_daily_user_snapshots_segment
    ON daily_user_snapshots(segment, metric_date);
`
