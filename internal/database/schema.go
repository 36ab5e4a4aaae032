package database

// schemas maps database names to their embedded schema.
// All statements are idempotent so Migrate can run on every startup.
var schemas = map[string]string{
	"queue":   queueSchema,
	"history": historySchema,
	"config":  configSchema,
	"market":  marketSchema,
}

// queueSchema holds the live task queue. This database is the single source
// of truth for the status of any task that has not yet been evicted.
const queueSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    task_id           TEXT PRIMARY KEY,
    plugin_name       TEXT NOT NULL,
    task_type         TEXT NOT NULL,
    status            TEXT NOT NULL,
    progress          INTEGER NOT NULL DEFAULT 0,
    records_processed INTEGER NOT NULL DEFAULT 0,
    trade_dates       BLOB,
    error_message     TEXT,
    user_id           TEXT,
    created_at        INTEGER NOT NULL,
    started_at        INTEGER,
    completed_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_plugin ON tasks(plugin_name);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
`

// historySchema holds the append-only task audit trail and the rolling
// execution-record history.
const historySchema = `
CREATE TABLE IF NOT EXISTS task_history (
    task_id           TEXT PRIMARY KEY,
    plugin_name       TEXT NOT NULL,
    task_type         TEXT NOT NULL,
    status            TEXT NOT NULL,
    progress          INTEGER NOT NULL DEFAULT 0,
    records_processed INTEGER NOT NULL DEFAULT 0,
    trade_dates       BLOB,
    error_message     TEXT,
    user_id           TEXT,
    created_at        INTEGER NOT NULL,
    started_at        INTEGER,
    completed_at      INTEGER,
    archived_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_history_archived ON task_history(archived_at);
CREATE INDEX IF NOT EXISTS idx_task_history_plugin ON task_history(plugin_name);

CREATE TABLE IF NOT EXISTS execution_records (
    execution_id      TEXT PRIMARY KEY,
    trigger_type      TEXT NOT NULL,
    status            TEXT NOT NULL,
    started_at        INTEGER NOT NULL,
    completed_at      INTEGER,
    total_plugins     INTEGER NOT NULL DEFAULT 0,
    completed_plugins INTEGER NOT NULL DEFAULT 0,
    failed_plugins    INTEGER NOT NULL DEFAULT 0,
    task_ids          BLOB,
    skip_reason       TEXT,
    group_name        TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_records_started ON execution_records(started_at);
CREATE INDEX IF NOT EXISTS idx_execution_records_status ON execution_records(status);
`

// configSchema holds runtime-mutable settings (schedule, concurrency,
// per-plugin overrides) as key-value documents.
const configSchema = `
CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    description TEXT,
    updated_at  INTEGER NOT NULL
);
`

// marketSchema holds the trading calendar. Ingested data tables are created
// on demand from each plugin's declared schema.
const marketSchema = `
CREATE TABLE IF NOT EXISTS trade_calendar (
    cal_date TEXT NOT NULL,
    market   TEXT NOT NULL,
    is_open  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (cal_date, market)
);

CREATE INDEX IF NOT EXISTS idx_trade_calendar_market ON trade_calendar(market, cal_date);
`
