package vantagedb

// Parent tables are range-partitioned by month on their time column so that
// retention is cheap partition drops where possible and deletes otherwise.
const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id                 BIGINT GENERATED ALWAYS AS IDENTITY,
	timestamp          BIGINT NOT NULL,
	service_name       TEXT NOT NULL,
	metric_name        TEXT NOT NULL,
	metric_type        TEXT NOT NULL,
	value              DOUBLE PRECISION NOT NULL,
	tags               JSONB,
	endpoint           TEXT,
	method             TEXT,
	status_code        INT,
	duration_ms        DOUBLE PRECISION,
	error              TEXT,
	trace_id           TEXT,
	span_id            TEXT,
	aggregated         BOOLEAN NOT NULL DEFAULT FALSE,
	resolution_minutes INT,
	min_value          DOUBLE PRECISION,
	max_value          DOUBLE PRECISION,
	p50                DOUBLE PRECISION,
	p95                DOUBLE PRECISION,
	p99                DOUBLE PRECISION,
	sample_count       INT,
	error_count        INT
) PARTITION BY RANGE (timestamp);

CREATE INDEX IF NOT EXISTS idx_metrics_series ON metrics (service_name, metric_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_aggregated ON metrics (aggregated, timestamp);
CREATE INDEX IF NOT EXISTS idx_metrics_trace ON metrics (trace_id) WHERE trace_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS traces (
	trace_id     TEXT NOT NULL,
	service_name TEXT NOT NULL,
	start_time   BIGINT NOT NULL,
	end_time     BIGINT,
	duration_ms  DOUBLE PRECISION,
	span_count   INT NOT NULL DEFAULT 0,
	has_error    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (trace_id, start_time)
) PARTITION BY RANGE (start_time);

CREATE INDEX IF NOT EXISTS idx_traces_service ON traces (service_name, start_time);

CREATE TABLE IF NOT EXISTS spans (
	span_id        TEXT NOT NULL,
	trace_id       TEXT NOT NULL,
	parent_span_id TEXT,
	service_name   TEXT NOT NULL,
	operation      TEXT NOT NULL,
	start_time     BIGINT NOT NULL,
	duration_ms    DOUBLE PRECISION NOT NULL,
	status_code    INT,
	error          TEXT,
	tags           JSONB
) PARTITION BY RANGE (start_time);

CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (trace_id, start_time);
CREATE INDEX IF NOT EXISTS idx_spans_parent ON spans (parent_span_id);

CREATE TABLE IF NOT EXISTS alerts (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	service_name    TEXT NOT NULL,
	metric_name     TEXT NOT NULL,
	severity        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'firing',
	message         TEXT NOT NULL,
	value           DOUBLE PRECISION NOT NULL,
	threshold_low   DOUBLE PRECISION NOT NULL,
	threshold_high  DOUBLE PRECISION NOT NULL,
	first_triggered TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_triggered  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ,
	trigger_count   INT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_alerts_service ON alerts (service_name, status);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status, last_triggered);

CREATE TABLE IF NOT EXISTS query_log (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	service_name TEXT,
	metric_name  TEXT,
	source       TEXT NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_query_log_series ON query_log (service_name, metric_name, timestamp);
`
