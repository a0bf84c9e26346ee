package store

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	config TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PLANNED',
	active INTEGER NOT NULL DEFAULT 1,
	workspace TEXT NOT NULL DEFAULT '',
	repo_slug TEXT NOT NULL DEFAULT '',
	repo_url TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT 'main',
	schedule TEXT NOT NULL DEFAULT '',
	test_output TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	last_execution_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

-- Exactly one active pipeline per repository at any time.
CREATE UNIQUE INDEX IF NOT EXISTS unique_active_pipeline_per_repo
	ON pipelines(repository_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS execution_runs (
	id TEXT PRIMARY KEY,
	pipeline_id INTEGER NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	trigger_kind TEXT NOT NULL DEFAULT 'manual',
	build_number INTEGER NOT NULL DEFAULT 0,
	remote_uuid TEXT NOT NULL DEFAULT '',
	commit_hash TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	rolled_back INTEGER NOT NULL DEFAULT 0,
	rollback_reason TEXT NOT NULL DEFAULT '',
	previous_run_id TEXT REFERENCES execution_runs(id),
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	duration_seconds INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_execution_runs_pipeline_id
	ON execution_runs(pipeline_id);
CREATE INDEX IF NOT EXISTS idx_execution_runs_started_at
	ON execution_runs(started_at DESC);
`
