package store

// migrations is an ordered list of idempotent DDL statements, applied
// inside one transaction at startup — the same "ordered CREATE TABLE IF
// NOT EXISTS list run under one tx" pattern as the reference database
// layer's Migrate.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE,
		privileges TEXT NOT NULL DEFAULT '[]',
		time_create TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		required_privilege TEXT NOT NULL DEFAULT '',
		redirect_to TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS factories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		token TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		bootstrap TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		factory TEXT NOT NULL,
		target TEXT NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		recycle INTEGER NOT NULL DEFAULT 0,
		lastping TEXT,
		job TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		target_requested TEXT NOT NULL,
		target_resolved TEXT NOT NULL,
		waiting INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		worker TEXT NOT NULL DEFAULT '',
		fail_message TEXT NOT NULL DEFAULT '',
		time_create TEXT NOT NULL,
		CHECK (complete IN (0,1)),
		CHECK (waiting IN (0,1))
	)`,
	`CREATE TABLE IF NOT EXISTS job_times (
		job TEXT NOT NULL,
		phase TEXT NOT NULL,
		time TEXT NOT NULL,
		PRIMARY KEY (job, phase)
	)`,
	`CREATE TABLE IF NOT EXISTS job_tags (
		job TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (job, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		job TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		script TEXT NOT NULL,
		env TEXT NOT NULL DEFAULT '{}',
		env_clear INTEGER NOT NULL DEFAULT 0,
		uid INTEGER,
		gid INTEGER,
		workdir TEXT NOT NULL DEFAULT '',
		complete INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS output_rules (
		job TEXT NOT NULL,
		seq INTEGER NOT NULL,
		rule TEXT NOT NULL,
		ignore_rule INTEGER NOT NULL DEFAULT 0,
		require_match INTEGER NOT NULL DEFAULT 0,
		size_change_ok INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		job TEXT NOT NULL,
		seq INTEGER NOT NULL,
		task INTEGER,
		stream TEXT NOT NULL,
		time TEXT NOT NULL,
		time_remote TEXT,
		payload TEXT NOT NULL,
		PRIMARY KEY (job, seq),
		CHECK (stream IN ('stdout','stderr','task','worker','control','console'))
	)`,
	`CREATE TABLE IF NOT EXISTS job_files (
		job TEXT NOT NULL,
		file_id TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (job, file_id)
	)`,
	`CREATE TABLE IF NOT EXISTS job_inputs (
		job TEXT NOT NULL,
		name TEXT NOT NULL,
		file_id TEXT NOT NULL,
		PRIMARY KEY (job, name)
	)`,
	`CREATE TABLE IF NOT EXISTS job_outputs (
		job TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		file_id TEXT NOT NULL,
		series TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job, path)
	)`,
	`CREATE TABLE IF NOT EXISTS dependencies (
		job TEXT NOT NULL,
		name TEXT NOT NULL,
		prior_job TEXT NOT NULL,
		copy_outputs INTEGER NOT NULL DEFAULT 0,
		on_completed INTEGER NOT NULL DEFAULT 0,
		on_failed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job, name)
	)`,
	`CREATE TABLE IF NOT EXISTS job_store (
		job TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		secret INTEGER NOT NULL DEFAULT 0,
		time_update TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (waiting, complete, worker)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_target ON workers (target, deleted, job)`,
}
