package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/pkg/buildomat"
)

// JobCreateInput bundles everything needed to atomically create a job and
// its children. Validation (task/input/tag ceilings, output rule grammar,
// target resolution) happens in package lifecycle before this is called.
type JobCreateInput struct {
	Owner           string
	Name            string
	TargetRequested string
	TargetResolved  string
	Tasks           []buildomat.Task
	OutputRules     []buildomat.OutputRule
	Dependencies    []buildomat.Dependency
	Inputs          []string // declared but not-yet-committed input names
	Tags            map[string]string
}

// JobCreate atomically creates a Job plus its Tasks, OutputRules,
// Dependencies and declared input names. Jobs begin waiting=true if they
// have declared inputs still to commit, or unresolved dependencies (the
// assignment loop evaluates and clears these on its next iteration, per
// the example scenario of a job submitted depending on another still
// running); otherwise they begin queued (waiting=false).
func (s *Store) JobCreate(ctx context.Context, in JobCreateInput) (*buildomat.Job, error) {
	job := &buildomat.Job{
		ID:              ids.New(),
		Owner:           in.Owner,
		Name:            in.Name,
		TargetRequested: in.TargetRequested,
		TargetResolved:  in.TargetResolved,
		Waiting:         len(in.Inputs) > 0 || len(in.Dependencies) > 0,
		Tags:            in.Tags,
		Times:           map[string]time.Time{"submit": time.Now().UTC()},
		TimeCreate:      time.Now().UTC(),
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, owner, name, target_requested, target_resolved, waiting, time_create)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Owner, job.Name, job.TargetRequested, job.TargetResolved,
			boolToInt(job.Waiting), formatTime(job.TimeCreate),
		); err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_times (job, phase, time) VALUES (?, 'submit', ?)`,
			job.ID, formatTime(job.Times["submit"]),
		); err != nil {
			return fmt.Errorf("inserting submit time: %w", err)
		}

		for name, value := range in.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_tags (job, name, value) VALUES (?, ?, ?)`,
				job.ID, name, value,
			); err != nil {
				return fmt.Errorf("inserting tag: %w", err)
			}
		}

		for _, t := range in.Tasks {
			env, err := json.Marshal(t.Env)
			if err != nil {
				return fmt.Errorf("marshalling task env: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (job, seq, name, script, env, env_clear, uid, gid, workdir)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				job.ID, t.Seq, t.Name, t.Script, string(env), boolToInt(t.EnvClear),
				toNullInt(t.UID), toNullInt(t.GID), t.Workdir,
			); err != nil {
				return fmt.Errorf("inserting task: %w", err)
			}
		}

		for _, r := range in.OutputRules {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO output_rules (job, seq, rule, ignore_rule, require_match, size_change_ok)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				job.ID, r.Seq, r.Rule, boolToInt(r.Ignore), boolToInt(r.RequireMatch), boolToInt(r.SizeChangeOK),
			); err != nil {
				return fmt.Errorf("inserting output rule: %w", err)
			}
		}

		for _, d := range in.Dependencies {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dependencies (job, name, prior_job, copy_outputs, on_completed, on_failed)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				job.ID, d.Name, d.PriorJob, boolToInt(d.CopyOutputs), boolToInt(d.OnCompleted), boolToInt(d.OnFailed),
			); err != nil {
				return fmt.Errorf("inserting dependency: %w", err)
			}
		}

		for _, name := range in.Inputs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO job_inputs (job, name, file_id) VALUES (?, ?, '')`,
				job.ID, name,
			); err != nil {
				return fmt.Errorf("inserting declared input: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return job, nil
}

func (s *Store) JobByID(ctx context.Context, id string) (*buildomat.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, target_requested, target_resolved, waiting, complete, failed,
		        cancelled, archived, worker, fail_message, time_create
		 FROM jobs WHERE id = ?`, id)

	job := &buildomat.Job{Times: map[string]time.Time{}, Tags: map[string]string{}}
	var waiting, complete, failed, cancelled, archived int
	var timeCreate string
	if err := row.Scan(&job.ID, &job.Owner, &job.Name, &job.TargetRequested, &job.TargetResolved,
		&waiting, &complete, &failed, &cancelled, &archived, &job.Worker, &job.FailMessage, &timeCreate); err != nil {
		if err == sql.ErrNoRows {
			return nil, berrors.NotFoundf("job %s not found", id)
		}
		return nil, berrors.Internalf(err)
	}
	job.Waiting = waiting != 0
	job.Complete = complete != 0
	job.Failed = failed != 0
	job.Cancelled = cancelled != 0
	job.Archived = archived != 0
	if tc, err := parseTime(timeCreate); err == nil {
		job.TimeCreate = tc
	}

	times, err := s.jobTimesTx(ctx, s.db, id)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	job.Times = times

	tags, err := s.jobTagsTx(ctx, s.db, id)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	job.Tags = tags

	return job, nil
}

// JobsForUser lists every job owned by owner, most recently created first.
func (s *Store) JobsForUser(ctx context.Context, owner string) ([]*buildomat.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE owner = ? ORDER BY time_create DESC`, owner)
	if err != nil {
		return nil, berrors.Internalf(fmt.Errorf("listing jobs for user: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, berrors.Internalf(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, berrors.Internalf(err)
	}

	jobs := make([]*buildomat.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.JobByID(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) jobTimesTx(ctx context.Context, q querier, job string) (map[string]time.Time, error) {
	rows, err := q.QueryContext(ctx, `SELECT phase, time FROM job_times WHERE job = ?`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var phase, t string
		if err := rows.Scan(&phase, &t); err != nil {
			return nil, err
		}
		parsed, err := parseTime(t)
		if err != nil {
			continue
		}
		out[phase] = parsed
	}
	return out, rows.Err()
}

func (s *Store) jobTagsTx(ctx context.Context, q querier, job string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, value FROM job_tags WHERE job = ?`, job)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// JobTimes returns the phase->timestamp map for a job.
func (s *Store) JobTimes(ctx context.Context, job string) (map[string]time.Time, error) {
	t, err := s.jobTimesTx(ctx, s.db, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return t, nil
}

// JobTags returns the tag map for a job.
func (s *Store) JobTags(ctx context.Context, job string) (map[string]string, error) {
	t, err := s.jobTagsTx(ctx, s.db, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return t, nil
}

// JobTasks returns all tasks for a job in seq order.
func (s *Store) JobTasks(ctx context.Context, job string) ([]buildomat.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, name, script, env, env_clear, uid, gid, workdir, complete, failed
		 FROM tasks WHERE job = ? ORDER BY seq ASC`, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.Task
	for rows.Next() {
		var t buildomat.Task
		var env string
		var envClear, complete, failed int
		var uid, gid sql.NullInt64
		t.Job = job
		if err := rows.Scan(&t.Seq, &t.Name, &t.Script, &env, &envClear, &uid, &gid, &t.Workdir, &complete, &failed); err != nil {
			return nil, berrors.Internalf(err)
		}
		_ = json.Unmarshal([]byte(env), &t.Env)
		t.EnvClear = envClear != 0
		t.Complete = complete != 0
		t.Failed = failed != 0
		t.UID = fromNullInt(uid)
		t.GID = fromNullInt(gid)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskComplete marks one task of job as finished. Idempotent: completing
// an already-complete task is a no-op rather than an error, since a
// worker may retry its final status report after a dropped connection.
func (s *Store) TaskComplete(ctx context.Context, job string, seq int, failed bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET complete = 1, failed = ? WHERE job = ? AND seq = ? AND complete = 0`,
		boolToInt(failed), job, seq,
	)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// JobOutputRules returns all output rules for a job in seq order.
func (s *Store) JobOutputRules(ctx context.Context, job string) ([]buildomat.OutputRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, rule, ignore_rule, require_match, size_change_ok
		 FROM output_rules WHERE job = ? ORDER BY seq ASC`, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.OutputRule
	for rows.Next() {
		var r buildomat.OutputRule
		var ignore, require, sizeChange int
		r.Job = job
		if err := rows.Scan(&r.Seq, &r.Rule, &ignore, &require, &sizeChange); err != nil {
			return nil, berrors.Internalf(err)
		}
		r.Ignore = ignore != 0
		r.RequireMatch = require != 0
		r.SizeChangeOK = sizeChange != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// JobDependencies returns all dependency declarations for a job.
func (s *Store) JobDependencies(ctx context.Context, job string) ([]buildomat.Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, prior_job, copy_outputs, on_completed, on_failed
		 FROM dependencies WHERE job = ?`, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.Dependency
	for rows.Next() {
		var d buildomat.Dependency
		var copyOut, onCompleted, onFailed int
		d.Job = job
		if err := rows.Scan(&d.Name, &d.PriorJob, &copyOut, &onCompleted, &onFailed); err != nil {
			return nil, berrors.Internalf(err)
		}
		d.CopyOutputs = copyOut != 0
		d.OnCompleted = onCompleted != 0
		d.OnFailed = onFailed != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// JobEvents returns events with seq >= minseq, ascending.
func (s *Store) JobEvents(ctx context.Context, job string, minseq int) ([]buildomat.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, task, stream, time, time_remote, payload
		 FROM job_events WHERE job = ? AND seq >= ? ORDER BY seq ASC`, job, minseq)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.JobEvent
	for rows.Next() {
		var e buildomat.JobEvent
		var task sql.NullInt64
		var t, payload string
		var timeRemote sql.NullString
		e.Job = job
		if err := rows.Scan(&e.Seq, &task, &e.Stream, &t, &timeRemote, &payload); err != nil {
			return nil, berrors.Internalf(err)
		}
		e.Task = fromNullInt(task)
		e.Payload = payload
		if parsed, err := parseTime(t); err == nil {
			e.Time = parsed
		}
		if timeRemote.Valid {
			if parsed, err := parseTime(timeRemote.String); err == nil {
				e.TimeRemote = &parsed
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobEventAppend assigns the next gap-free seq for job and inserts the
// event under one transaction, per the ordering guarantee in spec.md §5:
// sequence numbers are assigned under the write lock and are total per
// job. Rejects appends to archived jobs.
func (s *Store) JobEventAppend(ctx context.Context, job string, task *int, stream buildomat.EventStream, payload string, t time.Time, timeRemote *time.Time) (int, error) {
	var seq int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var archived int
		if err := tx.QueryRowContext(ctx, `SELECT archived FROM jobs WHERE id = ?`, job).Scan(&archived); err != nil {
			if err == sql.ErrNoRows {
				return berrors.NotFoundf("job %s not found", job)
			}
			return fmt.Errorf("checking archived: %w", err)
		}
		if archived != 0 {
			return berrors.Conflictf("job %s is archived", job)
		}

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM job_events WHERE job = ?`, job).Scan(&maxSeq); err != nil {
			return fmt.Errorf("finding max seq: %w", err)
		}
		seq = 0
		if maxSeq.Valid {
			seq = int(maxSeq.Int64) + 1
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_events (job, seq, task, stream, time, time_remote, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job, seq, toNullInt(task), string(stream), formatTime(t), nullableTime(timeRemote), payload,
		); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return seq, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// JobOutputAdd records a committed output file against path, optionally
// already published.
func (s *Store) JobOutputAdd(ctx context.Context, job, path string, size int64, fileID string) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_outputs (job, path, size, file_id) VALUES (?, ?, ?, ?)
			 ON CONFLICT(job, path) DO UPDATE SET size = excluded.size, file_id = excluded.file_id`,
			job, path, size, fileID,
		); err != nil {
			return fmt.Errorf("inserting output: %w", err)
		}
		return nil
	})
	return mapStoreErr(err)
}

// JobFileAdd records a committed JobFile.
func (s *Store) JobFileAdd(ctx context.Context, job, fileID string, size int64) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO job_files (job, file_id, size) VALUES (?, ?, ?)
			 ON CONFLICT(job, file_id) DO NOTHING`,
			job, fileID, size,
		)
		return err
	})
	return mapStoreErr(err)
}

// JobInputAdd records that name resolves to fileID. Upserts rather than
// requiring a pre-declared row, so it also serves the dependency
// resolver's copy_outputs path (spec.md §4.5), which stages a prior
// job's outputs as inputs that were never declared at submission. Once
// every declared input is committed, the job leaves waiting only if it
// also has no dependencies — a job with dependencies stays waiting for
// the assignment loop's dependency evaluation to clear it, since waiting
// is gated by inputs AND dependencies together (spec.md §3, §4.5).
func (s *Store) JobInputAdd(ctx context.Context, job, name, fileID string) (stillWaiting bool, err error) {
	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_inputs (job, name, file_id) VALUES (?, ?, ?)
			 ON CONFLICT(job, name) DO UPDATE SET file_id = excluded.file_id`,
			job, name, fileID,
		); err != nil {
			return fmt.Errorf("updating input: %w", err)
		}

		var missing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM job_inputs WHERE job = ? AND file_id = ''`, job,
		).Scan(&missing); err != nil {
			return fmt.Errorf("counting missing inputs: %w", err)
		}
		if missing > 0 {
			stillWaiting = true
			return nil
		}

		var deps int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM dependencies WHERE job = ?`, job,
		).Scan(&deps); err != nil {
			return fmt.Errorf("counting dependencies: %w", err)
		}
		if deps > 0 {
			stillWaiting = true
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET waiting = 0 WHERE id = ?`, job); err != nil {
			return fmt.Errorf("clearing waiting: %w", err)
		}
		stillWaiting = false
		return nil
	})
	if txErr != nil {
		return false, mapStoreErr(txErr)
	}
	return stillWaiting, nil
}

// JobInputsComplete reports whether every declared input on job has been
// committed, for the assignment loop's dependency evaluation to tell
// apart "still missing inputs" from "inputs done, dependencies pending".
func (s *Store) JobInputsComplete(ctx context.Context, job string) (bool, error) {
	var missing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_inputs WHERE job = ? AND file_id = ''`, job,
	).Scan(&missing); err != nil {
		return false, berrors.Internalf(err)
	}
	return missing == 0, nil
}

// JobOutputs lists committed outputs for a job.
func (s *Store) JobOutputs(ctx context.Context, job string) ([]buildomat.JobOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, size, file_id, series, version, name FROM job_outputs WHERE job = ?`, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.JobOutput
	for rows.Next() {
		var o buildomat.JobOutput
		o.Job = job
		if err := rows.Scan(&o.Path, &o.Size, &o.FileID, &o.Series, &o.Version, &o.Name); err != nil {
			return nil, berrors.Internalf(err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// JobOutput returns one committed output by path.
func (s *Store) JobOutput(ctx context.Context, job, path string) (*buildomat.JobOutput, error) {
	o := &buildomat.JobOutput{Job: job}
	err := s.db.QueryRowContext(ctx,
		`SELECT path, size, file_id, series, version, name FROM job_outputs WHERE job = ? AND path = ?`, job, path,
	).Scan(&o.Path, &o.Size, &o.FileID, &o.Series, &o.Version, &o.Name)
	if err == sql.ErrNoRows {
		return nil, berrors.NotFoundf("output %s not found on job %s", path, job)
	}
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return o, nil
}

// JobPublishOutput marks an output published under series/version/name.
// Identifiers must already have been validated by package lifecycle.
func (s *Store) JobPublishOutput(ctx context.Context, job, path, series, version, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_outputs SET series = ?, version = ?, name = ? WHERE job = ? AND path = ?`,
		series, version, name, job, path,
	)
	if err != nil {
		return berrors.Internalf(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return berrors.NotFoundf("output %s not found on job %s", path, job)
	}
	return nil
}

// PublishedOutput finds the output published as series/version/name by
// owner, preferring the most recently created job if more than one job
// happens to have published under the same triple (a republish).
func (s *Store) PublishedOutput(ctx context.Context, owner, series, version, name string) (job string, out *buildomat.JobOutput, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT o.job, o.path, o.size, o.file_id, o.series, o.version, o.name
		 FROM job_outputs o JOIN jobs j ON j.id = o.job
		 WHERE j.owner = ? AND o.series = ? AND o.version = ? AND o.name = ?
		 ORDER BY j.time_create DESC LIMIT 1`,
		owner, series, version, name,
	)
	o := &buildomat.JobOutput{}
	if err := row.Scan(&job, &o.Path, &o.Size, &o.FileID, &o.Series, &o.Version, &o.Name); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, berrors.NotFoundf("published file %s/%s/%s not found", series, version, name)
		}
		return "", nil, berrors.Internalf(err)
	}
	o.Job = job
	return job, o, nil
}

// JobStore returns all store values for a job. Values are decrypted on
// read when an encryptor is configured and the value is secret.
func (s *Store) JobStore(ctx context.Context, job string) ([]buildomat.StoreValue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, secret, time_update, source FROM job_store WHERE job = ?`, job)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var out []buildomat.StoreValue
	for rows.Next() {
		var v buildomat.StoreValue
		var secret int
		var t string
		v.Job = job
		if err := rows.Scan(&v.Name, &v.Value, &secret, &t, &v.Source); err != nil {
			return nil, berrors.Internalf(err)
		}
		v.Secret = secret != 0
		if parsed, err := parseTime(t); err == nil {
			v.TimeUpdate = parsed
		}
		if v.Secret && s.encryptor != nil && v.Value != "" {
			if dec, err := s.encryptor.Decrypt(v.Value); err == nil {
				v.Value = dec
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// JobStorePut creates or replaces a store value, encrypting it at rest
// when secret=true and an encryptor is configured.
func (s *Store) JobStorePut(ctx context.Context, job, name, value string, secret bool, source string) error {
	stored := value
	if secret && s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(value)
		if err != nil {
			return berrors.Internalf(fmt.Errorf("encrypting store value: %w", err))
		}
		stored = enc
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_store (job, name, value, secret, time_update, source) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job, name) DO UPDATE SET value = excluded.value, secret = excluded.secret,
		   time_update = excluded.time_update, source = excluded.source`,
		job, name, stored, boolToInt(secret), formatTime(time.Now().UTC()), source,
	)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// JobComplete transitions a job to complete/failed. Returns true iff this
// call performed the transition (idempotent completion per spec.md §8).
func (s *Store) JobComplete(ctx context.Context, job string, failed bool, failMessage string) (bool, error) {
	var did bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var already int
		if err := tx.QueryRowContext(ctx, `SELECT complete FROM jobs WHERE id = ?`, job).Scan(&already); err != nil {
			if err == sql.ErrNoRows {
				return berrors.NotFoundf("job %s not found", job)
			}
			return err
		}
		if already != 0 {
			did = false
			return nil
		}
		now := formatTime(time.Now().UTC())
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET complete = 1, failed = ?, fail_message = ?, worker = '' WHERE id = ?`,
			boolToInt(failed), failMessage, job,
		); err != nil {
			return err
		}
		phase := "complete"
		if failed {
			phase = "failed"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_times (job, phase, time) VALUES (?, ?, ?)
			 ON CONFLICT(job, phase) DO UPDATE SET time = excluded.time`,
			job, phase, now,
		); err != nil {
			return err
		}
		did = true
		return nil
	})
	if err != nil {
		return false, mapStoreErr(err)
	}
	return did, nil
}

// JobCancel sets the cancelled flag. If the job has no assigned worker,
// completion proceeds immediately (failed=true); otherwise the running
// worker observes cancellation on its next poll.
func (s *Store) JobCancel(ctx context.Context, job string) error {
	var worker string
	var complete int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT worker, complete FROM jobs WHERE id = ?`, job).Scan(&worker, &complete); err != nil {
			if err == sql.ErrNoRows {
				return berrors.NotFoundf("job %s not found", job)
			}
			return err
		}
		if complete != 0 {
			return berrors.Conflictf("job %s already complete", job)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET cancelled = 1 WHERE id = ?`, job); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return mapStoreErr(err)
	}
	if worker == "" {
		if _, err := s.JobComplete(ctx, job, true, "cancelled"); err != nil {
			return err
		}
	}
	return nil
}

// ListWaitingAndQueued returns every job currently in waiting or queued
// state, for one assignment-loop iteration's snapshot.
func (s *Store) ListWaitingAndQueued(ctx context.Context) ([]*buildomat.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE complete = 0 AND worker = '' ORDER BY id ASC`)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, berrors.Internalf(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, berrors.Internalf(err)
	}

	var out []*buildomat.Job
	for _, id := range ids {
		j, err := s.JobByID(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// ListCompleteUnarchived returns every completed job not yet archived,
// for the archiver's file- and document-migration passes.
func (s *Store) ListCompleteUnarchived(ctx context.Context) ([]*buildomat.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE complete = 1 AND archived = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	defer rows.Close()

	var idList []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, berrors.Internalf(err)
		}
		idList = append(idList, id)
	}
	if err := rows.Err(); err != nil {
		return nil, berrors.Internalf(err)
	}

	var out []*buildomat.Job
	for _, id := range idList {
		j, err := s.JobByID(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// JobArchive marks a job archived and purges its heavyweight rows
// (events, store values) from the durable store, per spec.md §4.7.
func (s *Store) JobArchive(ctx context.Context, job string) error {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET archived = 1 WHERE id = ? AND complete = 1`, job)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return berrors.Conflictf("job %s is not eligible for archival", job)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_events WHERE job = ?`, job); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_store WHERE job = ?`, job); err != nil {
			return err
		}
		return nil
	})
	return mapStoreErr(err)
}

// AssignJobToWorker assigns job to worker in one transaction: sets
// job.worker, records times.assigned. Returns false if the job was no
// longer assignable (already has a worker or is complete).
func (s *Store) AssignJobToWorker(ctx context.Context, job, worker string) (bool, error) {
	var ok bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET worker = ? WHERE id = ? AND worker = '' AND complete = 0 AND waiting = 0`,
			worker, job,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			ok = false
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_times (job, phase, time) VALUES (?, 'assigned', ?)
			 ON CONFLICT(job, phase) DO UPDATE SET time = excluded.time`,
			job, formatTime(time.Now().UTC()),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET job = ? WHERE id = ?`, job, worker); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, mapStoreErr(err)
	}
	return ok, nil
}

// SetJobWaiting transitions a job between waiting and queued (dependency
// resolution calls this once every dependency is satisfied).
func (s *Store) SetJobWaiting(ctx context.Context, job string, waiting bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET waiting = ? WHERE id = ?`, boolToInt(waiting), job)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mapStoreErr passes *berrors.Error through unmodified and wraps anything
// else as Internal, per the propagation policy in spec.md §7.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*berrors.Error); ok {
		return err
	}
	return berrors.Internalf(err)
}
