package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/pkg/buildomat"
)

func newSecret() string {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WorkerCreate allocates a Worker row with a single-use bootstrap secret,
// optionally bound to job. lastping is seeded to the creation time rather
// than left NULL, so ListStaleWorkers gives a freshly created worker a full
// WorkerPingTimeout grace period to boot and send its first ping before the
// worker-cleanup loop considers it stale.
func (s *Store) WorkerCreate(ctx context.Context, factory, target, job string) (*buildomat.Worker, error) {
	now := time.Now().UTC()
	w := &buildomat.Worker{
		ID:        ids.New(),
		Bootstrap: newSecret(),
		Factory:   factory,
		Target:    target,
		Job:       job,
		LastPing:  &now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, bootstrap, factory, target, job, lastping) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Bootstrap, w.Factory, w.Target, w.Job, formatTime(now),
	)
	if err != nil {
		return nil, berrors.Internalf(err)
	}
	return w, nil
}

// WorkerBootstrap consumes the one-time bootstrap secret and issues a
// long-lived worker token.
func (s *Store) WorkerBootstrap(ctx context.Context, bootstrapSecret string) (*buildomat.Worker, error) {
	var w buildomat.Worker
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, factory, target, job, deleted FROM workers WHERE bootstrap = ?`, bootstrapSecret)
		var deleted int
		if err := row.Scan(&w.ID, &w.Factory, &w.Target, &w.Job, &deleted); err != nil {
			if err == sql.ErrNoRows {
				return berrors.Unauthorizedf("invalid bootstrap secret")
			}
			return err
		}
		if deleted != 0 {
			return berrors.Unauthorizedf("worker deleted")
		}
		w.Token = newSecret()
		if _, err := tx.ExecContext(ctx,
			`UPDATE workers SET bootstrap = '', token = ? WHERE id = ?`, w.Token, w.ID,
		); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &w, nil
}

// WorkerAuth resolves a worker by its long-lived token.
func (s *Store) WorkerAuth(ctx context.Context, token string) (*buildomat.Worker, error) {
	w, err := s.workerByField(ctx, "token", token)
	if err != nil {
		return nil, err
	}
	if w.Deleted {
		return nil, berrors.Unauthorizedf("worker deleted")
	}
	return w, nil
}

func (s *Store) workerByField(ctx context.Context, field, value string) (*buildomat.Worker, error) {
	query := fmt.Sprintf(
		`SELECT id, bootstrap, token, factory, target, instance_id, deleted, recycle, lastping, job
		 FROM workers WHERE %s = ?`, field)
	return s.scanWorker(s.db.QueryRowContext(ctx, query, value))
}

func (s *Store) scanWorker(row *sql.Row) (*buildomat.Worker, error) {
	var w buildomat.Worker
	var deleted, recycle int
	var lastping sql.NullString
	if err := row.Scan(&w.ID, &w.Bootstrap, &w.Token, &w.Factory, &w.Target, &w.InstanceID,
		&deleted, &recycle, &lastping, &w.Job); err != nil {
		if err == sql.ErrNoRows {
			return nil, berrors.NotFoundf("worker not found")
		}
		return nil, berrors.Internalf(err)
	}
	w.Deleted = deleted != 0
	w.Recycle = recycle != 0
	if lastping.Valid {
		if t, err := parseTime(lastping.String); err == nil {
			w.LastPing = &t
		}
	}
	return &w, nil
}

func (s *Store) WorkerByID(ctx context.Context, id string) (*buildomat.Worker, error) {
	return s.workerByField(ctx, "id", id)
}

// WorkerPing records worker liveness.
func (s *Store) WorkerPing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET lastping = ? WHERE id = ?`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// WorkerAssociate records the external instance handle a factory assigned.
func (s *Store) WorkerAssociate(ctx context.Context, id, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET instance_id = ? WHERE id = ?`, instanceID, id)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// WorkerDestroy soft-deletes a worker; any job it held and did not
// complete is returned to queued.
func (s *Store) WorkerDestroy(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var job string
		if err := tx.QueryRowContext(ctx, `SELECT job FROM workers WHERE id = ?`, id).Scan(&job); err != nil {
			if err == sql.ErrNoRows {
				return berrors.NotFoundf("worker %s not found", id)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET deleted = 1, job = '' WHERE id = ?`, id); err != nil {
			return err
		}
		if job != "" {
			var complete int
			if err := tx.QueryRowContext(ctx, `SELECT complete FROM jobs WHERE id = ?`, job).Scan(&complete); err == nil && complete == 0 {
				if _, err := tx.ExecContext(ctx, `UPDATE jobs SET worker = '' WHERE id = ?`, job); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// WorkerRecycle marks a worker for recycling: it finishes its current job
// (if any) but will not be assigned further work.
func (s *Store) WorkerRecycle(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET recycle = 1 WHERE id = ?`, id)
	if err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// ListIdleWorkers returns workers for target that are not deleted,
// recycling, or already holding a job.
func (s *Store) ListIdleWorkers(ctx context.Context, target string) ([]*buildomat.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workers WHERE target = ? AND deleted = 0 AND recycle = 0 AND job = ''`, target)
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

	var out []*buildomat.Worker
	for _, id := range idList {
		w, err := s.WorkerByID(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// ListStaleWorkers returns non-deleted workers whose lastping is older
// than before (or who have never pinged), for the worker-cleanup loop.
func (s *Store) ListStaleWorkers(ctx context.Context, before time.Time) ([]*buildomat.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workers WHERE deleted = 0 AND (lastping IS NULL OR lastping < ?)`, formatTime(before))
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
	var out []*buildomat.Worker
	for _, id := range idList {
		w, err := s.WorkerByID(ctx, id)
		if err == nil {
			out = append(out, w)
		}
	}
	return out, nil
}
