// Package factory implements the server side of the Factory Lease
// Protocol (C6): the handshake by which an external factory claims the
// right to create a worker for a specific queued job, per spec.md §4.6.
package factory

import (
	"context"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/central"
	"buildomat/internal/metrics"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

type Service struct {
	Store *store.Store
	State *central.State
}

func New(s *store.Store, state *central.State) *Service {
	return &Service{Store: s, State: state}
}

// Lease picks one queued job of target with no active lease and no
// assigned worker, grants factory a lease on it, and returns the job. A
// nil job with no error means there was nothing to lease.
func (svc *Service) Lease(ctx context.Context, factoryID, target string, ttl time.Duration) (*buildomat.Job, error) {
	candidates, err := svc.Store.ListWaitingAndQueued(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, j := range candidates {
		if j.Waiting || j.TargetResolved != target || j.Worker != "" {
			continue
		}
		if _, held := svc.State.Leases.Held(j.ID, now); held {
			continue
		}
		if _, granted := svc.State.Leases.Grant(factoryID, j.ID, ttl, now); granted {
			metrics.IncLeaseGrant("granted")
			return j, nil
		}
	}
	metrics.IncLeaseGrant("empty")
	return nil, nil
}

// LeaseRenew extends a held lease; returns false if it is no longer held
// by factoryID or has already expired.
func (svc *Service) LeaseRenew(factoryID, job string, ttl time.Duration) bool {
	return svc.State.Leases.Renew(factoryID, job, ttl, time.Now().UTC())
}

// WorkerCreate allocates a Worker row bound to factoryID, optionally
// pre-assigned to job (consuming that job's lease, bypassing the
// assignment loop for it per spec.md §4.6).
func (svc *Service) WorkerCreate(ctx context.Context, factoryID, target, job string) (*buildomat.Worker, error) {
	if job != "" {
		if held, ok := svc.State.Leases.Held(job, time.Now().UTC()); !ok || held != factoryID {
			return nil, berrors.Conflictf("job %s is not leased to this factory", job)
		}
	}
	w, err := svc.Store.WorkerCreate(ctx, factoryID, target, job)
	if err != nil {
		return nil, err
	}
	if job != "" {
		svc.State.Leases.Consume(job)
	}
	return w, nil
}

// WorkerAssociate records the external instance handle a factory assigned
// to its worker.
func (svc *Service) WorkerAssociate(ctx context.Context, workerID, instanceID string) error {
	return svc.Store.WorkerAssociate(ctx, workerID, instanceID)
}

// WorkerAppend records a factory-side provisioning log line against the
// worker's event stream, under its bound job if any.
func (svc *Service) WorkerAppend(ctx context.Context, workerID, payload string) error {
	w, err := svc.Store.WorkerByID(ctx, workerID)
	if err != nil {
		return err
	}
	if w.Job == "" {
		return nil
	}
	now := time.Now().UTC()
	_, err = svc.Store.JobEventAppend(ctx, w.Job, nil, buildomat.StreamWorker, payload, now, nil)
	return err
}

// WorkerDestroy soft-deletes a worker; the store returns any incomplete
// held job to queued and the lease (if any) is dropped so it can be
// reassigned.
func (svc *Service) WorkerDestroy(ctx context.Context, workerID string) error {
	w, err := svc.Store.WorkerByID(ctx, workerID)
	if err != nil {
		return err
	}
	if err := svc.Store.WorkerDestroy(ctx, workerID); err != nil {
		return err
	}
	if w.Job != "" {
		svc.State.Leases.Consume(w.Job)
	}
	return nil
}

// WorkerBootstrap consumes a single-use bootstrap secret and issues a
// worker token.
func (svc *Service) WorkerBootstrap(ctx context.Context, bootstrapSecret string) (*buildomat.Worker, error) {
	return svc.Store.WorkerBootstrap(ctx, bootstrapSecret)
}

// FactoryAuth resolves a factory by bearer token.
func (svc *Service) FactoryAuth(ctx context.Context, token string) (*buildomat.Factory, error) {
	return svc.Store.FactoryAuth(ctx, token)
}
