// Package assign implements the Assignment Loop (C5): the single
// background task that resolves job dependencies, matches queued jobs to
// idle workers, sweeps expired leases, and retires stale workers, per
// spec.md §4.5. Chunk cleanup (spec.md §4.2 "forget_job"/external
// cleaner) rides along as a sibling sub-task of the same loop.
package assign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"buildomat/internal/central"
	"buildomat/internal/lifecycle"
	"buildomat/internal/metrics"
	"buildomat/internal/staging"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

// Config bounds the loop's pacing and worker liveness tolerance.
type Config struct {
	PollInterval      time.Duration
	WorkerPingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		WorkerPingTimeout: 2 * time.Minute,
	}
}

type Loop struct {
	Store     *store.Store
	Lifecycle *lifecycle.Service
	Staging   *staging.Staging
	State     *central.State
	Logger    *slog.Logger
	Config    Config
}

func New(st *store.Store, lc *lifecycle.Service, stg *staging.Staging, state *central.State, logger *slog.Logger, cfg Config) *Loop {
	return &Loop{Store: st, Lifecycle: lc, Staging: stg, State: state, Logger: logger, Config: cfg}
}

// Run blocks, ticking until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.runOnce(ctx); err != nil {
				l.Logger.Error("assignment loop iteration failed", "error", err)
			}
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ObserveAssignPhase("iteration", time.Since(start).Seconds())
		metrics.IncAssignIteration(outcome)
	}()

	if l.State.IsHeld() {
		outcome = "held"
		return nil
	}

	jobs, err := l.Store.ListWaitingAndQueued(ctx)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("listing waiting/queued jobs: %w", err)
	}

	idleByTarget := make(map[string][]*buildomat.Worker)

	for _, j := range jobs {
		if j.Waiting {
			if err := l.resolveDependencies(ctx, j); err != nil {
				l.Logger.Warn("dependency resolution failed", "job", j.ID, "error", err)
			}
			continue
		}
		// j is queued; find its target's idle worker pool, loaded lazily
		// and reused across jobs that share a target within this pass.
		idle, ok := idleByTarget[j.TargetResolved]
		if !ok {
			idle, err = l.Store.ListIdleWorkers(ctx, j.TargetResolved)
			if err != nil {
				l.Logger.Warn("listing idle workers failed", "target", j.TargetResolved, "error", err)
				continue
			}
			idleByTarget[j.TargetResolved] = idle
		}
		if len(idle) == 0 {
			continue
		}
		if _, held := l.State.Leases.Held(j.ID, time.Now().UTC()); held {
			// A factory is actively provisioning a worker pre-bound to
			// this job; the regular assignment pathway is bypassed.
			continue
		}

		w := idle[0]
		ok2, err := l.Store.AssignJobToWorker(ctx, j.ID, w.ID)
		if err != nil {
			l.Logger.Warn("assigning job failed", "job", j.ID, "worker", w.ID, "error", err)
			continue
		}
		if !ok2 {
			continue
		}
		idleByTarget[j.TargetResolved] = idle[1:]
		metrics.IncJobsAssigned()
		if _, err := l.Lifecycle.AppendEvent(ctx, j.ID, nil, buildomat.StreamControl, fmt.Sprintf("assigned to worker %s", w.ID), nil); err != nil {
			l.Logger.Warn("recording assignment event failed", "job", j.ID, "error", err)
		}
	}

	for _, job := range l.State.Leases.SweepExpired(time.Now().UTC()) {
		metrics.IncLeaseExpiration()
		l.Logger.Info("lease expired", "job", job)
	}

	if err := l.cleanupWorkers(ctx); err != nil {
		l.Logger.Warn("worker cleanup failed", "error", err)
	}
	l.cleanupChunks(ctx)

	return nil
}

// resolveDependencies evaluates every dependency of a waiting job. If a
// prior job completed in a terminal state the dependency does not
// permit, the dependent job is failed outright. Once every dependency is
// satisfied and no declared input remains missing, the job is released
// to queued.
func (l *Loop) resolveDependencies(ctx context.Context, j *buildomat.Job) error {
	deps, err := l.Store.JobDependencies(ctx, j.ID)
	if err != nil {
		return err
	}

	allSatisfied := true
	for _, d := range deps {
		prior, err := l.Store.JobByID(ctx, d.PriorJob)
		if err != nil {
			allSatisfied = false
			continue
		}
		if !prior.Complete {
			allSatisfied = false
			continue
		}

		permitted := (prior.Failed && d.OnFailed) || (!prior.Failed && d.OnCompleted)
		if !permitted {
			msg := fmt.Sprintf("dependency %q did not reach a permitted terminal state before finishing", d.Name)
			if _, err := l.Lifecycle.AppendEvent(ctx, j.ID, nil, buildomat.StreamControl, msg, nil); err != nil {
				return err
			}
			if _, err := l.Lifecycle.Complete(ctx, j.ID, true, msg); err != nil {
				return err
			}
			return nil
		}

		if d.CopyOutputs {
			outputs, err := l.Store.JobOutputs(ctx, d.PriorJob)
			if err != nil {
				return err
			}
			for _, o := range outputs {
				if _, err := l.Store.JobInputAdd(ctx, j.ID, o.Path, o.FileID); err != nil {
					return err
				}
			}
		}
	}

	if !allSatisfied {
		return nil
	}

	inputsComplete, err := l.Store.JobInputsComplete(ctx, j.ID)
	if err != nil {
		return err
	}
	if !inputsComplete {
		return nil
	}

	return l.Store.SetJobWaiting(ctx, j.ID, false)
}

// cleanupWorkers marks workers whose lastping exceeds the configured
// timeout as deleted, returning any job they held to the queue.
func (l *Loop) cleanupWorkers(ctx context.Context) error {
	stale, err := l.Store.ListStaleWorkers(ctx, time.Now().UTC().Add(-l.Config.WorkerPingTimeout))
	if err != nil {
		return err
	}
	for _, w := range stale {
		if err := l.Store.WorkerDestroy(ctx, w.ID); err != nil {
			l.Logger.Warn("destroying stale worker failed", "worker", w.ID, "error", err)
			continue
		}
		l.State.Leases.Consume(w.Job)
		l.Logger.Info("worker retired for ping timeout", "worker", w.ID)
	}
	return nil
}

// cleanupChunks forgets staging bookkeeping and removes chunk directories
// for completed jobs that staging still tracks (see TrackedJobs). A job
// whose bookkeeping lifecycle.Complete has already forgotten is not
// tracked, so its chunk directory is not removed here.
func (l *Loop) cleanupChunks(ctx context.Context) {
	for _, job := range l.Staging.TrackedJobs() {
		j, err := l.Store.JobByID(ctx, job)
		if err != nil || !j.Complete {
			continue
		}
		if err := l.Staging.MarkJobCompleted(job); err != nil {
			continue
		}
		l.Staging.ForgetJob(job)
		if err := l.Staging.RemoveChunks(job); err != nil {
			l.Logger.Warn("removing chunk directory failed", "job", job, "error", err)
		}
	}
}
