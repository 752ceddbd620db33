// Package archive implements the Archiver & Reader (C7): two background
// loops that migrate completed jobs to blob storage, and a transparent
// read path that serves archived-job reads from a local cache or the
// blob store without the caller needing to know which, per spec.md §4.7.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"buildomat/internal/berrors"
	"buildomat/internal/blob"
	"buildomat/internal/central"
	"buildomat/internal/metrics"
	"buildomat/internal/staging"
	"buildomat/internal/store"
	"buildomat/pkg/buildomat"
)

type Config struct {
	CacheDir          string
	GracePeriod       time.Duration
	FilesPollInterval time.Duration
	JobsPollInterval  time.Duration
}

func DefaultConfig(cacheDir string) Config {
	return Config{
		CacheDir:          cacheDir,
		GracePeriod:       10 * time.Minute,
		FilesPollInterval: 5 * time.Second,
		JobsPollInterval:  15 * time.Second,
	}
}

type Archiver struct {
	Store   *store.Store
	Staging *staging.Staging
	Blob    *blob.Store
	State   *central.State
	Logger  *slog.Logger
	Config  Config
}

func New(st *store.Store, stg *staging.Staging, bl *blob.Store, state *central.State, logger *slog.Logger, cfg Config) (*Archiver, error) {
	if err := os.MkdirAll(filepath.Join(cfg.CacheDir, "archive"), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive cache dir: %w", err)
	}
	return &Archiver{Store: st, Staging: stg, Blob: bl, State: state, Logger: logger, Config: cfg}, nil
}

// Run starts both background loops, blocking until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	go a.loop(ctx, a.Config.FilesPollInterval, a.archiveFilesOnce)
	a.loop(ctx, a.Config.JobsPollInterval, a.archiveJobsOnce)
}

func (a *Archiver) loop(ctx context.Context, interval time.Duration, step func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := step(ctx); err != nil {
				a.Logger.Error("archive loop iteration failed", "error", err)
			}
		}
	}
}

// archiveFilesOnce uploads output files still sitting in local staging
// for completed, not-yet-archived jobs, then unlinks the local copy.
// Idempotent per file: a file already gone from staging is skipped.
func (a *Archiver) archiveFilesOnce(ctx context.Context) error {
	jobs, err := a.Store.ListCompleteUnarchived(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		outputs, err := a.Store.JobOutputs(ctx, j.ID)
		if err != nil {
			a.Logger.Warn("listing outputs for archival failed", "job", j.ID, "error", err)
			continue
		}
		for _, o := range outputs {
			if err := a.archiveOneFile(ctx, j.ID, o.FileID); err != nil {
				metrics.IncArchiveFile("error")
				a.Logger.Warn("archiving output file failed", "job", j.ID, "file", o.FileID, "error", err)
				continue
			}
		}
	}
	return nil
}

func (a *Archiver) archiveOneFile(ctx context.Context, job, fileID string) error {
	path := a.Staging.OutputFilePath(job, fileID)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		// Already migrated by a prior, possibly crashed, pass.
		return nil
	}
	if err != nil {
		return berrors.Internalf(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return berrors.Internalf(err)
	}
	defer f.Close()

	if err := a.Blob.PutOutput(ctx, job, fileID, f, info.Size()); err != nil {
		return err
	}
	if err := a.Staging.RemoveOutputFile(job, fileID); err != nil {
		return err
	}
	metrics.IncArchiveFile("ok")
	return nil
}

// archiveJobsOnce serializes and uploads the full read-model for jobs
// completed more than GracePeriod ago whose output files are already
// migrated, then purges the heavyweight rows (events, store) from C1.
func (a *Archiver) archiveJobsOnce(ctx context.Context) error {
	// Drain the notification queue Complete() feeds: draining here just
	// bounds its memory between scans, since the scan below is the
	// authoritative candidate source and survives a process restart that
	// would otherwise lose the in-memory queue.
	for {
		if _, ok := a.State.DequeueArchive(); !ok {
			break
		}
	}

	jobs, err := a.Store.ListCompleteUnarchived(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-a.Config.GracePeriod)
	for _, j := range jobs {
		finishedAt, ok := j.Times["complete"]
		if !ok {
			finishedAt, ok = j.Times["failed"]
		}
		if !ok || finishedAt.After(cutoff) {
			continue
		}
		if a.hasLocalFiles(ctx, j.ID) {
			// Archive-files hasn't finished migrating this job's outputs yet.
			continue
		}
		if err := a.archiveOneJob(ctx, j); err != nil {
			metrics.IncArchiveJob("error")
			a.Logger.Warn("archiving job failed", "job", j.ID, "error", err)
			continue
		}
		metrics.IncArchiveJob("ok")
	}
	return nil
}

func (a *Archiver) hasLocalFiles(ctx context.Context, job string) bool {
	outputs, err := a.Store.JobOutputs(ctx, job)
	if err != nil {
		return true
	}
	for _, o := range outputs {
		if _, err := os.Stat(a.Staging.OutputFilePath(job, o.FileID)); err == nil {
			return true
		}
	}
	return false
}

func (a *Archiver) archiveOneJob(ctx context.Context, j *buildomat.Job) error {
	doc, err := a.buildDocument(ctx, j)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return berrors.Internalf(fmt.Errorf("marshalling archive document: %w", err))
	}

	if err := a.Blob.PutArchiveDocument(ctx, buildomat.CurrentArchiveVersion, j.ID, bytes.NewReader(encoded), int64(len(encoded))); err != nil {
		return err
	}
	if err := a.writeCache(j.ID, encoded); err != nil {
		return err
	}
	if err := a.Store.JobArchive(ctx, j.ID); err != nil {
		return err
	}
	return nil
}

func (a *Archiver) buildDocument(ctx context.Context, j *buildomat.Job) (*buildomat.ArchiveDocument, error) {
	tasks, err := a.Store.JobTasks(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	rules, err := a.Store.JobOutputRules(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	outputs, err := a.Store.JobOutputs(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	events, err := a.Store.JobEvents(ctx, j.ID, 0)
	if err != nil {
		return nil, err
	}
	values, err := a.Store.JobStore(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	return &buildomat.ArchiveDocument{
		Version:     buildomat.CurrentArchiveVersion,
		Job:         *j,
		Tasks:       tasks,
		OutputRules: rules,
		Outputs:     outputs,
		Events:      events,
		Store:       values,
	}, nil
}

func (a *Archiver) cachePath(job string) string {
	return filepath.Join(a.Config.CacheDir, "archive", job+".json")
}

// writeCache persists data to the local cache atomically via temp+rename,
// so a crash mid-write never leaves a corrupt cache entry behind.
func (a *Archiver) writeCache(job string, data []byte) error {
	path := a.cachePath(job)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return berrors.Internalf(fmt.Errorf("writing archive cache temp file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return berrors.Internalf(fmt.Errorf("renaming archive cache file: %w", err))
	}
	return nil
}

// loadDocument fetches job's archive document, trying the local cache
// first and falling back to the blob store on a miss or invalid cache
// entry, persisting what it fetches back to cache.
func (a *Archiver) loadDocument(ctx context.Context, job string) (*buildomat.ArchiveDocument, error) {
	if data, err := os.ReadFile(a.cachePath(job)); err == nil {
		if doc, ok := parseDocument(data); ok {
			return doc, nil
		}
	}

	r, err := a.Blob.GetArchiveDocument(ctx, buildomat.CurrentArchiveVersion, job)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, berrors.Internalf(fmt.Errorf("reading archive document: %w", err))
	}
	doc, ok := parseDocument(data)
	if !ok {
		return nil, berrors.Internalf(fmt.Errorf("archive document for job %s is invalid or unsupported", job))
	}
	if err := a.writeCache(job, data); err != nil {
		a.Logger.Warn("caching archive document failed", "job", job, "error", err)
	}
	return doc, nil
}

// parseDocument validates that data unmarshals cleanly and carries a
// version this reader understands; spec.md §9 requires rejecting unknown
// layouts with a bounded retry rather than serving wrong data, which here
// means treating the cache/blob entry as invalid and trying the next
// source rather than guessing at the schema.
func parseDocument(data []byte) (*buildomat.ArchiveDocument, bool) {
	var doc buildomat.ArchiveDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	if doc.Version != buildomat.CurrentArchiveVersion {
		return nil, false
	}
	return &doc, true
}

// LoadJobEvents serves load_job_events(minseq), dispatching to the live
// store or the archive document depending on job.archived.
func (a *Archiver) LoadJobEvents(ctx context.Context, job string, minseq int) ([]buildomat.JobEvent, error) {
	j, err := a.Store.JobByID(ctx, job)
	if err != nil {
		return nil, err
	}
	if !j.Archived {
		return a.Store.JobEvents(ctx, job, minseq)
	}
	doc, err := a.loadDocument(ctx, job)
	if err != nil {
		return nil, err
	}
	var out []buildomat.JobEvent
	for _, e := range doc.Events {
		if e.Seq >= minseq {
			out = append(out, e)
		}
	}
	return out, nil
}

// LoadJobOutputs serves load_job_outputs.
func (a *Archiver) LoadJobOutputs(ctx context.Context, job string) ([]buildomat.JobOutput, error) {
	j, err := a.Store.JobByID(ctx, job)
	if err != nil {
		return nil, err
	}
	if !j.Archived {
		return a.Store.JobOutputs(ctx, job)
	}
	doc, err := a.loadDocument(ctx, job)
	if err != nil {
		return nil, err
	}
	return doc.Outputs, nil
}

// LoadJobOutput serves a single named output lookup, live or archived.
func (a *Archiver) LoadJobOutput(ctx context.Context, job, path string) (*buildomat.JobOutput, error) {
	outputs, err := a.LoadJobOutputs(ctx, job)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		if o.Path == path {
			return &o, nil
		}
	}
	return nil, berrors.NotFoundf("output %s not found on job %s", path, job)
}

// LoadJobStore serves load_job_store.
func (a *Archiver) LoadJobStore(ctx context.Context, job string) ([]buildomat.StoreValue, error) {
	j, err := a.Store.JobByID(ctx, job)
	if err != nil {
		return nil, err
	}
	if !j.Archived {
		return a.Store.JobStore(ctx, job)
	}
	doc, err := a.loadDocument(ctx, job)
	if err != nil {
		return nil, err
	}
	return doc.Store, nil
}

// OpenOutput returns a reader over one output file's bytes, live from
// local staging or from the blob store once archived, plus its size.
func (a *Archiver) OpenOutput(ctx context.Context, job, path string) (io.ReadCloser, int64, error) {
	j, err := a.Store.JobByID(ctx, job)
	if err != nil {
		return nil, 0, err
	}
	o, err := a.LoadJobOutput(ctx, job, path)
	if err != nil {
		return nil, 0, err
	}
	if !j.Archived {
		f, err := os.Open(a.Staging.OutputFilePath(job, o.FileID))
		if err != nil {
			return nil, 0, berrors.Internalf(err)
		}
		return f, o.Size, nil
	}
	r, err := a.Blob.GetOutput(ctx, job, o.FileID)
	if err != nil {
		return nil, 0, err
	}
	return r, o.Size, nil
}
