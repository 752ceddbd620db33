// Package staging implements File Staging (C2): the on-disk chunk/file
// assembly area between client uploads and either worker delivery or
// blob storage. Chunk→file commit is modeled as the small state machine
// described in spec.md §9: {InFlight | Done(Result)}, keyed by commit_id
// and idempotent on repeated calls with identical parameters.
package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"buildomat/internal/berrors"
	"buildomat/internal/ids"
	"buildomat/internal/store"
)

// Kind distinguishes an input commit (which also updates the job's
// declared-input bookkeeping) from an output commit.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
)

// commitRecord is one entry in the in-flight/done state machine, guarded
// by Staging.mu. inflight holds no Result; once done is true, fileID/err
// are fixed for the lifetime of the process (or until ForgetJob drops the
// job's bookkeeping).
type commitRecord struct {
	job        string
	paramsHash string
	done       bool
	fileID     string
	err        error
}

// Staging is the process-wide staging area rooted at dir.
type Staging struct {
	dir   string
	store *store.Store

	mu      sync.Mutex
	commits map[string]*commitRecord
}

func New(dir string, st *store.Store) (*Staging, error) {
	for _, sub := range []string{"chunk", "output"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s dir: %w", sub, err)
		}
	}
	return &Staging{dir: dir, store: st, commits: make(map[string]*commitRecord)}, nil
}

func (s *Staging) chunkPath(job, chunkID string) string {
	return filepath.Join(s.dir, "chunk", job, chunkID)
}

func (s *Staging) outputPath(job, fileID string) string {
	return filepath.Join(s.dir, "output", job, fileID)
}

// WriteChunk assigns a fresh id and writes r's bytes to chunk/{job}/{id}.
func (s *Staging) WriteChunk(job string, r io.Reader) (string, error) {
	chunkID := ids.New()
	dir := filepath.Join(s.dir, "chunk", job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", berrors.Internalf(fmt.Errorf("creating chunk dir: %w", err))
	}
	path := s.chunkPath(job, chunkID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", berrors.Internalf(fmt.Errorf("creating chunk file: %w", err))
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", berrors.Internalf(fmt.Errorf("writing chunk: %w", err))
	}
	if err := f.Sync(); err != nil {
		return "", berrors.Internalf(fmt.Errorf("syncing chunk: %w", err))
	}
	return chunkID, nil
}

// CommitResult is the outcome of a (possibly repeated) commit_file call.
type CommitResult struct {
	Complete bool // false while assembly is still pending (synchronous path never returns this)
	FileID   string
	Err      error // non-nil on a failed commit; still "complete"
}

func paramsKey(kind Kind, name string, expectedSize int64, chunks []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s:%d", kind, name, expectedSize)
	for _, c := range chunks {
		fmt.Fprintf(h, ":%s", c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CommitFile assembles chunks into output/{job}/{file_id}, idempotent on
// commit_id. A repeated call with identical parameters returns the
// original outcome; a repeated call with different parameters fails
// Validation. kind/name/expectedSize/chunks together form the "params"
// whose identity is checked.
func (s *Staging) CommitFile(ctx context.Context, job, commitID string, kind Kind, name string, expectedSize int64, chunks []string) (CommitResult, error) {
	key := paramsKey(kind, name, expectedSize, chunks)

	s.mu.Lock()
	if rec, ok := s.commits[commitID]; ok {
		if rec.paramsHash != key {
			s.mu.Unlock()
			return CommitResult{}, berrors.Validationf("commit_id %s already used with different parameters", commitID)
		}
		result := CommitResult{Complete: rec.done, FileID: rec.fileID, Err: rec.err}
		s.mu.Unlock()
		return result, nil
	}
	rec := &commitRecord{job: job, paramsHash: key}
	s.commits[commitID] = rec
	s.mu.Unlock()

	fileID, err := s.assemble(ctx, job, kind, name, expectedSize, chunks)

	s.mu.Lock()
	rec.done = true
	rec.fileID = fileID
	rec.err = err
	s.mu.Unlock()

	if err != nil {
		return CommitResult{Complete: true, Err: err}, nil
	}
	return CommitResult{Complete: true, FileID: fileID}, nil
}

func (s *Staging) assemble(ctx context.Context, job string, kind Kind, name string, expectedSize int64, chunks []string) (string, error) {
	j, err := s.store.JobByID(ctx, job)
	if err != nil {
		return "", err
	}
	if !j.Waiting && kind == KindInput {
		// Already left waiting: only acceptable if this exact commit
		// previously succeeded, which the caller above already handled
		// via the idempotency cache. A fresh attempt here is too late.
		return "", berrors.Conflictf("job %s is no longer waiting for inputs", job)
	}

	var total int64
	for _, c := range chunks {
		info, err := os.Stat(s.chunkPath(job, c))
		if err != nil {
			return "", berrors.Validationf("chunk %s not found: %v", c, err)
		}
		total += info.Size()
	}
	if total != expectedSize {
		return "", berrors.Validationf("assembled size %d does not match expected size %d", total, expectedSize)
	}

	fileID := ids.New()
	outDir := filepath.Join(s.dir, "output", job)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", berrors.Internalf(fmt.Errorf("creating output dir: %w", err))
	}
	outPath := s.outputPath(job, fileID)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", berrors.Internalf(fmt.Errorf("creating output file: %w", err))
	}
	defer out.Close()

	for _, c := range chunks {
		in, err := os.Open(s.chunkPath(job, c))
		if err != nil {
			return "", berrors.Internalf(fmt.Errorf("opening chunk: %w", err))
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			return "", berrors.Internalf(fmt.Errorf("concatenating chunk: %w", copyErr))
		}
	}
	if err := out.Sync(); err != nil {
		return "", berrors.Internalf(fmt.Errorf("syncing output: %w", err))
	}

	if err := s.store.JobFileAdd(ctx, job, fileID, total); err != nil {
		return "", err
	}

	if kind == KindInput {
		if _, err := s.store.JobInputAdd(ctx, job, name, fileID); err != nil {
			return "", err
		}
	}

	return fileID, nil
}

// MarkJobCompleted declines if any commit for job is still in flight.
func (s *Staging) MarkJobCompleted(job string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.commits {
		if rec.job == job && !rec.done {
			return berrors.Conflictf("job %s still has uploads in flight", job)
		}
	}
	return nil
}

// ForgetJob drops in-memory commit bookkeeping for job. Chunk/output
// files on disk are left for an external cleaner to remove.
func (s *Staging) ForgetJob(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.commits {
		if rec.job == job {
			delete(s.commits, id)
		}
	}
}

// OutputFilePath returns the local path of a committed file, for reading
// before archival.
func (s *Staging) OutputFilePath(job, fileID string) string {
	return s.outputPath(job, fileID)
}

// ChunkDir returns job's chunk directory, for the chunk-cleanup sweep.
func (s *Staging) ChunkDir(job string) string {
	return filepath.Join(s.dir, "chunk", job)
}

// RemoveChunks deletes job's entire chunk directory, used by the
// chunk-cleanup sweep once a completed job's bookkeeping is forgotten.
func (s *Staging) RemoveChunks(job string) error {
	if err := os.RemoveAll(s.ChunkDir(job)); err != nil {
		return berrors.Internalf(err)
	}
	return nil
}

// RemoveOutputFile deletes one committed local file, used by the archiver
// after a successful upload confirmation.
func (s *Staging) RemoveOutputFile(job, fileID string) error {
	if err := os.Remove(s.outputPath(job, fileID)); err != nil && !os.IsNotExist(err) {
		return berrors.Internalf(err)
	}
	return nil
}

// TrackedJobs returns the distinct set of jobs with in-memory commit
// bookkeeping, for the chunk-cleanup sweep to check against completion.
func (s *Staging) TrackedJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range s.commits {
		if _, ok := seen[rec.job]; ok {
			continue
		}
		seen[rec.job] = struct{}{}
		out = append(out, rec.job)
	}
	return out
}
