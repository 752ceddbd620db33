// Package blob wraps an S3-compatible object store with the narrow
// put/get/presign contract Blob Backend (C3) needs: spec.md §4.3. Keys
// are namespaced "{prefix}/{collection}/{suffix}" across exactly two
// collections, output files and archived job documents.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"buildomat/internal/berrors"
)

// maxPresignTTL is the hard ceiling from spec.md §4.3/§6: presigned URLs
// never outlive one hour.
const maxPresignTTL = 3600 * time.Second

type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseTLS    bool
}

func New(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, berrors.Internalf(fmt.Errorf("constructing blob client: %w", err))
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *Store) outputKey(job, file string) string {
	return fmt.Sprintf("%s/output/%s/%s", s.prefix, job, file)
}

func (s *Store) jobKey(version int, job string) string {
	return fmt.Sprintf("%s/job/%d/%s.json", s.prefix, version, job)
}

// PutOutput uploads a job output file's bytes under its canonical key.
func (s *Store) PutOutput(ctx context.Context, job, file string, r io.Reader, size int64) error {
	return s.put(ctx, s.outputKey(job, file), r, size)
}

// PutArchiveDocument uploads a serialized job archive document.
func (s *Store) PutArchiveDocument(ctx context.Context, version int, job string, r io.Reader, size int64) error {
	return s.put(ctx, s.jobKey(version, job), r, size)
}

func (s *Store) put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return berrors.Internalf(fmt.Errorf("putting blob %s: %w", key, err))
	}
	return nil
}

// GetOutput streams a job output file's bytes back from the blob store.
func (s *Store) GetOutput(ctx context.Context, job, file string) (io.ReadCloser, error) {
	return s.get(ctx, s.outputKey(job, file))
}

// GetArchiveDocument streams a serialized job archive document back.
func (s *Store) GetArchiveDocument(ctx context.Context, version int, job string) (io.ReadCloser, error) {
	return s.get(ctx, s.jobKey(version, job))
}

func (s *Store) get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, berrors.Internalf(fmt.Errorf("getting blob %s: %w", key, err))
	}
	// GetObject does not itself make the round-trip; Stat does, and
	// surfaces a not-found distinctly from a transient error.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, berrors.NotFoundf("blob %s not found", key)
		}
		return nil, berrors.Internalf(fmt.Errorf("stat blob %s: %w", key, err))
	}
	return obj, nil
}

// PresignOutput returns a time-limited URL for the output file at key,
// capped at maxPresignTTL and optionally overriding the response
// Content-Type/Content-Disposition headers the client will see.
func (s *Store) PresignOutput(ctx context.Context, job, file string, ttl time.Duration, respContentType, respContentDisposition string) (string, error) {
	if ttl <= 0 || ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	reqParams := make(url.Values)
	if respContentType != "" {
		reqParams.Set("response-content-type", respContentType)
	}
	if respContentDisposition != "" {
		reqParams.Set("response-content-disposition", respContentDisposition)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.outputKey(job, file), ttl, reqParams)
	if err != nil {
		return "", berrors.Internalf(fmt.Errorf("presigning blob for job %s file %s: %w", job, file, err))
	}
	return u.String(), nil
}

// EnsureBucket creates the configured bucket if it does not already
// exist, for first-run deployments against a fresh object store.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return berrors.Internalf(fmt.Errorf("checking bucket: %w", err))
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return berrors.Internalf(fmt.Errorf("creating bucket: %w", err))
	}
	return nil
}

