// Package s3 stores records as objects in an S3-compatible bucket through
// minio-go. Writes use conditional headers (If-Match / If-None-Match) backed
// by a stat guard for servers that ignore them.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/storage"
)

const (
	recordSuffix      = ".rec"
	recordContentType = "application/octet-stream"
	maxRecordBytes    = 4 << 20
)

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on top of an S3 bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store. Credentials default to the AWS/MinIO environment,
// the shared credentials file and finally IAM.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 128
	clone.MaxIdleConnsPerHost = 32
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	return clone
}

// Client exposes the underlying minio client.
func (s *Store) Client() *minio.Client { return s.client }

// Close is a no-op; the HTTP transport is shared.
func (s *Store) Close() error { return nil }

// Ping verifies that the bucket exists.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return s.wrapError(err, "s3: bucket exists")
	}
	if !ok {
		return fmt.Errorf("s3: bucket %q does not exist", s.cfg.Bucket)
	}
	return nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Load fetches the record object and its etag.
func (s *Store) Load(ctx context.Context, namespace, key string) (storage.LoadResult, error) {
	object, err := s.object(namespace, key)
	if err != nil {
		return storage.LoadResult{}, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: stat record")
	}
	body, err := io.ReadAll(io.LimitReader(obj, maxRecordBytes))
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: read record")
	}
	return storage.LoadResult{Body: body, ETag: stripETag(info.ETag)}, nil
}

// Store writes the record with CAS semantics.
func (s *Store) Store(ctx context.Context, namespace, key string, body []byte, expectedETag string) (string, error) {
	object, err := s.object(namespace, key)
	if err != nil {
		return "", err
	}
	if err := s.guard(ctx, object, expectedETag); err != nil {
		s.logger(ctx).Debug("s3.store.guard", "object", object, "expected_etag", expectedETag, "error", err)
		return "", err
	}
	options := minio.PutObjectOptions{ContentType: recordContentType}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(body), int64(len(body)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: put record")
	}
	return stripETag(info.ETag), nil
}

// guard checks the current object etag against expectedETag. It is the only
// CAS protection on servers that ignore conditional put headers.
func (s *Store) guard(ctx context.Context, object, expectedETag string) error {
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if expectedETag != "" {
				return storage.ErrNotFound
			}
			return nil
		}
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag == "" || stripETag(info.ETag) != expectedETag {
		return storage.ErrCASMismatch
	}
	return nil
}

// Delete removes the record. S3 offers no conditional delete through minio,
// so the etag check and the removal are two requests.
func (s *Store) Delete(ctx context.Context, namespace, key, expectedETag string) error {
	object, err := s.object(namespace, key)
	if err != nil {
		return err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove record")
	}
	return nil
}

// ListKeys enumerates record keys under namespace.
func (s *Store) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	prefix := s.withPrefix(namespace) + "/"
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list records")
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || strings.Contains(rel, "/") || !strings.HasSuffix(rel, recordSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(rel, recordSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) object(namespace, key string) (string, error) {
	if err := storage.ValidateAddress(namespace, key); err != nil {
		return "", err
	}
	return s.withPrefix(path.Join(namespace, key+recordSuffix)), nil
}

func (s *Store) withPrefix(p string) string {
	if s.cfg.Prefix == "" {
		return p
	}
	return path.Join(s.cfg.Prefix, p)
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict &&
		(resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted")
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	switch code := minio.ToErrorResponse(err).StatusCode; {
	case code >= http.StatusInternalServerError:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil && opErr.Err != err {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
