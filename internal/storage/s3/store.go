// Package s3 keeps recovery records as small JSON objects in an S3-compatible
// bucket. Records are read and written whole; conditional writes map onto
// If-Match / If-None-Match so two coordinators sharing a bucket cannot
// interleave a CAS.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend over one bucket and key prefix.
type Store struct {
	client *minio.Client
	bucket string
	root   string
	sse    encrypt.ServerSide
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
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
	sse, err := serverSide(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	root := strings.Trim(cfg.Prefix, "/")
	if root != "" {
		root += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, root: root, sse: sse}, nil
}

func serverSide(mode, kmsKey string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(mode) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if kmsKey == "" {
			return nil, fmt.Errorf("s3: kms encryption requires a key id")
		}
		sse, err := encrypt.NewSSEKMS(kmsKey, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: kms encryption: %w", err)
		}
		return sse, nil
	default:
		return nil, fmt.Errorf("s3: unsupported server side encryption %q", mode)
	}
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConnsPerHost = max(clone.MaxIdleConnsPerHost, 16)
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Bucket returns the bucket records are kept in.
func (s *Store) Bucket() string { return s.bucket }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.bucket)
}

func logger(ctx context.Context) pslog.Logger {
	l := pslog.LoggerFromContext(ctx)
	if l == nil {
		l = loggingutil.NoopLogger()
	}
	return l.With("storage_backend", "s3")
}

func (s *Store) objectKey(key string) string {
	return s.root + strings.TrimPrefix(key, "/")
}

// ListObjects enumerates records under opts.Prefix in key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	listOpts := minio.ListObjectsOptions{
		Prefix:    s.objectKey(opts.Prefix),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = s.objectKey(opts.StartAfter)
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if object.Err != nil {
			logger(ctx).Debug("s3.list_objects.error", "prefix", opts.Prefix, "error", object.Err)
			return nil, wrapError(object.Err, "s3: list objects")
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          strings.TrimPrefix(object.Key, s.root),
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	return result, nil
}

// GetObject downloads the whole record stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	object := s.objectKey(key)
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{ServerSideEncryption: readSSE(s.sse)})
	if err != nil {
		return storage.GetObjectResult{}, s.readError(ctx, key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return storage.GetObjectResult{}, s.readError(ctx, key, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		return storage.GetObjectResult{}, s.readError(ctx, key, err)
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(data)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(stat.ETag),
			Size:         int64(len(data)),
			LastModified: stat.LastModified,
			ContentType:  stat.ContentType,
		},
	}, nil
}

func (s *Store) readError(ctx context.Context, key string, err error) error {
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	logger(ctx).Debug("s3.get_object.error", "key", key, "error", err)
	return wrapError(err, "s3: get object")
}

// readSSE returns the key material a GET needs; only SSE-C requires it.
func readSSE(sse encrypt.ServerSide) encrypt.ServerSide {
	if sse != nil && sse.Type() == encrypt.SSEC {
		return sse
	}
	return nil
}

// PutObject uploads a record with conditional guards. The body is buffered so
// every upload is a single PUT.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: buffer record: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, ServerSideEncryption: s.sse}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	if opts.ExpectedETag != "" {
		putOpts.SetMatchETag(opts.ExpectedETag)
	} else if opts.IfNotExists {
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)), putOpts)
	if err != nil {
		if cas := classifyPutObjectError(err, opts.ExpectedETag != ""); cas != nil {
			logger(ctx).Debug("s3.put_object.precondition", "key", key, "expected_etag", opts.ExpectedETag, "result", cas)
			return nil, cas
		}
		logger(ctx).Debug("s3.put_object.error", "key", key, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes a record. S3 deletes are idempotent, so a stat is only
// issued when the caller needs a precondition or a not-found result.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(key)
	if opts.ExpectedETag != "" || !opts.IgnoreNotFound {
		stat, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
		switch {
		case isNotFound(err) && opts.IgnoreNotFound:
			return nil
		case isNotFound(err):
			return storage.ErrNotFound
		case err != nil:
			logger(ctx).Debug("s3.delete_object.stat_error", "key", key, "error", err)
			return wrapError(err, "s3: stat object")
		case opts.ExpectedETag != "" && stripETag(stat.ETag) != opts.ExpectedETag:
			return storage.ErrCASMismatch
		}
	}
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) && opts.IgnoreNotFound {
			return nil
		}
		logger(ctx).Debug("s3.delete_object.error", "key", key, "error", err)
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// classifyPutObjectError maps a failed conditional PUT onto the storage CAS
// errors, or returns nil when err is not a precondition failure.
func classifyPutObjectError(err error, hasExpectedETag bool) error {
	if err == nil {
		return nil
	}
	if isPreconditionFailed(err) {
		return storage.ErrCASMismatch
	}
	if hasExpectedETag && isNotFound(err) {
		return storage.ErrNotFound
	}
	return nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
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
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
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
	return false
}
