package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/shardxa/internal/storage"
)

func TestS3ObjectLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key := "xa/shardxa.1.json"
	created, err := store.PutObject(ctx, key, bytes.NewReader([]byte(`{"state":"PREPARING"}`)), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put create: %v", err)
	}
	if created.ETag == "" {
		t.Fatal("expected etag")
	}
	obj, err := store.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(obj.Reader)
	_ = obj.Reader.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(data), "PREPARING") {
		t.Fatalf("unexpected body %s", data)
	}
	if obj.Info.ETag != created.ETag {
		t.Fatalf("expected etag %q, got %q", created.ETag, obj.Info.ETag)
	}
	if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte(`{}`)), storage.PutObjectOptions{ExpectedETag: "bogus"}); err != storage.ErrCASMismatch {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	updated, err := store.PutObject(ctx, key, strings.NewReader(`{"state":"COMMITTING"}`), storage.PutObjectOptions{ExpectedETag: created.ETag, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put update: %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: "wrong"}); err != storage.ErrCASMismatch {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: updated.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{}); err != storage.ErrNotFound {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
	if _, err := store.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestS3ListObjectsWithPrefix(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "cluster-a"

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("xa/%d.json", i)
		if _, err := store.PutObject(ctx, key, strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	objs, err := storage.ListAll(ctx, store, "xa/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(objs) != 4 {
		t.Fatalf("expected 4 objects, got %d", len(objs))
	}
	if objs[0].Key != "xa/0.json" {
		t.Fatalf("expected logical key without store prefix, got %q", objs[0].Key)
	}
	res, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "xa/", Limit: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(res.Objects) != 2 || !res.Truncated || res.NextStartAfter != "xa/1.json" {
		t.Fatalf("unexpected page %+v", res)
	}
}

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "shardxa-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryable(tc.err)
			if got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	err := wrapError(syscall.ECONNRESET, "s3: put object")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if storage.IsTransient(wrapError(errors.New("boom"), "")) {
		t.Fatal("plain error should not be transient")
	}
}

func TestClassifyPutObjectError(t *testing.T) {
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, false); got != storage.ErrCASMismatch {
		t.Fatalf("412: expected cas mismatch, got %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusConflict, Code: "ConditionalRequestConflict"}, false); got != storage.ErrCASMismatch {
		t.Fatalf("409: expected cas mismatch, got %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusNotFound}, true); got != storage.ErrNotFound {
		t.Fatalf("404 with etag: expected not found, got %v", got)
	}
	if got := classifyPutObjectError(minio.ErrorResponse{StatusCode: http.StatusNotFound}, false); got != nil {
		t.Fatalf("404 without etag: expected nil, got %v", got)
	}
}

func TestServerSideEncryptionModes(t *testing.T) {
	if sse, err := serverSide("", ""); err != nil || sse != nil {
		t.Fatalf("plain: expected no encryption, got %v %v", sse, err)
	}
	sse, err := serverSide("aes256", "")
	if err != nil || sse == nil || sse.Type() != encrypt.S3 {
		t.Fatalf("aes256: got %v %v", sse, err)
	}
	if readSSE(sse) != nil {
		t.Fatal("SSE-S3 reads must not send key material")
	}
	sse, err = serverSide("aws:kms", "k1")
	if err != nil || sse == nil || sse.Type() != encrypt.KMS {
		t.Fatalf("kms: got %v %v", sse, err)
	}
	if _, err := serverSide("kms", ""); err == nil {
		t.Fatal("kms without a key id must fail")
	}
	if _, err := serverSide("rot13", ""); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestS3MissingRecord(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()
	cfg.Prefix = "/cluster-b/"

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.GetObject(ctx, "xa/missing.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.PutObject(ctx, "xa/missing.json", strings.NewReader("{}"), storage.PutObjectOptions{ExpectedETag: "abc"}); err == nil {
		t.Fatal("expected a conditional update of a missing record to fail")
	}
	if err := store.DeleteObject(ctx, "xa/missing.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
	if got := store.objectKey("/xa/a.json"); got != "cluster-b/xa/a.json" {
		t.Fatalf("object key = %q", got)
	}
	if store.Bucket() != cfg.Bucket {
		t.Fatalf("bucket = %q", store.Bucket())
	}
}
