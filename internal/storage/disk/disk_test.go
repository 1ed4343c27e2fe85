package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pkt.systems/shardxa/internal/storage"
)

func newTestStore(t *testing.T, root string) *Store {
	t.Helper()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func readAll(t *testing.T, store *Store, key string) (string, string) {
	t.Helper()
	obj, err := store.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer obj.Reader.Close()
	body, err := io.ReadAll(obj.Reader)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(body), obj.Info.ETag
}

func TestDiskRecordRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	payload := `{"xid":"'shardxa.1'","state":"PREPARING"}`

	info, err := store.PutObject(ctx, "xa/shardxa.1.json", strings.NewReader(payload), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" || info.Size != int64(len(payload)) {
		t.Fatalf("unexpected info %+v", info)
	}
	body, etag := readAll(t, store, "xa/shardxa.1.json")
	if body != payload {
		t.Fatalf("body mismatch: %q", body)
	}
	if etag != info.ETag {
		t.Fatalf("etag = %s want %s", etag, info.ETag)
	}
}

func TestDiskRecordsAreFlatFilesWithoutMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "cluster/xa/a%27b.json", strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].IsDir() {
		t.Fatalf("expected a single record file, got %v", entries)
	}
	if got := entries[0].Name(); got != "cluster%2Fxa%2Fa%2527b.json" {
		t.Fatalf("unexpected file name %q", got)
	}
	if err := store.DeleteObject(ctx, "cluster/xa/a%27b.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if entries, _ := os.ReadDir(store.dir); len(entries) != 0 {
		t.Fatalf("expected no residue after delete, got %v", entries)
	}
}

func TestDiskPutObjectCAS(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	info, err := store.PutObject(ctx, "xa/a", strings.NewReader("v1"), storage.PutObjectOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.PutObject(ctx, "xa/a", strings.NewReader("v1b"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create, got %v", err)
	}
	if _, err := store.PutObject(ctx, "xa/a", strings.NewReader("v2"), storage.PutObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if _, err := store.PutObject(ctx, "xa/none", strings.NewReader("v2"), storage.PutObjectOptions{ExpectedETag: info.ETag}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	updated, err := store.PutObject(ctx, "xa/a", strings.NewReader("v2"), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if updated.ETag == info.ETag {
		t.Fatal("etag should change with content")
	}
	if _, err := store.PutObject(ctx, "xa/a", strings.NewReader("v3"), storage.PutObjectOptions{ExpectedETag: info.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag rejected, got %v", err)
	}
}

func TestDiskDeleteObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	info, err := store.PutObject(ctx, "xa/obj", strings.NewReader("x"), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "xa/obj", storage.DeleteObjectOptions{ExpectedETag: "bogus"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "xa/obj", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "xa/obj", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "xa/obj", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestDiskListObjects(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("xa/%d", i)
		if _, err := store.PutObject(ctx, key, strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.PutObject(ctx, "other", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	// Stray files in the record directory are skipped.
	if err := os.WriteFile(filepath.Join(store.dir, "bad%zz"), nil, 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}
	res, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "xa/", Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 3 || !res.Truncated || res.NextStartAfter != "xa/2" {
		t.Fatalf("unexpected page %+v", res)
	}
	res, err = store.ListObjects(ctx, storage.ListOptions{Prefix: "xa/", StartAfter: res.NextStartAfter})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "xa/3" || res.Truncated {
		t.Fatalf("unexpected page 2 %+v", res)
	}
	if res.Objects[0].ETag == "" {
		t.Fatal("expected listed records to carry an etag")
	}
}

func TestDiskRecordsSurviveReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := newTestStore(t, root)
	info, err := first.PutObject(context.Background(), "xa/keep", strings.NewReader(`{"state":"COMMITTING"}`), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestStore(t, root)
	body, etag := readAll(t, second, "xa/keep")
	if body != `{"state":"COMMITTING"}` || etag != info.ETag {
		t.Fatalf("unexpected record after reopen: %q etag=%s", body, etag)
	}
	if _, err := second.PutObject(context.Background(), "xa/keep", strings.NewReader("{}"), storage.PutObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas with etag from before reopen: %v", err)
	}
}

func TestDiskConcurrentCreateSingleWinner(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.PutObject(ctx, "xa/race", strings.NewReader(fmt.Sprintf("writer-%d", i)), storage.PutObjectOptions{IfNotExists: true})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestDiskRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	for _, key := range []string{"", ".", "..", "a\x00b", strings.Repeat("k", 300)} {
		if _, err := store.PutObject(context.Background(), key, strings.NewReader("x"), storage.PutObjectOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
	// Path-like keys never leave the record directory.
	if _, err := store.PutObject(context.Background(), "../../etc/passwd", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.dir, "..%2F..%2Fetc%2Fpasswd")); err != nil {
		t.Fatalf("expected escaped record file: %v", err)
	}
}
