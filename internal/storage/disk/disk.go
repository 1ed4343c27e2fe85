// Package disk keeps recovery records as flat files in a single directory on
// the local filesystem.
//
// A record's file name is its key with path separators escaped, so every
// record lives directly under <root>/records and listing is one directory
// read. The ETag is derived from the record bytes, which removes the need for
// any metadata beside the record itself. Conditional writes are serialised
// with striped fcntl range locks on <root>/records.lock, which also keeps two
// coordinator processes sharing a root from interleaving a CAS.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/storage"
)

const (
	recordDirName = "records"
	tmpDirName    = "tmp"
	lockFileName  = "records.lock"

	lockStripes = 256
	maxNameLen  = 255
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
}

// Store implements storage.Backend over a directory of record files. Use one
// Store per root within a process; fcntl locks are owned by the process.
type Store struct {
	dir  string
	tmp  string
	lock *os.File

	stripes [lockStripes]sync.Mutex
	closeMu sync.Once
}

// New prepares cfg.Root and opens its lock file.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	dir := filepath.Join(root, recordDirName)
	tmp := filepath.Join(root, tmpDirName)
	for _, d := range []string{dir, tmp} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", d, err)
		}
	}
	lock, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	return &Store{dir: dir, tmp: tmp, lock: lock}, nil
}

// Close releases the lock file.
func (s *Store) Close() error {
	var err error
	s.closeMu.Do(func() { err = s.lock.Close() })
	return err
}

func logger(ctx context.Context) pslog.Logger {
	l := pslog.LoggerFromContext(ctx)
	if l == nil {
		l = loggingutil.NoopLogger()
	}
	return l.With("storage_backend", "disk")
}

// fileName maps key to the record's file name.
func fileName(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: record key required")
	}
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("disk: invalid record key %q", key)
	}
	name := url.PathEscape(key)
	if name == "." || name == ".." || len(name) > maxNameLen {
		return "", fmt.Errorf("disk: invalid record key %q", key)
	}
	return name, nil
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// lockKey takes the stripe for key in-process and then across processes.
func (s *Store) lockKey(key string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := h.Sum32() % lockStripes
	mu := &s.stripes[idx]
	mu.Lock()
	if err := lockRange(s.lock, int64(idx)); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock record: %w", err)
	}
	return func() {
		_ = unlockRange(s.lock, int64(idx))
		mu.Unlock()
	}, nil
}

// read loads the record stored under name.
func (s *Store) read(key, name string) ([]byte, *storage.ObjectInfo, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, storage.ErrNotFound
		}
		return nil, nil, fmt.Errorf("disk: open record %q: %w", key, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("disk: stat record %q: %w", key, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("disk: read record %q: %w", key, err)
	}
	return data, &storage.ObjectInfo{
		Key:          key,
		ETag:         etagOf(data),
		Size:         int64(len(data)),
		LastModified: fi.ModTime(),
	}, nil
}

// ListObjects returns records in key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("disk: list records: %w", err)
	}
	keys := make(map[string]string, len(entries))
	ordered := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			logger(ctx).Warn("disk.list_objects.foreign_file", "name", e.Name())
			continue
		}
		if !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
			continue
		}
		keys[key] = e.Name()
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	result := &storage.ListResult{}
	for i, key := range ordered {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = ordered[i-1]
			break
		}
		_, info, err := s.read(key, keys[key])
		if errors.Is(err, storage.ErrNotFound) {
			// retired since the directory read
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}

// GetObject returns the record stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	name, err := fileName(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	data, info, err := s.read(key, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger(ctx).Debug("disk.get_object.error", "key", key, "error", err)
		}
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

// PutObject replaces the record under key. The record file and the directory
// entry are synced before PutObject returns.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := fileName(key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("disk: buffer record %q: %w", key, err)
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.checkPrecondition(ctx, key, name, opts.ExpectedETag, opts.IfNotExists); err != nil {
		return nil, err
	}
	if err := s.writeRecord(name, data); err != nil {
		logger(ctx).Debug("disk.put_object.write_error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: write record %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etagOf(data),
		Size:         int64(len(data)),
		LastModified: time.Now(),
		ContentType:  opts.ContentType,
	}, nil
}

func (s *Store) checkPrecondition(ctx context.Context, key, name, expected string, ifNotExists bool) error {
	switch {
	case expected != "":
		_, info, err := s.read(key, name)
		if err != nil {
			return err
		}
		if info.ETag != expected {
			logger(ctx).Debug("disk.cas_mismatch", "key", key, "expected_etag", expected, "current_etag", info.ETag)
			return storage.ErrCASMismatch
		}
	case ifNotExists:
		_, err := os.Lstat(filepath.Join(s.dir, name))
		if err == nil {
			return storage.ErrCASMismatch
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk: stat record %q: %w", key, err)
		}
	}
	return nil
}

// DeleteObject retires the record under key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := fileName(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()

	if opts.ExpectedETag != "" {
		if err := s.checkPrecondition(ctx, key, name, opts.ExpectedETag, false); err != nil {
			if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
				return nil
			}
			return err
		}
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove record %q: %w", key, err)
	}
	if err := syncDir(s.dir); err != nil {
		logger(ctx).Debug("disk.delete_object.sync_dir_error", "key", key, "error", err)
	}
	return nil
}

// writeRecord stages data in the tmp directory and renames it into place.
func (s *Store) writeRecord(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.tmp, "record-*")
	if err != nil {
		return err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := syncFile(tmp); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return syncDir(s.dir)
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
