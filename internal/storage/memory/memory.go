// Package memory is an in-process storage.Backend for tests and single-node
// development runs. Records vanish with the process.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/shardxa/internal/storage"
)

// Store keeps records in a map. Every write gets a fresh version-based ETag,
// so an ETag read before a delete never matches a record created after it.
type Store struct {
	mu      sync.Mutex
	recs    map[string]record
	version uint64
}

type record struct {
	data    []byte
	etag    string
	updated time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{recs: make(map[string]record)}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Len reports how many records are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func (r record) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{Key: key, ETag: r.etag, Size: int64(len(r.data)), LastModified: r.updated}
}

// ListObjects returns records in key order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.recs))
	for key := range s.recs {
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = keys[len(keys)-1]
	}
	result.Objects = make([]storage.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		result.Objects = append(result.Objects, s.recs[key].info(key))
	}
	return result, nil
}

// GetObject returns the record stored under key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := rec.info(key)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(rec.data)), Info: &info}, nil
}

// PutObject replaces the record under key subject to opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.recs[key]
	switch {
	case opts.ExpectedETag != "" && !exists:
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		return nil, storage.ErrCASMismatch
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	}
	s.version++
	rec := record{data: data, etag: "v" + strconv.FormatUint(s.version, 10), updated: time.Now()}
	s.recs[key] = rec
	info := rec.info(key)
	info.ContentType = opts.ContentType
	return &info, nil
}

// DeleteObject removes the record under key subject to opts.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.recs[key]
	switch {
	case !exists && opts.IgnoreNotFound:
		return nil
	case !exists:
		return storage.ErrNotFound
	case opts.ExpectedETag != "" && cur.etag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	}
	delete(s.recs, key)
	return nil
}
