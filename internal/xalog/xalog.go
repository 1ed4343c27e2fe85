// Package xalog persists coordinator log entries for distributed XA
// transactions. Every write is durable in the backing store before it returns,
// so callers may issue the command that depends on it immediately afterwards.
package xalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/correlation"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/storage"
	"pkt.systems/shardxa/internal/xa"
)

// DefaultPrefix is the object key prefix for recovery records.
const DefaultPrefix = "xa/"

const maxCASAttempts = 4

// ErrUnknownXID is returned when mutating a transaction that was never flushed.
var ErrUnknownXID = errors.New("xalog: unknown xid")

// Config configures a Log.
type Config struct {
	Store  storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock
	Prefix string
}

// Log is the recovery log. It is safe for concurrent use; writes for the same
// xid are serialised.
type Log struct {
	store   storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
	prefix  string
	metrics *logMetrics

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	mu    sync.Mutex
	entry *xa.CoordinatorLogEntry
	etag  string
}

// New builds a Log over cfg.Store.
func New(cfg Config) (*Log, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("xalog: store required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "xa.log")
	return &Log{
		store:   cfg.Store,
		logger:  logger,
		clock:   clock.Ensure(cfg.Clock),
		prefix:  prefix,
		metrics: newLogMetrics(logger),
		records: make(map[string]*record),
	}, nil
}

// Key returns the object key holding xid.
func (l *Log) Key(xid string) string {
	return l.prefix + url.PathEscape(xa.Unquote(xid)) + ".json"
}

// FlushInitial writes the first coordinator entry for a transaction. Calling it
// again for the same xid overwrites phase and participants.
func (l *Log) FlushInitial(ctx context.Context, entry *xa.CoordinatorLogEntry) error {
	if entry == nil || entry.XID == "" {
		return fmt.Errorf("xalog: flush initial: xid required")
	}
	seed := entry.Clone()
	return l.mutate(ctx, "flush_initial", entry.XID, seed.State, true, func(e *xa.CoordinatorLogEntry) {
		created := e.CreatedAtUnix
		*e = *seed.Clone()
		if created != 0 {
			e.CreatedAtUnix = created
		}
	})
}

// InitParticipant records p at its position, replacing any earlier entry.
func (l *Log) InitParticipant(ctx context.Context, xid string, p xa.ParticipantLogEntry) error {
	return l.mutate(ctx, "init_participant", xid, p.Status, false, func(e *xa.CoordinatorLogEntry) {
		upsertParticipant(e, p)
	})
}

// SaveParticipant persists a participant status change.
func (l *Log) SaveParticipant(ctx context.Context, xid string, p xa.ParticipantLogEntry) error {
	return l.mutate(ctx, "save_participant", xid, p.Status, false, func(e *xa.CoordinatorLogEntry) {
		upsertParticipant(e, p)
	})
}

// SavePhase persists the coordinator phase. Terminal phases retire the record.
func (l *Log) SavePhase(ctx context.Context, xid string, state xa.TxState) error {
	if state == xa.StateCommitted || state == xa.StateRollbacked {
		return l.retire(ctx, xid, state)
	}
	return l.mutate(ctx, "save_phase", xid, state, false, func(e *xa.CoordinatorLogEntry) {
		e.State = state
	})
}

// Load returns the current entry for xid.
func (l *Log) Load(ctx context.Context, xid string) (*xa.CoordinatorLogEntry, error) {
	rec := l.lookup(xid)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.entry != nil {
		return rec.entry.Clone(), nil
	}
	entry, etag, err := l.read(ctx, xid)
	if err != nil {
		l.drop(xid, rec)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownXID, xid)
		}
		return nil, err
	}
	rec.entry, rec.etag = entry, etag
	return entry.Clone(), nil
}

// List returns all unfinished entries in the store ordered by creation time.
func (l *Log) List(ctx context.Context) ([]*xa.CoordinatorLogEntry, error) {
	objs, err := storage.ListAll(ctx, l.store, l.prefix)
	if err != nil {
		return nil, fmt.Errorf("xalog: list: %w", err)
	}
	out := make([]*xa.CoordinatorLogEntry, 0, len(objs))
	for _, obj := range objs {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		entry, _, err := l.readKey(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAtUnix != out[j].CreatedAtUnix {
			return out[i].CreatedAtUnix < out[j].CreatedAtUnix
		}
		return out[i].XID < out[j].XID
	})
	return out, nil
}

// Delete removes the record for xid regardless of its phase.
func (l *Log) Delete(ctx context.Context, xid string) error {
	rec := l.lookup(xid)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	err := l.store.DeleteObject(ctx, l.Key(xid), storage.DeleteObjectOptions{IgnoreNotFound: true})
	rec.entry, rec.etag = nil, ""
	l.drop(xid, rec)
	if err != nil {
		return fmt.Errorf("xalog: delete %s: %w", xid, err)
	}
	return nil
}

func (l *Log) retire(ctx context.Context, xid string, state xa.TxState) error {
	start := l.clock.Now()
	ctx = correlation.With(ctx, xid)
	rec := l.lookup(xid)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	err := l.store.DeleteObject(ctx, l.Key(xid), storage.DeleteObjectOptions{IgnoreNotFound: true})
	l.metrics.recordWrite(ctx, "retire", state, l.clock.Now().Sub(start), err)
	if err != nil {
		l.logger.Warn("xa.log.retire_error", "xid", xid, "state", state, "error", err)
		return fmt.Errorf("xalog: retire %s: %w", xid, err)
	}
	rec.entry, rec.etag = nil, ""
	l.drop(xid, rec)
	l.logger.Debug("xa.log.retired", "xid", xid, "state", state)
	return nil
}

// mutate applies fn to the current entry and persists it with CAS. When create
// is false the entry must already exist in memory or in the store.
func (l *Log) mutate(ctx context.Context, op, xid string, state xa.TxState, create bool, fn func(*xa.CoordinatorLogEntry)) error {
	start := l.clock.Now()
	ctx = correlation.With(ctx, xid)
	rec := l.lookup(xid)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	err := l.mutateLocked(ctx, op, xid, rec, create, fn)
	l.metrics.recordWrite(ctx, op, state, l.clock.Now().Sub(start), err)
	if err != nil {
		l.logger.Warn("xa.log.write_error", "op", op, "xid", xid, "state", state, "error", err)
		if rec.entry == nil {
			l.drop(xid, rec)
		}
		return err
	}
	l.logger.Trace("xa.log.write", "op", op, "xid", xid, "state", state)
	return nil
}

func (l *Log) mutateLocked(ctx context.Context, op, xid string, rec *record, create bool, fn func(*xa.CoordinatorLogEntry)) error {
	if rec.entry == nil {
		entry, etag, err := l.read(ctx, xid)
		switch {
		case err == nil:
			rec.entry, rec.etag = entry, etag
		case errors.Is(err, storage.ErrNotFound):
			if !create {
				return fmt.Errorf("%w: %s", ErrUnknownXID, xid)
			}
		default:
			return fmt.Errorf("xalog: %s %s: %w", op, xid, err)
		}
	}
	for attempt := 1; ; attempt++ {
		next := &xa.CoordinatorLogEntry{XID: xid}
		if rec.entry != nil {
			next = rec.entry.Clone()
		}
		fn(next)
		now := l.clock.Now().Unix()
		if next.CreatedAtUnix == 0 {
			next.CreatedAtUnix = now
		}
		next.UpdatedAtUnix = now
		etag, err := l.write(ctx, xid, next, rec.etag)
		if err == nil {
			rec.entry, rec.etag = next, etag
			return nil
		}
		if attempt >= maxCASAttempts || !(errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound)) {
			return fmt.Errorf("xalog: %s %s: %w", op, xid, err)
		}
		l.metrics.recordConflict(ctx, op)
		current, currentETag, rerr := l.read(ctx, xid)
		switch {
		case rerr == nil:
			rec.entry, rec.etag = current, currentETag
		case errors.Is(rerr, storage.ErrNotFound):
			// purged underneath us; recreate from the in-memory view
			rec.etag = ""
		default:
			return fmt.Errorf("xalog: %s %s: reload: %w", op, xid, rerr)
		}
	}
}

func (l *Log) write(ctx context.Context, xid string, entry *xa.CoordinatorLogEntry, etag string) (string, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	opts := storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if etag != "" {
		opts.ExpectedETag = etag
	} else {
		opts.IfNotExists = true
	}
	info, err := l.store.PutObject(ctx, l.Key(xid), bytes.NewReader(payload), opts)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

func (l *Log) read(ctx context.Context, xid string) (*xa.CoordinatorLogEntry, string, error) {
	return l.readKey(ctx, l.Key(xid))
}

func (l *Log) readKey(ctx context.Context, key string) (*xa.CoordinatorLogEntry, string, error) {
	obj, err := l.store.GetObject(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer obj.Reader.Close()
	data, err := io.ReadAll(obj.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("xalog: read %s: %w", key, err)
	}
	var entry xa.CoordinatorLogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, "", fmt.Errorf("xalog: decode %s: %w", key, err)
	}
	etag := ""
	if obj.Info != nil {
		etag = obj.Info.ETag
	}
	return &entry, etag, nil
}

func (l *Log) lookup(xid string) *record {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[xid]
	if !ok {
		rec = &record{}
		l.records[xid] = rec
	}
	return rec
}

func (l *Log) drop(xid string, rec *record) {
	l.mu.Lock()
	if l.records[xid] == rec {
		delete(l.records, xid)
	}
	l.mu.Unlock()
}

func upsertParticipant(e *xa.CoordinatorLogEntry, p xa.ParticipantLogEntry) {
	for i := range e.Participants {
		if e.Participants[i].Position == p.Position {
			if p.ThreadID == 0 {
				p.ThreadID = e.Participants[i].ThreadID
			}
			e.Participants[i] = p
			return
		}
	}
	e.Participants = append(e.Participants, p)
	sort.Slice(e.Participants, func(i, j int) bool {
		return e.Participants[i].Position < e.Participants[j].Position
	})
}
