// Package recovery finishes transactions left unfinished in the recovery log
// by a previous process.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/xa"
)

// Lister reads unfinished records.
type Lister interface {
	List(ctx context.Context) ([]*xa.CoordinatorLogEntry, error)
}

// Resumer continues one logged transaction.
type Resumer interface {
	Resume(ctx context.Context, entry *xa.CoordinatorLogEntry, conns commit.ConnProvider, client commit.Client) (*commit.Txn, commit.Decision, error)
}

// Config configures a Recoverer.
type Config struct {
	Log         Lister
	Coordinator Resumer
	Conns       commit.ConnProvider
	Logger      pslog.Logger
	// Wait bounds how long Run waits for each re-driven commit; zero waits
	// until ctx ends.
	Wait time.Duration
}

// Report summarises one recovery pass.
type Report struct {
	Scanned    int
	Committed  int
	RolledBack int
	Retired    int
	// Background counts commits handed to the background retry queue.
	Background int
	Failed     []string
}

// Recoverer runs crash recovery.
type Recoverer struct {
	log    Lister
	coord  Resumer
	conns  commit.ConnProvider
	logger pslog.Logger
	wait   time.Duration
}

// New builds a Recoverer.
func New(cfg Config) (*Recoverer, error) {
	if cfg.Log == nil || cfg.Coordinator == nil || cfg.Conns == nil {
		return nil, errors.New("recovery: log, coordinator and conns are required")
	}
	return &Recoverer{
		log:    cfg.Log,
		coord:  cfg.Coordinator,
		conns:  cfg.Conns,
		logger: loggingutil.WithSubsystem(cfg.Logger, "xa.recovery"),
		wait:   cfg.Wait,
	}, nil
}

// Run resumes every unfinished record, oldest first. A record that cannot be
// finished stays in the log and is listed in Report.Failed.
func (r *Recoverer) Run(ctx context.Context) (Report, error) {
	var rep Report
	entries, err := r.log.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("recovery: %w", err)
	}
	rep.Scanned = len(entries)
	if len(entries) == 0 {
		r.logger.Debug("xa.recovery.empty")
		return rep, nil
	}
	r.logger.Info("xa.recovery.start", "records", len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		r.resume(ctx, entry, &rep)
	}
	r.logger.Info("xa.recovery.done",
		"records", rep.Scanned,
		"committed", rep.Committed,
		"rolled_back", rep.RolledBack,
		"retired", rep.Retired,
		"background", rep.Background,
		"failed", len(rep.Failed),
	)
	return rep, nil
}

func (r *Recoverer) resume(ctx context.Context, entry *xa.CoordinatorLogEntry, rep *Report) {
	txn, decision, err := r.coord.Resume(ctx, entry, r.conns, nil)
	if err != nil {
		r.logger.Warn("xa.recovery.resume_error", "xid", entry.XID, "decision", decision, "error", err)
		rep.Failed = append(rep.Failed, entry.XID)
		return
	}
	switch decision {
	case commit.DecisionRetire:
		rep.Retired++
		return
	case commit.DecisionRollback:
		rep.RolledBack++
		return
	}
	if !r.await(ctx, txn) {
		r.logger.Warn("xa.recovery.commit_pending", "xid", entry.XID)
		rep.Background++
		return
	}
	if txn.State() == xa.StateInitialize {
		rep.Committed++
		return
	}
	rep.Background++
}

func (r *Recoverer) await(ctx context.Context, txn *commit.Txn) bool {
	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}
	select {
	case <-txn.Done():
		return true
	case <-ctx.Done():
		return false
	}
}
