package commit

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/shardxa/internal/xa"
)

// BranchRollbacker sends XA ROLLBACK to every participant of a transaction.
type BranchRollbacker struct{}

// Rollback implements Rollbacker.
func (BranchRollbacker) Rollback(ctx context.Context, txn *Txn) error {
	return txn.RollbackBranches(ctx)
}

// RollbackBranches rolls back every participant, on a fresh connection where
// the original one is gone. A branch the data node no longer knows about
// counts as rolled back. The log record is retired only when every branch
// rolled back; otherwise it stays in ROLLBACK_FAILED for recovery.
func (t *Txn) RollbackBranches(ctx context.Context) error {
	t.mu.Lock()
	t.state = xa.StateRollbacking
	parts := append([]*participant(nil), t.participants...)
	flushed := t.flushed
	t.mu.Unlock()

	if flushed {
		if err := t.coord.log.SavePhase(ctx, t.xid, xa.StateRollbacking); err != nil {
			t.logger.Warn("xa.rollback.log.phase_error", "state", xa.StateRollbacking, "error", err)
		}
	}

	type result struct {
		p   *participant
		err error
	}
	results := make(chan result, len(parts))
	for _, p := range parts {
		go func(p *participant) {
			results <- result{p: p, err: t.rollbackBranch(ctx, p)}
		}(p)
	}
	var (
		failed   []string
		released []*participant
	)
	for range parts {
		r := <-results
		status := xa.StateRollbacked
		if r.err != nil {
			status = xa.StateRollbackFailed
			failed = append(failed, r.p.branch)
			t.logger.Warn("xa.rollback.branch_error", "branch", r.p.branch, "target", r.p.target.String(), "error", r.err)
		} else {
			released = append(released, r.p)
		}
		if flushed {
			t.setStatus(ctx, r.p, status)
		} else {
			t.mu.Lock()
			r.p.status = status
			t.mu.Unlock()
		}
	}

	final := xa.StateRollbacked
	if len(failed) > 0 {
		final = xa.StateRollbackFailed
	}
	t.setState(final)
	if flushed {
		if err := t.coord.log.SavePhase(ctx, t.xid, final); err != nil {
			t.logger.Warn("xa.rollback.log.phase_error", "state", final, "error", err)
		}
	}
	t.release(released)
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("commit: rollback failed for %s", strings.Join(failed, ", "))
	}
	t.logger.Info("xa.rollback.done", "participants", len(parts))
	return nil
}

func (t *Txn) rollbackBranch(ctx context.Context, p *participant) error {
	conn := t.connOf(p)
	if conn == nil || conn.Closed() {
		fresh, err := t.freshConn(ctx, p, conn)
		if err != nil {
			return err
		}
		conn = fresh
	}
	outcome := make(chan Outcome, 1)
	conn.Send(ctx, xa.VerbRollback, p.branch, func(o Outcome) { outcome <- o })
	var o Outcome
	select {
	case o = <-outcome:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch {
	case o.Kind == OutcomeAck:
		return nil
	case o.Kind == OutcomeError && o.Code == xa.CodeXAERNota:
		return nil
	case o.Err != nil:
		return o.Err
	}
	return fmt.Errorf("%d: %s", o.Code, o.Message)
}
