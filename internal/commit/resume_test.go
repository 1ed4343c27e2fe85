package commit

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
)

func logEntry(t *testing.T, h *harness, xid string, state xa.TxState, statuses ...xa.TxState) *xa.CoordinatorLogEntry {
	t.Helper()
	entry := &xa.CoordinatorLogEntry{XID: xid, SessionID: "s-1", State: state}
	for i, s := range statuses {
		target := xa.Target{Name: []string{"dn1", "dn2", "dn3"}[i]}
		entry.Participants = append(entry.Participants, xa.ParticipantLogEntry{
			Position:  i,
			Target:    target,
			BranchXID: xa.BranchXID(xid, target),
			Status:    s,
			ThreadID:  uint64(70 + i),
		})
	}
	if err := h.log.FlushInitial(context.Background(), entry); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return entry
}

func TestResumeCommitsDecidedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, nil)
	ctx := context.Background()
	entry := logEntry(t, h, "'shardxa.r1'", xa.StateCommitting, xa.StateCommitted, xa.StatePrepared, xa.StatePrepared)

	txn, decision, err := h.coord.Resume(ctx, entry, h.provider, h.client)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if decision != DecisionCommit {
		t.Fatalf("expected commit, got %s", decision)
	}
	waitDone(t, txn)

	if resp := h.client.responses(); len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected OK, got %v", resp)
	}
	if h.provider.freshCount("dn1") != 0 || h.provider.freshCount("dn2") != 1 || h.provider.freshCount("dn3") != 1 {
		t.Fatal("only undecided branches may be re-committed")
	}
	if _, err := h.log.Load(ctx, entry.XID); !errors.Is(err, xalog.ErrUnknownXID) {
		t.Fatalf("expected record retired, got %v", err)
	}
	if _, resolves := h.alerter.counts(); resolves != 1 {
		t.Fatalf("expected recovered commit to clear its alert, got %d", resolves)
	}
}

func TestResumeKillsStaleHolderFromLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, nil)
	ctx := context.Background()
	entry := logEntry(t, h, "'shardxa.r2'", xa.StateCommitFailed, xa.StatePrepared)
	h.prober.present = []bool{true}
	h.provider.setConfigure("dn1", func(c *fakeConn, attempt int) {
		if attempt == 1 {
			c.reply(xa.VerbCommit, Outcome{Kind: OutcomeError, Code: xa.CodeXAERNota})
		}
	})

	txn, _, err := h.coord.Resume(ctx, entry, h.provider, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitDone(t, txn)
	waitFor(t, "retired record", func() bool {
		_, err := h.log.Load(ctx, entry.XID)
		return errors.Is(err, xalog.ErrUnknownXID)
	})
	h.prober.mu.Lock()
	kills := append([]uint64(nil), h.prober.kills...)
	h.prober.mu.Unlock()
	if len(kills) != 1 || kills[0] != 70 {
		t.Fatalf("expected logged thread 70 killed, got %v", kills)
	}
}

func TestResumeRollsBackUndecidedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, nil)
	ctx := context.Background()
	entry := logEntry(t, h, "'shardxa.r3'", xa.StatePreparing, xa.StatePrepared, xa.StateEnded)

	txn, decision, err := h.coord.Resume(ctx, entry, h.provider, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if decision != DecisionRollback {
		t.Fatalf("expected rollback, got %s", decision)
	}
	select {
	case <-txn.Done():
	default:
		t.Fatal("rollback resume must complete synchronously")
	}
	if h.j.count("send:dn1:ROLLBACK") != 1 || h.j.count("send:dn2:ROLLBACK") != 1 {
		t.Fatalf("expected both branches rolled back: %v", h.j.snapshot())
	}
	if h.j.index("send:dn1:COMMIT") >= 0 {
		t.Fatal("undecided transaction must not commit")
	}
	if _, err := h.log.Load(ctx, entry.XID); !errors.Is(err, xalog.ErrUnknownXID) {
		t.Fatalf("expected record retired, got %v", err)
	}
}

func TestResumeKeepsFailedRollback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, nil)
	ctx := context.Background()
	entry := logEntry(t, h, "'shardxa.r4'", xa.StateStarted, xa.StateStarted, xa.StateStarted)
	h.provider.setConfigure("dn2", func(c *fakeConn, _ int) {
		c.reply(xa.VerbRollback, Outcome{Kind: OutcomeError, Code: 1399, Message: "XAER_RMFAIL"})
	})

	_, _, err := h.coord.Resume(ctx, entry, h.provider, nil)
	if err == nil {
		t.Fatal("expected rollback failure")
	}
	got, err := h.log.Load(ctx, entry.XID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.State != xa.StateRollbackFailed {
		t.Fatalf("expected ROLLBACK_FAILED, got %s", got.State)
	}
	if got.Participants[0].Status != xa.StateRollbacked || got.Participants[1].Status != xa.StateRollbackFailed {
		t.Fatalf("unexpected participants %+v", got.Participants)
	}
	if Decide(got) != DecisionRollback {
		t.Fatal("failed rollback must be retried by the next recovery pass")
	}
}

func TestResumeRetiresFinishedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, nil)
	ctx := context.Background()
	entry := logEntry(t, h, "'shardxa.r5'", xa.StateInitialize, xa.StateInitialize)

	txn, decision, err := h.coord.Resume(ctx, entry, h.provider, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if txn != nil || decision != DecisionRetire {
		t.Fatalf("expected retire without a txn, got %v %s", txn, decision)
	}
	if _, err := h.log.Load(ctx, entry.XID); !errors.Is(err, xalog.ErrUnknownXID) {
		t.Fatalf("expected record deleted, got %v", err)
	}
}
