package commit

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"pkt.systems/shardxa/internal/xa"
)

func TestCommitFailedRelogFailureKeepsRetrying(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil)
	h.conns[0].reply(xa.VerbCommit, Outcome{Kind: OutcomeError, Code: 1105, Message: "node busy"})
	h.log.failPhase[xa.StateCommitFailed] = errors.New("disk full")
	txn := h.txn(t)
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitDone(t, txn)

	if resp := h.client.responses(); len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected a single OK, got %v", resp)
	}
	if txn.Interrupted() {
		t.Fatal("a committed transaction must not be interrupted")
	}
	if h.client.Closed() {
		t.Fatal("client must stay connected")
	}
	if enq, _ := h.registry.counts(); enq != 0 {
		t.Fatalf("expected no background hand-off, got %d", enq)
	}
	if got := h.j.count("send:dn1:COMMIT"); got != 2 {
		t.Fatalf("expected the retry on a fresh connection, got %d commits", got)
	}
}

func TestAlwaysRetryWithoutConnectionsKeepsStackFlat(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		depths []int
	)
	h := newHarness(t, 1, func(cfg *Config) {
		cfg.AlwaysRetry = true
		cfg.Hooks.BeforeInnerRetry = func(context.Context, string, string) {
			pcs := make([]uintptr, 4096)
			n := runtime.Callers(0, pcs)
			mu.Lock()
			depths = append(depths, n)
			mu.Unlock()
		}
	})
	h.conns[0].reply(xa.VerbCommit, Outcome{Kind: OutcomeConnLost})
	h.provider.setErr(errors.New("no route to host"))
	txn := h.txn(t)
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitFor(t, "repeated retries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(depths) >= 40
	})
	mu.Lock()
	early, late := depths[2], depths[39]
	mu.Unlock()
	if late > early {
		t.Fatalf("retry stack grows: %d frames at attempt 3, %d at attempt 40", early, late)
	}
	if failed, _ := h.provider.counts(); failed < 39 {
		t.Fatalf("expected a dial per retry, got %d", failed)
	}

	h.provider.setErr(nil)
	waitDone(t, txn)
	if resp := h.client.responses(); len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected OK once the node is back, got %v", resp)
	}
	if enq, _ := h.registry.counts(); enq != 0 {
		t.Fatal("always-retry must not use the background registry")
	}
}

func TestKillRemovesParkedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, func(cfg *Config) { cfg.RetryLimit = 1 })
	h.conns[0].reply(xa.VerbCommit, Outcome{Kind: OutcomeError, Code: 1105, Message: "node down"})
	txn := h.txn(t)
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitDone(t, txn)
	if enq, _ := h.registry.counts(); enq != 1 {
		t.Fatalf("expected hand-off, got %d enqueues", enq)
	}

	txn.Kill()
	if _, removed := h.registry.counts(); removed != 1 {
		t.Fatalf("expected the killed transaction removed from the registry, got %d", removed)
	}
	if _, released := h.provider.counts(); released != 1 {
		t.Fatalf("expected the pinned connection released, got %d", released)
	}
	if !h.conns[0].Closed() {
		t.Fatal("expected the pinned connection closed")
	}

	// A pass that already took the job must not commit a killed session.
	txn.Retry(context.Background())
	if got := h.j.count("send:dn1:COMMIT"); got != 1 {
		t.Fatalf("expected no COMMIT after kill, got %d", got)
	}
	if got := h.provider.freshCount("dn1"); got != 0 {
		t.Fatalf("expected no fresh connection after kill, got %d", got)
	}
	entry, err := h.log.Load(context.Background(), txn.XID())
	if err != nil || Decide(entry) != DecisionCommit {
		t.Fatalf("expected the record kept for a recovery commit, got %+v %v", entry, err)
	}
}

func TestKilledBackgroundRetryReleasesConnections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, func(cfg *Config) { cfg.RetryLimit = 1 })
	failCommit := Outcome{Kind: OutcomeError, Code: 1105, Message: "node down"}
	h.conns[0].reply(xa.VerbCommit, failCommit)
	var txn *Txn
	var fresh *fakeConn
	h.provider.setConfigure("dn1", func(c *fakeConn, _ int) {
		// The session is killed while the background attempt is in flight.
		txn.Kill()
		fresh = c
		c.always(xa.VerbCommit, failCommit)
	})
	txn = h.txn(t)
	if err := txn.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	waitDone(t, txn)

	txn.Retry(context.Background())
	waitFor(t, "killed settle", func() bool {
		_, released := h.provider.counts()
		return released >= 1
	})
	if enq, _ := h.registry.counts(); enq != 1 {
		t.Fatalf("a killed session must not be queued again, got %d enqueues", enq)
	}
	if fresh == nil || !fresh.Closed() {
		t.Fatal("expected the retry connection closed")
	}
}
