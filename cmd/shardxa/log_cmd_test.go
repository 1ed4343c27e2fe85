package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shardxa"
	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
)

func seedDiskLog(t *testing.T, entries ...*xa.CoordinatorLogEntry) string {
	t.Helper()
	store := "disk://" + t.TempDir()
	cfg := shardxa.Config{Store: store}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	backend, err := shardxa.OpenStore(cfg, pslog.NoopLogger(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer backend.Close()
	xl, err := xalog.New(xalog.Config{Store: backend})
	if err != nil {
		t.Fatalf("xalog: %v", err)
	}
	for _, e := range entries {
		if err := xl.FlushInitial(context.Background(), e); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	return store
}

func entry(xid string, state xa.TxState, statuses ...xa.TxState) *xa.CoordinatorLogEntry {
	e := &xa.CoordinatorLogEntry{XID: xid, State: state}
	for i, s := range statuses {
		target := xa.Target{Name: []string{"dn1", "dn2"}[i]}
		e.Participants = append(e.Participants, xa.ParticipantLogEntry{
			Position:  i,
			Target:    target,
			BranchXID: xa.BranchXID(xid, target),
			Status:    s,
		})
	}
	return e
}

func TestLogListShowsRecoveryDecision(t *testing.T) {
	h := newTestRoot(t)
	store := seedDiskLog(t,
		entry("'shardxa.a'", xa.StateCommitFailed, xa.StateCommitted, xa.StateCommitFailed),
		entry("'shardxa.b'", xa.StatePreparing, xa.StatePrepared, xa.StatePreparing),
	)
	out, err := h.run("log", "list", "--store", store)
	if err != nil {
		t.Fatalf("log list: %v", err)
	}
	for _, want := range []string{"'shardxa.a'", "COMMIT_FAILED", "commit", "'shardxa.b'", "rollback", "dn2=PREPARING", "2 in-flight transactions"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestLogShowAndPurge(t *testing.T) {
	h := newTestRoot(t)
	store := seedDiskLog(t, entry("'shardxa.c'", xa.StateCommitting, xa.StatePrepared))

	out, err := h.run("log", "show", "shardxa.c", "--store", store)
	if err != nil {
		t.Fatalf("log show: %v", err)
	}
	if !strings.Contains(out, `"xid": "'shardxa.c'"`) || !strings.Contains(out, `"branch_xid": "'shardxa.c.dn1'"`) {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	if _, err := h.run("log", "purge", "shardxa.c", "--store", store); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected purge to require --force, got %v", err)
	}
	if out, err := h.run("log", "purge", "'shardxa.c'", "--force", "--store", store); err != nil || !strings.Contains(out, "purged") {
		t.Fatalf("purge: %v %q", err, out)
	}
	if _, err := h.run("log", "show", "shardxa.c", "--store", store); err == nil || !strings.Contains(err.Error(), "no recovery record") {
		t.Fatalf("expected missing record, got %v", err)
	}
	if _, err := h.run("log", "purge", "shardxa.c", "--force", "--store", store); err == nil {
		t.Fatal("purging a missing record must fail")
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	if got := formatAge(now, 0); got != "-" {
		t.Fatalf("expected dash for unknown time, got %q", got)
	}
	if got := formatAge(now, now.Add(-2*time.Minute).Unix()); got != "2 minutes ago" {
		t.Fatalf("unexpected age %q", got)
	}
}
