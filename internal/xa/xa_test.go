package xa

import (
	"strings"
	"testing"
)

func TestBranchXID(t *testing.T) {
	t.Parallel()

	global := "'shardxa.abc'"
	if got := BranchXID(global, Target{Name: "dn1"}); got != "'shardxa.abc.dn1'" {
		t.Fatalf("unexpected branch %q", got)
	}
	if got := BranchXID(global, Target{Name: "dn1", MultiplexNum: 2}); got != "'shardxa.abc.dn1.2'" {
		t.Fatalf("unexpected multiplexed branch %q", got)
	}
	if got := VerbPrepare.Statement(BranchXID(global, Target{Name: "dn2"})); got != "XA PREPARE 'shardxa.abc.dn2'" {
		t.Fatalf("unexpected statement %q", got)
	}
}

func TestNewGlobalXIDUnique(t *testing.T) {
	t.Parallel()

	a := NewGlobalXID("proxy")
	b := NewGlobalXID("proxy")
	if a == b {
		t.Fatal("expected unique xids")
	}
	if !strings.HasPrefix(a, "'proxy.") || !strings.HasSuffix(a, "'") {
		t.Fatalf("unexpected xid format %q", a)
	}
	if !strings.HasPrefix(NewGlobalXID(""), "'shardxa.") {
		t.Fatal("expected default prefix")
	}
}

func TestParseStateAndTerminal(t *testing.T) {
	t.Parallel()

	s, err := ParseState("commit_failed")
	if err != nil || s != StateCommitFailed {
		t.Fatalf("ParseState: %v %v", s, err)
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if StateCommitFailed.Terminal() || !StateCommitted.Terminal() || !StateRollbacked.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}

func TestAllIn(t *testing.T) {
	t.Parallel()

	e := &CoordinatorLogEntry{Participants: []ParticipantLogEntry{{Status: StatePrepared}, {Status: StateCommitted}}}
	if !e.AllIn(StatePrepared, StateCommitted) {
		t.Fatal("expected all in")
	}
	if e.AllIn(StatePrepared) {
		t.Fatal("expected not all prepared")
	}
	clone := e.Clone()
	clone.Participants[0].Status = StateCommitFailed
	if e.Participants[0].Status != StatePrepared {
		t.Fatal("clone should not alias participants")
	}
}
