package commit

import "pkt.systems/shardxa/internal/xa"

// outcomeKind is the classified input to the transition table. It extends
// OutcomeKind with the unknown-XID answer and the results of probing it.
type outcomeKind int

const (
	kindAck outcomeKind = iota
	kindError
	kindConnLost
	kindUnknownXID
	kindProbeAbsent
	kindProbeHeld
	kindProbeFailed
)

func (k outcomeKind) String() string {
	switch k {
	case kindAck:
		return "ack"
	case kindError:
		return "error"
	case kindConnLost:
		return "conn_lost"
	case kindUnknownXID:
		return "unknown_xid"
	case kindProbeAbsent:
		return "probe_absent"
	case kindProbeHeld:
		return "probe_held"
	case kindProbeFailed:
		return "probe_failed"
	}
	return "unknown"
}

func classify(o Outcome) outcomeKind {
	switch o.Kind {
	case OutcomeAck:
		return kindAck
	case OutcomeConnLost:
		return kindConnLost
	}
	if o.Code == xa.CodeXAERNota {
		return kindUnknownXID
	}
	return kindError
}

type lastAction int

const (
	lastNone lastAction = iota
	// lastNext moves on to the next phase, or surfaces a recorded failure.
	lastNext
	// lastFinalize settles the commit phase.
	lastFinalize
)

// step is what one participant outcome does to the transaction.
type step struct {
	closeConn bool
	// status is the new participant status; empty leaves it unchanged.
	status xa.TxState
	// settle resets the participant to INITIALIZE after status is logged.
	settle bool
	// txnState is applied to the transaction immediately.
	txnState  xa.TxState
	killStale bool
	probe     bool
	// promoteTo is applied to the transaction by the last arrival, when the
	// transaction is in promoteFrom or promoteFrom is empty.
	promoteFrom xa.TxState
	promoteTo   xa.TxState
	onLast      lastAction
}

type transitionKey struct {
	status xa.TxState
	kind   outcomeKind
}

var (
	endFailed = step{
		closeConn: true,
		status:    xa.StateConnQuit,
		promoteTo: xa.StateEnded,
		onLast:    lastNext,
	}
	prepareRejected = step{
		closeConn:   true,
		status:      xa.StateConnQuit,
		promoteFrom: xa.StateEnded,
		promoteTo:   xa.StatePrepared,
		onLast:      lastNext,
	}
	committed = step{
		status:      xa.StateCommitted,
		settle:      true,
		promoteFrom: xa.StatePrepared,
		promoteTo:   xa.StateInitialize,
		onLast:      lastFinalize,
	}
	commitFailed = step{
		status:   xa.StateCommitFailed,
		txnState: xa.StateCommitFailed,
		onLast:   lastFinalize,
	}
)

var transitions = map[transitionKey]step{
	{xa.StateStarted, kindAck}: {
		status:    xa.StateEnded,
		promoteTo: xa.StateEnded,
		onLast:    lastNext,
	},
	{xa.StateStarted, kindError}:    endFailed,
	{xa.StateStarted, kindConnLost}: endFailed,

	{xa.StateEnded, kindConnLost}: {
		closeConn:   true,
		status:      xa.StateConnQuit,
		promoteFrom: xa.StateEnded,
		promoteTo:   xa.StatePreparing,
		onLast:      lastNext,
	},

	{xa.StatePreparing, kindAck}: {
		status:      xa.StatePrepared,
		promoteFrom: xa.StateEnded,
		promoteTo:   xa.StatePrepared,
		onLast:      lastNext,
	},
	{xa.StatePreparing, kindError}: prepareRejected,
	{xa.StatePreparing, kindConnLost}: {
		status:   xa.StatePrepareUnconnected,
		txnState: xa.StatePrepareUnconnected,
		onLast:   lastNext,
	},

	{xa.StatePrepared, kindAck}:      committed,
	{xa.StatePrepared, kindError}:    commitFailed,
	{xa.StatePrepared, kindConnLost}: commitFailed,

	{xa.StateCommitFailed, kindAck}:        committed,
	{xa.StateCommitFailed, kindError}:      commitFailed,
	{xa.StateCommitFailed, kindConnLost}:   commitFailed,
	{xa.StateCommitFailed, kindUnknownXID}: {probe: true},
	{xa.StateCommitFailed, kindProbeAbsent}: committed,
	{xa.StateCommitFailed, kindProbeHeld}: {
		status:    xa.StateCommitFailed,
		txnState:  xa.StateCommitFailed,
		killStale: true,
		onLast:    lastFinalize,
	},
	{xa.StateCommitFailed, kindProbeFailed}: commitFailed,
}

// transition looks up the effect of kind on a participant in status. An
// unknown-XID answer only means something for a branch being re-committed;
// elsewhere it is an ordinary error. ok is false for combinations the
// protocol never produces.
func transition(status xa.TxState, kind outcomeKind) (step, bool) {
	if kind == kindUnknownXID && status != xa.StateCommitFailed {
		kind = kindError
	}
	s, ok := transitions[transitionKey{status, kind}]
	return s, ok
}
