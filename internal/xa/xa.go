// Package xa holds the identifiers, states and log records shared by the
// distributed commit coordinator and its recovery log.
package xa

import (
	"fmt"
	"strings"

	"github.com/rs/xid"
)

// TxState is the lifecycle state of a distributed transaction or of one of its
// participant branches.
type TxState string

// Transaction and branch states.
const (
	StateInitialize         TxState = "INITIALIZE"
	StateStarted            TxState = "STARTED"
	StateEnded              TxState = "ENDED"
	StatePreparing          TxState = "PREPARING"
	StatePrepared           TxState = "PREPARED"
	StatePrepareUnconnected TxState = "PREPARE_UNCONNECTED"
	StateCommitting         TxState = "COMMITTING"
	StateCommitted          TxState = "COMMITTED"
	StateCommitFailed       TxState = "COMMIT_FAILED"
	StateConnQuit           TxState = "CONN_QUIT"
	StateRollbacking        TxState = "ROLLBACKING"
	StateRollbacked         TxState = "ROLLBACKED"
	StateRollbackFailed     TxState = "ROLLBACK_FAILED"
)

var knownStates = map[TxState]struct{}{
	StateInitialize: {}, StateStarted: {}, StateEnded: {}, StatePreparing: {},
	StatePrepared: {}, StatePrepareUnconnected: {}, StateCommitting: {},
	StateCommitted: {}, StateCommitFailed: {}, StateConnQuit: {},
	StateRollbacking: {}, StateRollbacked: {}, StateRollbackFailed: {},
}

// Valid reports whether s is a known state.
func (s TxState) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Terminal reports whether no further coordinator action is needed for s.
func (s TxState) Terminal() bool {
	switch s {
	case StateCommitted, StateRollbacked, StateInitialize:
		return true
	}
	return false
}

// ParseState converts a case-insensitive state name.
func ParseState(raw string) (TxState, error) {
	s := TxState(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("xa: unknown state %q", raw)
	}
	return s, nil
}

// Verb is a transaction-control command sent to a participant.
type Verb string

// Transaction-control verbs.
const (
	VerbEnd      Verb = "END"
	VerbPrepare  Verb = "PREPARE"
	VerbCommit   Verb = "COMMIT"
	VerbRollback Verb = "ROLLBACK"
)

// Statement renders the SQL for v against branch, e.g. XA END 'g.dn1'.
func (v Verb) Statement(branch string) string {
	return "XA " + string(v) + " " + branch
}

// MySQL error numbers surfaced to clients or interpreted by the coordinator.
const (
	CodeUnknownError     uint16 = 1105
	CodeQueryInterrupted uint16 = 1317
	CodeXAERNota         uint16 = 1397
)

// Target routes one participant to a backend data node.
type Target struct {
	Name         string `json:"name"`
	Schema       string `json:"schema,omitempty"`
	MultiplexNum int    `json:"multiplex_num,omitempty"`
}

func (t Target) String() string {
	if t.MultiplexNum > 0 {
		return fmt.Sprintf("%s#%d", t.Name, t.MultiplexNum)
	}
	return t.Name
}

// NewGlobalXID returns a quoted global transaction id: '<prefix>.<unique>'.
func NewGlobalXID(prefix string) string {
	prefix = strings.Trim(prefix, "'. ")
	if prefix == "" {
		prefix = "shardxa"
	}
	return "'" + prefix + "." + xid.New().String() + "'"
}

// BranchXID derives the per-participant branch id from a quoted global id.
func BranchXID(global string, target Target) string {
	base := Unquote(global)
	branch := base + "." + target.Name
	if target.MultiplexNum > 0 {
		branch = fmt.Sprintf("%s.%d", branch, target.MultiplexNum)
	}
	return "'" + branch + "'"
}

// Unquote strips the surrounding single quotes from an xid.
func Unquote(id string) string {
	return strings.Trim(strings.TrimSpace(id), "'")
}

// ParticipantLogEntry is the durable view of one branch.
type ParticipantLogEntry struct {
	Position  int     `json:"position"`
	Target    Target  `json:"target"`
	BranchXID string  `json:"branch_xid"`
	Status    TxState `json:"status"`
	// ThreadID is the backend connection id that ran the branch, used to
	// kill a stale holder during in-doubt resolution.
	ThreadID uint64 `json:"thread_id,omitempty"`
}

// CoordinatorLogEntry is the durable record of one distributed transaction.
type CoordinatorLogEntry struct {
	XID           string                `json:"xid"`
	SessionID     string                `json:"session_id,omitempty"`
	State         TxState               `json:"state"`
	Participants  []ParticipantLogEntry `json:"participants"`
	CreatedAtUnix int64                 `json:"created_at_unix,omitempty"`
	UpdatedAtUnix int64                 `json:"updated_at_unix,omitempty"`
}

// Clone returns a deep copy of e.
func (e *CoordinatorLogEntry) Clone() *CoordinatorLogEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Participants = append([]ParticipantLogEntry(nil), e.Participants...)
	return &out
}

// AllIn reports whether every participant is in one of states.
func (e *CoordinatorLogEntry) AllIn(states ...TxState) bool {
	if e == nil || len(e.Participants) == 0 {
		return false
	}
	for _, p := range e.Participants {
		ok := false
		for _, s := range states {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
