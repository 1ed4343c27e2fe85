package commit

import (
	"context"
	"fmt"

	"pkt.systems/shardxa/internal/xa"
)

// OutcomeKind classifies what a participant reported for one command.
type OutcomeKind int

const (
	// OutcomeAck means the command succeeded.
	OutcomeAck OutcomeKind = iota
	// OutcomeError means the backend rejected the command.
	OutcomeError
	// OutcomeConnLost means the connection died before an answer arrived.
	OutcomeConnLost
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAck:
		return "ack"
	case OutcomeError:
		return "error"
	case OutcomeConnLost:
		return "conn_lost"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the single asynchronous answer to a Conn.Send.
type Outcome struct {
	Kind    OutcomeKind
	Code    uint16
	Message string
	Err     error
}

// Conn is one logical connection to a backend data node. Send must deliver
// exactly one Outcome to done, on a goroutine other than the caller's.
type Conn interface {
	Send(ctx context.Context, verb xa.Verb, branch string, done func(Outcome))
	Close(reason string)
	Closed() bool
	ThreadID() uint64
}

// ConnProvider hands out replacement connections and takes back finished ones.
type ConnProvider interface {
	// Fresh returns a new connection to target. stale may be nil.
	Fresh(ctx context.Context, target xa.Target, stale Conn) (Conn, error)
	Release(conn Conn)
}

// Response is the final packet written to the client.
type Response struct {
	OK      bool
	Code    uint16
	Message string
}

// OKResponse is the success packet.
func OKResponse() Response { return Response{OK: true} }

// ErrorResponse builds an error packet.
func ErrorResponse(code uint16, msg string) Response {
	return Response{Code: code, Message: msg}
}

func (r Response) String() string {
	if r.OK {
		return "OK"
	}
	return fmt.Sprintf("ERR %d: %s", r.Code, r.Message)
}

// Client is the front-end session that receives the final outcome.
type Client interface {
	Write(Response)
	Close(reason string)
	ForceClose(reason string)
	Closed() bool
}

// ProbeRequest asks whether a branch is still in doubt on its data node.
type ProbeRequest struct {
	BranchXID string
	Target    xa.Target
}

// Prober resolves unknown-XID answers during commit.
type Prober interface {
	Probe(ctx context.Context, req ProbeRequest) (present bool, err error)
	Kill(ctx context.Context, target xa.Target, threadID uint64) error
}

// Registry holds transactions whose foreground commit budget is exhausted.
type Registry interface {
	Enqueue(txn *Txn) error
	Remove(id string)
}

// Alerter raises and clears operator alerts.
type Alerter interface {
	Alert(code, detail string, labels map[string]string)
	Resolve(code string, labels map[string]string)
}

// Rollbacker aborts a transaction whose prepare phase lost a participant.
type Rollbacker interface {
	Rollback(ctx context.Context, txn *Txn) error
}

// Log is the durable recovery log.
type Log interface {
	FlushInitial(ctx context.Context, entry *xa.CoordinatorLogEntry) error
	InitParticipant(ctx context.Context, xid string, p xa.ParticipantLogEntry) error
	SaveParticipant(ctx context.Context, xid string, p xa.ParticipantLogEntry) error
	SavePhase(ctx context.Context, xid string, state xa.TxState) error
	Delete(ctx context.Context, xid string) error
}

type noopRegistry struct{}

func (noopRegistry) Enqueue(*Txn) error { return ErrRegistryUnavailable }
func (noopRegistry) Remove(string)      {}

type noopAlerter struct{}

func (noopAlerter) Alert(string, string, map[string]string) {}
func (noopAlerter) Resolve(string, map[string]string)       {}
