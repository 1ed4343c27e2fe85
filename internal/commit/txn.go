package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/xa"
)

// ErrCommitStarted is returned when Commit is called twice on one Txn.
var ErrCommitStarted = errors.New("commit: transaction already committing")

const (
	cancelInit int32 = iota
	cancelCommitting
	cancelCanceling
)

type participant struct {
	position int
	target   xa.Target
	branch   string

	// guarded by Txn.mu
	status   xa.TxState
	conn     Conn
	threadID uint64
}

// Txn is one distributed transaction being committed.
type Txn struct {
	coord  *Coordinator
	id     string
	xid    string
	client Client
	conns  ConnProvider
	logger pslog.Logger

	barrier    Barrier
	latch      Latch
	done       chan struct{}
	finishOnce sync.Once

	killed            atomic.Bool
	retryInBackground atomic.Bool
	queued            atomic.Bool
	cancelStatus      atomic.Int32

	mu              sync.Mutex
	started         bool
	state           xa.TxState
	participants    []*participant
	response        Response
	flushed         bool
	interrupted     bool
	tryCommit       int
	backgroundTries int
	oldThreadIDs    map[int]uint64
}

// ID returns the owning session id.
func (t *Txn) ID() string { return t.id }

// XID returns the quoted global xid.
func (t *Txn) XID() string { return t.xid }

// Done is closed once the client has its final answer, or was disconnected
// and the transaction handed to the background registry.
func (t *Txn) Done() <-chan struct{} { return t.done }

// State returns the transaction state.
func (t *Txn) State() xa.TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interrupted reports whether the commit stopped before the decision and the
// session must roll back.
func (t *Txn) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupted
}

// Participants returns a snapshot of the participants still owned by the
// transaction.
func (t *Txn) Participants() []xa.ParticipantLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]xa.ParticipantLogEntry, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p.entryLocked())
	}
	return out
}

// Kill marks the owning session as killed. A commit that has not passed END
// refuses to continue; one already deciding answers the client with an
// interruption instead of retrying. A transaction parked in the background
// registry is taken out of it and its connections are dropped; the recovery
// log keeps it for the next recovery pass.
func (t *Txn) Kill() {
	t.killed.Store(true)
	t.cancelStatus.CompareAndSwap(cancelInit, cancelCanceling)
	t.coord.registry.Remove(t.id)
	if t.queued.Swap(false) {
		t.releaseAll("session killed")
		t.logger.Warn("xa.commit.background.killed")
		return
	}
	t.logger.Info("xa.commit.killed")
}

// SetRetryInBackground controls whether an exhausted commit is handed to the
// background registry or its session is force-closed.
func (t *Txn) SetRetryInBackground(on bool) { t.retryInBackground.Store(on) }

// Commit starts the commit. The final answer is written to the client
// asynchronously; Commit only returns errors that stop the first phase it
// sends, such as a recovery log write failure.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrCommitStarted
	}
	t.started = true
	t.mu.Unlock()
	return t.drive(context.WithoutCancel(ctx))
}

// Retry re-drives COMMIT once. The background registry calls it.
func (t *Txn) Retry(ctx context.Context) {
	t.queued.Store(false)
	if t.killed.Load() {
		t.logger.Info("xa.commit.background.skip_killed")
		t.releaseAll("session killed")
		return
	}
	ctx = context.WithoutCancel(ctx)
	t.logger.Info("xa.commit.background.retry", "state", t.State())
	if err := t.drive(ctx); err != nil {
		t.logger.Warn("xa.commit.background.retry_error", "error", err)
	}
}

// Rollback aborts the transaction with the configured Rollbacker.
func (t *Txn) Rollback(ctx context.Context) error {
	return t.coord.rollbacker.Rollback(context.WithoutCancel(ctx), t)
}

// ConnLost reports that conn died outside of any command answer.
func (t *Txn) ConnLost(conn Conn, err error) {
	t.mu.Lock()
	var target *participant
	for _, p := range t.participants {
		if p.conn == conn {
			target = p
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		return
	}
	t.handle(context.Background(), t.barrier.Generation(), target, conn, Outcome{Kind: OutcomeConnLost, Err: err})
}

// drive sends the phase selected by the current state to every participant.
// Outcomes are handled asynchronously; whatever must happen after the send
// loop is run once the latch is released.
func (t *Txn) drive(ctx context.Context) error {
	t.mu.Lock()
	parts := append([]*participant(nil), t.participants...)
	state := t.state
	t.mu.Unlock()

	if len(parts) == 0 {
		t.succeed(ctx, false)
		return nil
	}
	if state == xa.StateEnded && !t.cancelStatus.CompareAndSwap(cancelInit, cancelCommitting) {
		t.setInterrupted()
		resp := ErrorResponse(xa.CodeQueryInterrupted, interruptedMessage)
		t.respond(ctx, &resp, "interrupted")
		return ErrInterrupted
	}

	ctx, span := t.coord.tracer.Start(ctx, "shardxa.commit.phase",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("shardxa.xa.xid", t.xid),
			attribute.String("shardxa.xa.state", string(state)),
			attribute.Int("shardxa.commit.participants", len(parts)),
		))
	defer span.End()

	keys := make([]int, len(parts))
	for i, p := range parts {
		keys[i] = p.position
	}
	gen := t.barrier.Reset(keys)
	begin := t.coord.clock.Now()

	var (
		after func()
		err   error
	)
	t.latch.Arm()
	for i, p := range parts {
		cont, next, perr := t.execute(ctx, gen, i, p)
		if next != nil {
			after = next
		}
		if perr != nil {
			err = perr
		}
		if !cont {
			break
		}
	}
	t.latch.Release()
	t.coord.metrics.recordPhase(ctx, state, t.coord.clock.Now().Sub(begin))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase_failed")
	}
	if after != nil {
		after()
	}
	return err
}

func (t *Txn) execute(ctx context.Context, gen uint64, i int, p *participant) (bool, func(), error) {
	switch state := t.State(); state {
	case xa.StateStarted:
		if i == 0 {
			t.flushInitial(ctx)
		}
		if err := t.coord.log.InitParticipant(ctx, t.xid, t.entryOf(p)); err != nil {
			t.logger.Warn("xa.commit.log.participant_error", "branch", p.branch, "error", err)
		}
		return true, t.endPhase(ctx, gen, p), nil
	case xa.StateEnded:
		if i == 0 {
			if err := t.coord.log.SavePhase(ctx, t.xid, xa.StatePreparing); err != nil {
				next, ferr := t.phaseLogFailed(ctx, xa.StatePreparing, err)
				return false, next, ferr
			}
			t.delay(ctx, t.coord.prepareDelay)
		}
		return true, t.preparePhase(ctx, gen, p), nil
	case xa.StatePrepared:
		if i == 0 {
			if err := t.coord.log.SavePhase(ctx, t.xid, xa.StateCommitting); err != nil {
				next, ferr := t.phaseLogFailed(ctx, xa.StateCommitting, err)
				return false, next, ferr
			}
			t.delay(ctx, t.coord.commitDelay)
		}
		return true, t.commitPhase(ctx, gen, p), nil
	case xa.StateCommitFailed:
		// A failed re-log leaves a record that still decides commit.
		if i == 0 {
			if err := t.coord.log.SavePhase(ctx, t.xid, xa.StateCommitFailed); err != nil {
				t.logger.Warn("xa.commit.log.phase_error", "state", xa.StateCommitFailed, "error", err)
			}
		}
		return true, t.commitPhase(ctx, gen, p), nil
	case xa.StatePrepareUnconnected:
		if t.barrier.Arrive(gen, p.position) {
			return true, func() { go t.abandon(ctx) }, nil
		}
		return true, nil, nil
	default:
		t.logger.Warn("xa.commit.unexpected_state", "state", state)
		return false, func() { t.respond(ctx, nil, "failed") }, nil
	}
}

func (t *Txn) phaseLogFailed(ctx context.Context, state xa.TxState, err error) (func(), error) {
	msg := fmt.Sprintf("recovery log write failed, the stage is %s", state)
	t.logger.Error("xa.commit.log.phase_error", "state", state, "error", err)
	t.fail(xa.CodeUnknownError, msg)
	return func() { t.nextParse(ctx) }, Failure{
		Code:   xa.CodeUnknownError,
		Detail: msg,
		Err:    fmt.Errorf("%w: %w", ErrLogWrite, err),
	}
}

func (t *Txn) endPhase(ctx context.Context, gen uint64, p *participant) func() {
	conn := t.connOf(p)
	if conn == nil || conn.Closed() {
		t.setStatus(ctx, p, xa.StateConnQuit)
		t.fail(xa.CodeUnknownError, connClosedMessage(p))
		if t.barrier.Arrive(gen, p.position) {
			t.setState(xa.StateEnded)
			return func() { t.nextParse(ctx) }
		}
		return nil
	}
	t.hook(ctx, t.coord.hooks.BeforeEnd, p.branch)
	t.send(ctx, gen, p, conn, xa.VerbEnd)
	return nil
}

func (t *Txn) preparePhase(ctx context.Context, gen uint64, p *participant) func() {
	conn := t.connOf(p)
	if conn == nil || conn.Closed() {
		t.mu.Lock()
		p.status = xa.StatePrepareUnconnected
		t.state = xa.StatePrepareUnconnected
		entry := p.entryLocked()
		t.mu.Unlock()
		t.saveParticipant(ctx, entry)
		t.fail(xa.CodeUnknownError, connClosedMessage(p))
		if t.barrier.Arrive(gen, p.position) {
			return func() { t.nextParse(ctx) }
		}
		return nil
	}
	t.setStatus(ctx, p, xa.StatePreparing)
	t.hook(ctx, t.coord.hooks.BeforePrepare, p.branch)
	t.send(ctx, gen, p, conn, xa.VerbPrepare)
	return nil
}

func (t *Txn) commitPhase(ctx context.Context, gen uint64, p *participant) func() {
	t.mu.Lock()
	conn := p.conn
	fresh := t.state == xa.StateCommitFailed || conn == nil || conn.Closed()
	if fresh {
		p.status = xa.StateCommitFailed
		t.state = xa.StateCommitFailed
	}
	t.mu.Unlock()
	if fresh {
		next, err := t.freshConn(ctx, p, conn)
		if err != nil {
			t.logger.Warn("xa.commit.fresh_conn_error", "branch", p.branch, "target", p.target.String(), "error", err)
			if t.barrier.Arrive(gen, p.position) {
				return func() { t.finalize(ctx) }
			}
			return nil
		}
		conn = next
	}
	t.hook(ctx, t.coord.hooks.BeforeCommit, p.branch)
	t.send(ctx, gen, p, conn, xa.VerbCommit)
	return nil
}

func (t *Txn) send(ctx context.Context, gen uint64, p *participant, conn Conn, verb xa.Verb) {
	t.logger.Trace("xa.commit.send", "verb", verb, "branch", p.branch, "target", p.target.String())
	conn.Send(ctx, verb, p.branch, func(o Outcome) {
		t.handle(ctx, gen, p, conn, o)
	})
}

// handle applies one participant outcome. Outcomes from an earlier phase, or
// a second outcome for the same participant, are dropped.
func (t *Txn) handle(ctx context.Context, gen uint64, p *participant, conn Conn, o Outcome) {
	_ = t.latch.Wait(context.Background())
	if !t.barrier.Claim(gen, p.position) {
		t.logger.Debug("xa.commit.outcome.dropped", "branch", p.branch, "outcome", o.Kind.String())
		return
	}
	kind := classify(o)
	t.mu.Lock()
	status := p.status
	t.mu.Unlock()
	t.coord.metrics.recordOutcome(ctx, status, kind)
	t.logger.Trace("xa.commit.outcome", "branch", p.branch, "status", status, "outcome", kind.String(), "code", o.Code)
	if kind != kindAck {
		t.fail(outcomeCode(o), outcomeMessage(p, o))
	}

	s, ok := transition(status, kind)
	if ok && s.probe {
		kind = t.probe(ctx, p)
		s, ok = transition(status, kind)
	}
	if !ok {
		t.logger.Warn("xa.commit.unexpected_outcome", "branch", p.branch, "status", status, "outcome", kind.String())
		return
	}
	t.apply(ctx, gen, p, conn, s)
}

func (t *Txn) apply(ctx context.Context, gen uint64, p *participant, conn Conn, s step) {
	if s.closeConn && conn != nil {
		conn.Close("xa " + strings.ToLower(string(s.status)))
	}
	if s.killStale {
		t.killStale(ctx, p)
	}
	t.mu.Lock()
	if s.status != "" {
		p.status = s.status
	}
	if s.txnState != "" {
		t.state = s.txnState
	}
	entry := p.entryLocked()
	t.mu.Unlock()
	if s.status != "" {
		t.saveParticipant(ctx, entry)
	}
	if s.settle {
		t.mu.Lock()
		p.status = xa.StateInitialize
		t.mu.Unlock()
	}

	if !t.barrier.Done(gen, p.position) {
		return
	}
	if s.promoteTo != "" {
		t.mu.Lock()
		if s.promoteFrom == "" || t.state == s.promoteFrom {
			t.state = s.promoteTo
		}
		t.mu.Unlock()
	}
	switch s.onLast {
	case lastNext:
		t.nextParse(ctx)
	case lastFinalize:
		t.finalize(ctx)
	}
}

func (t *Txn) probe(ctx context.Context, p *participant) outcomeKind {
	if t.coord.prober == nil {
		t.coord.metrics.recordProbe(ctx, "unavailable")
		return kindProbeFailed
	}
	present, err := t.coord.prober.Probe(ctx, ProbeRequest{BranchXID: p.branch, Target: p.target})
	switch {
	case err != nil:
		t.logger.Warn("xa.commit.probe_error", "branch", p.branch, "error", err)
		t.coord.metrics.recordProbe(ctx, "error")
		return kindProbeFailed
	case present:
		t.coord.metrics.recordProbe(ctx, "held")
		return kindProbeHeld
	default:
		t.coord.metrics.recordProbe(ctx, "absent")
		return kindProbeAbsent
	}
}

func (t *Txn) killStale(ctx context.Context, p *participant) {
	t.mu.Lock()
	tid := t.oldThreadIDs[p.position]
	t.mu.Unlock()
	if tid == 0 || t.coord.prober == nil {
		t.logger.Warn("xa.commit.stale_unknown", "branch", p.branch)
		return
	}
	if err := t.coord.prober.Kill(ctx, p.target, tid); err != nil {
		t.logger.Warn("xa.commit.stale_kill_error", "branch", p.branch, "thread_id", tid, "error", err)
		return
	}
	t.logger.Info("xa.commit.stale_killed", "branch", p.branch, "thread_id", tid)
}

// nextParse continues after a phase: a recorded failure ends the commit,
// except that a prepare which lost a participant goes on to roll back.
func (t *Txn) nextParse(ctx context.Context) {
	if msg, failed := t.barrier.Failure(); failed && t.State() != xa.StatePrepareUnconnected {
		t.setInterrupted()
		t.logger.Info("xa.commit.interrupted", "state", t.State(), "reason", msg)
		t.respond(ctx, nil, "failed")
		return
	}
	if err := t.drive(ctx); err != nil {
		t.logger.Warn("xa.commit.drive_error", "error", err)
	}
}

// finalize settles a COMMIT round.
func (t *Txn) finalize(ctx context.Context) {
	switch state := t.State(); state {
	case xa.StateInitialize:
		t.succeed(ctx, false)
	case xa.StateCommitFailed:
		t.settleFailed(ctx)
	default:
		t.logger.Warn("xa.commit.finalize.unexpected_state", "state", state)
		t.respond(ctx, nil, "failed")
	}
}

func (t *Txn) settleFailed(ctx context.Context) {
	if t.releaseCommitted() {
		t.succeed(ctx, true)
		return
	}
	msg, _ := t.barrier.Failure()
	if t.killed.Load() {
		if err := t.coord.log.SavePhase(ctx, t.xid, xa.StateCommitFailed); err != nil {
			t.logger.Warn("xa.commit.log.phase_error", "state", xa.StateCommitFailed, "error", err)
		}
		t.logger.Warn("xa.commit.failed.killed", "reason", msg)
		t.respond(ctx, nil, "killed")
		t.releaseAll("session killed")
		t.clearResources()
		return
	}

	policy := t.coord.RetryPolicy()
	t.mu.Lock()
	t.tryCommit++
	tries := t.tryCommit
	t.mu.Unlock()
	t.logger.Warn("xa.commit.failed", "attempt", tries, "limit", policy.Limit, "always_retry", policy.AlwaysRetry, "reason", msg)
	if policy.AlwaysRetry || tries < policy.Limit {
		t.hook(ctx, t.coord.hooks.BeforeInnerRetry, "")
		t.coord.metrics.recordInnerRetry(ctx)
		go t.redrive(ctx, t.coord.retryDelay(tries))
		return
	}
	t.handOff(ctx)
}

// redrive starts the next foreground COMMIT round off the caller's stack.
func (t *Txn) redrive(ctx context.Context, wait time.Duration) {
	if wait > 0 {
		t.logger.Debug("xa.commit.retry.wait", "duration", wait)
		_ = clock.SleepContext(ctx, t.coord.clock, wait)
	}
	if err := t.drive(ctx); err != nil {
		t.logger.Warn("xa.commit.retry_error", "error", err)
	}
}

// handOff disconnects the client and parks the transaction in the background
// registry, within the background bound.
func (t *Txn) handOff(ctx context.Context) {
	if !t.client.Closed() {
		t.client.Close(backgroundCloseReason)
	}
	defer t.respond(ctx, nil, "background")
	if !t.retryInBackground.Load() {
		t.client.ForceClose(forceCloseReason)
		t.logger.Warn("xa.commit.background.disabled")
		return
	}
	policy := t.coord.RetryPolicy()
	t.mu.Lock()
	allowed := policy.BackgroundLimit == 0 || t.backgroundTries < policy.BackgroundLimit
	if allowed {
		t.backgroundTries++
	}
	tries := t.backgroundTries
	t.mu.Unlock()
	if !allowed {
		t.logger.Error("xa.commit.background.exhausted", "attempts", tries, "limit", policy.BackgroundLimit)
		return
	}
	if t.killed.Load() {
		t.releaseAll("session killed")
		t.logger.Warn("xa.commit.background.killed")
		return
	}
	detail := fmt.Sprintf("XA COMMIT of %s failed, retrying in background (attempt %d)", t.xid, tries)
	t.coord.alerter.Alert(AlertBackgroundRetryFail, detail, t.alertLabels())
	t.hook(ctx, t.coord.hooks.BeforeEnqueue, "")
	err := t.coord.registry.Enqueue(t)
	t.coord.metrics.recordEnqueue(ctx, err)
	if err != nil {
		t.logger.Error("xa.commit.background.enqueue_error", "error", err)
	} else {
		t.queued.Store(true)
		t.logger.Info("xa.commit.background.enqueued", "attempt", tries)
	}
	t.hook(ctx, t.coord.hooks.AfterEnqueue, "")
}

// succeed retires the transaction and answers OK. recovered is set when the
// transaction went through COMMIT_FAILED.
func (t *Txn) succeed(ctx context.Context, recovered bool) {
	t.mu.Lock()
	flushed := t.flushed
	t.state = xa.StateInitialize
	parts := t.participants
	t.participants = nil
	t.mu.Unlock()
	if flushed {
		if err := t.coord.log.SavePhase(ctx, t.xid, xa.StateCommitted); err != nil {
			t.logger.Warn("xa.commit.log.retire_error", "error", err)
		}
	}
	t.release(parts)
	t.cancelStatus.Store(cancelInit)
	t.clearResources()
	if recovered {
		t.coord.alerter.Resolve(AlertBackgroundRetryFail, t.alertLabels())
		t.coord.registry.Remove(t.id)
	}
	t.logger.Info("xa.commit.committed", "recovered", recovered)
	resp := OKResponse()
	t.respond(ctx, &resp, "committed")
}

// abandon handles a prepare that lost a participant.
func (t *Txn) abandon(ctx context.Context) {
	if t.killed.Load() {
		if err := t.coord.log.SavePhase(ctx, t.xid, xa.StatePrepareUnconnected); err != nil {
			t.logger.Warn("xa.commit.log.phase_error", "state", xa.StatePrepareUnconnected, "error", err)
		}
		t.setInterrupted()
		resp := ErrorResponse(xa.CodeQueryInterrupted, interruptedMessage)
		t.respond(ctx, &resp, "killed")
		return
	}
	if err := t.coord.rollbacker.Rollback(ctx, t); err != nil {
		t.logger.Warn("xa.commit.rollback_error", "error", err)
	}
	t.respond(ctx, nil, "rolled_back")
}

// respond writes resp, or the recorded response when nil, at most once.
func (t *Txn) respond(ctx context.Context, resp *Response, result string) {
	t.finishOnce.Do(func() {
		out := t.currentResponse()
		if resp != nil {
			out = *resp
		}
		if result != "background" && !t.client.Closed() {
			t.client.Write(out)
		}
		t.coord.metrics.recordFinished(ctx, result)
		t.logger.Debug("xa.commit.respond", "result", result, "response", out.String())
		close(t.done)
	})
}

// releaseCommitted hands back the connections of committed participants and
// drops them. It reports whether nothing is left to commit.
func (t *Txn) releaseCommitted() bool {
	t.mu.Lock()
	var released []*participant
	kept := t.participants[:0]
	for _, p := range t.participants {
		if p.status == xa.StateInitialize {
			released = append(released, p)
			continue
		}
		kept = append(kept, p)
	}
	t.participants = kept
	empty := len(kept) == 0
	t.mu.Unlock()
	t.release(released)
	return empty
}

func (t *Txn) release(parts []*participant) {
	if t.conns == nil {
		return
	}
	for _, p := range parts {
		t.mu.Lock()
		conn := p.conn
		p.conn = nil
		t.mu.Unlock()
		if conn != nil {
			t.conns.Release(conn)
		}
	}
}

// releaseAll closes and hands back every connection the transaction still
// holds. Prepared branches stay on the data nodes for recovery.
func (t *Txn) releaseAll(reason string) {
	t.mu.Lock()
	parts := append([]*participant(nil), t.participants...)
	t.mu.Unlock()
	for _, p := range parts {
		if conn := t.connOf(p); conn != nil && !conn.Closed() {
			conn.Close(reason)
		}
	}
	t.release(parts)
}

func (t *Txn) freshConn(ctx context.Context, p *participant, stale Conn) (Conn, error) {
	if t.conns == nil {
		return nil, errors.New("commit: no connection provider")
	}
	fresh, err := t.conns.Fresh(ctx, p.target, stale)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, fmt.Errorf("commit: no connection for %s", p.target)
	}
	t.mu.Lock()
	if stale != nil {
		if _, ok := t.oldThreadIDs[p.position]; !ok {
			t.oldThreadIDs[p.position] = stale.ThreadID()
		}
	}
	p.conn = fresh
	t.mu.Unlock()
	if stale != nil && stale != fresh && !stale.Closed() {
		stale.Close("replaced for commit retry")
	}
	return fresh, nil
}

func (t *Txn) flushInitial(ctx context.Context) {
	t.mu.Lock()
	entry := &xa.CoordinatorLogEntry{XID: t.xid, SessionID: t.id, State: t.state}
	for _, p := range t.participants {
		entry.Participants = append(entry.Participants, p.entryLocked())
	}
	t.mu.Unlock()
	if err := t.coord.log.FlushInitial(ctx, entry); err != nil {
		t.logger.Warn("xa.commit.log.flush_error", "error", err)
		return
	}
	t.mu.Lock()
	t.flushed = true
	t.mu.Unlock()
}

// fail records the first failure of the current phase and its client answer.
func (t *Txn) fail(code uint16, msg string) {
	if !t.barrier.Fail(msg) {
		return
	}
	t.mu.Lock()
	t.response = ErrorResponse(code, msg)
	t.mu.Unlock()
}

func (t *Txn) clearResources() {
	t.mu.Lock()
	t.tryCommit = 0
	t.backgroundTries = 0
	t.response = OKResponse()
	t.oldThreadIDs = make(map[int]uint64)
	t.mu.Unlock()
}

func (t *Txn) setStatus(ctx context.Context, p *participant, status xa.TxState) {
	t.mu.Lock()
	p.status = status
	entry := p.entryLocked()
	t.mu.Unlock()
	t.saveParticipant(ctx, entry)
}

func (t *Txn) saveParticipant(ctx context.Context, entry xa.ParticipantLogEntry) {
	if err := t.coord.log.SaveParticipant(ctx, t.xid, entry); err != nil {
		t.logger.Warn("xa.commit.log.participant_error", "branch", entry.BranchXID, "status", entry.Status, "error", err)
	}
}

func (t *Txn) setState(state xa.TxState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

func (t *Txn) setInterrupted() {
	t.mu.Lock()
	t.interrupted = true
	t.mu.Unlock()
}

func (t *Txn) currentResponse() Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

func (t *Txn) connOf(p *participant) Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.conn
}

func (t *Txn) entryOf(p *participant) xa.ParticipantLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.entryLocked()
}

func (t *Txn) alertLabels() map[string]string {
	return map[string]string{"XA_ID": t.xid}
}

func (t *Txn) hook(ctx context.Context, h Hook, branch string) {
	if h != nil {
		h(ctx, t.xid, branch)
	}
}

func (t *Txn) delay(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t.logger.Debug("xa.commit.delay", "duration", d)
	_ = clock.SleepContext(ctx, t.coord.clock, d)
}

func (p *participant) entryLocked() xa.ParticipantLogEntry {
	return xa.ParticipantLogEntry{
		Position:  p.position,
		Target:    p.target,
		BranchXID: p.branch,
		Status:    p.status,
		ThreadID:  p.threadID,
	}
}

func connClosedMessage(p *participant) string {
	return fmt.Sprintf("connection to %s was closed", p.target)
}

func outcomeCode(o Outcome) uint16 {
	if o.Kind == OutcomeError && o.Code != 0 {
		return o.Code
	}
	return xa.CodeUnknownError
}

func outcomeMessage(p *participant, o Outcome) string {
	switch {
	case o.Kind == OutcomeConnLost && o.Err != nil:
		return fmt.Sprintf("connection to %s was lost: %v", p.target, o.Err)
	case o.Kind == OutcomeConnLost:
		return fmt.Sprintf("connection to %s was lost", p.target)
	case o.Message != "":
		return o.Message
	case o.Err != nil:
		return o.Err.Error()
	}
	return fmt.Sprintf("%s failed", p.branch)
}
