// Package commit drives the two-phase commit of a distributed XA transaction
// across the backend data nodes it touched.
//
// A transaction moves through END, PREPARE and COMMIT. Each phase is sent to
// every participant and the next phase starts only once every participant
// has reported back. Every decision is written to the recovery log before
// the command that depends on it is sent. If some participants cannot be
// committed, the transaction is retried in the foreground a bounded number
// of times. After that the client is disconnected and a background registry
// keeps retrying.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/uuidv7"
	"pkt.systems/shardxa/internal/xa"
)

const (
	// DefaultRetryLimit bounds foreground commit attempts.
	DefaultRetryLimit = 5
	// DefaultRetryBackoff is the pause before the second foreground attempt.
	// It doubles per attempt up to DefaultRetryBackoffMax.
	DefaultRetryBackoff = 50 * time.Millisecond
	// DefaultRetryBackoffMax caps the pause between foreground attempts.
	DefaultRetryBackoffMax = 2 * time.Second
	// AlertBackgroundRetryFail is raised while a transaction sits in the
	// background registry and cleared once it commits.
	AlertBackgroundRetryFail = "XA_BACKGROUND_RETRY_FAIL"
	// DefaultXIDPrefix prefixes generated global xids.
	DefaultXIDPrefix = "shardxa"

	backgroundCloseReason = "COMMIT FAILED but it will try to COMMIT repeatedly in background until it is success!"
	forceCloseReason      = "kill xa session by manager cmd!"
	interruptedMessage    = "Query is interrupted."
)

// Hook observes a point in the commit flow. branch is empty for
// transaction-level hooks.
type Hook func(ctx context.Context, xid, branch string)

// Hooks are optional observation points, mostly for fault injection in tests.
type Hooks struct {
	BeforeEnd        Hook
	BeforePrepare    Hook
	BeforeCommit     Hook
	BeforeInnerRetry Hook
	BeforeEnqueue    Hook
	AfterEnqueue     Hook
}

// RetryPolicy controls how hard the coordinator tries to finish a commit.
type RetryPolicy struct {
	// Limit is the number of foreground commit attempts, including the first.
	Limit int
	// AlwaysRetry ignores Limit and keeps retrying in the foreground.
	AlwaysRetry bool
	// BackgroundLimit bounds background re-drives; zero means unlimited.
	BackgroundLimit int
}

// Config wires a Coordinator.
type Config struct {
	Log        Log
	Prober     Prober
	Registry   Registry
	Alerter    Alerter
	Rollbacker Rollbacker
	Logger     pslog.Logger
	Clock      clock.Clock
	XIDPrefix  string

	RetryLimit           int
	AlwaysRetry          bool
	BackgroundRetryLimit int
	// RetryBackoff and RetryBackoffMax shape the pause between foreground
	// COMMIT attempts.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// PrepareDelay and CommitDelay pause before sending the first PREPARE and
	// COMMIT of a transaction.
	PrepareDelay time.Duration
	CommitDelay  time.Duration

	Hooks Hooks
}

// Coordinator creates and resumes distributed transactions.
type Coordinator struct {
	log          Log
	prober       Prober
	registry     Registry
	alerter      Alerter
	rollbacker   Rollbacker
	logger       pslog.Logger
	clock        clock.Clock
	xidPrefix    string
	prepareDelay time.Duration
	commitDelay  time.Duration
	backoff      time.Duration
	backoffMax   time.Duration
	hooks        Hooks
	metrics      *commitMetrics
	tracer       trace.Tracer

	policyMu sync.RWMutex
	policy   RetryPolicy
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, errors.New("commit: recovery log required")
	}
	if cfg.RetryLimit < 0 || cfg.BackgroundRetryLimit < 0 {
		return nil, errors.New("commit: retry limits must not be negative")
	}
	if cfg.RetryBackoff < 0 || cfg.RetryBackoffMax < 0 {
		return nil, errors.New("commit: retry backoff must not be negative")
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "xa.commit")
	c := &Coordinator{
		log:          cfg.Log,
		prober:       cfg.Prober,
		registry:     cfg.Registry,
		alerter:      cfg.Alerter,
		rollbacker:   cfg.Rollbacker,
		logger:       logger,
		clock:        clock.Ensure(cfg.Clock),
		xidPrefix:    cfg.XIDPrefix,
		prepareDelay: cfg.PrepareDelay,
		commitDelay:  cfg.CommitDelay,
		backoff:      cfg.RetryBackoff,
		backoffMax:   cfg.RetryBackoffMax,
		hooks:        cfg.Hooks,
		metrics:      newCommitMetrics(logger),
		tracer:       otel.Tracer("pkt.systems/shardxa/commit"),
	}
	if c.registry == nil {
		c.registry = noopRegistry{}
	}
	if c.alerter == nil {
		c.alerter = noopAlerter{}
	}
	if c.rollbacker == nil {
		c.rollbacker = BranchRollbacker{}
	}
	if c.xidPrefix == "" {
		c.xidPrefix = DefaultXIDPrefix
	}
	if c.backoff == 0 {
		c.backoff = DefaultRetryBackoff
	}
	if c.backoffMax == 0 {
		c.backoffMax = DefaultRetryBackoffMax
	}
	if c.backoffMax < c.backoff {
		c.backoffMax = c.backoff
	}
	c.SetRetryPolicy(RetryPolicy{
		Limit:           cfg.RetryLimit,
		AlwaysRetry:     cfg.AlwaysRetry,
		BackgroundLimit: cfg.BackgroundRetryLimit,
	})
	return c, nil
}

// SetRetryPolicy replaces the retry policy. In-flight transactions pick it up
// at their next decision point.
func (c *Coordinator) SetRetryPolicy(p RetryPolicy) {
	if p.Limit <= 0 {
		p.Limit = DefaultRetryLimit
	}
	if p.BackgroundLimit < 0 {
		p.BackgroundLimit = 0
	}
	c.policyMu.Lock()
	c.policy = p
	c.policyMu.Unlock()
	c.logger.Debug("xa.commit.policy", "limit", p.Limit, "always_retry", p.AlwaysRetry, "background_limit", p.BackgroundLimit)
}

// RetryPolicy returns the current retry policy.
func (c *Coordinator) RetryPolicy() RetryPolicy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

// retryDelay is the pause before foreground attempt n+1.
func (c *Coordinator) retryDelay(n int) time.Duration {
	d := c.backoff
	for i := 1; i < n && d < c.backoffMax; i++ {
		d *= 2
	}
	return min(d, c.backoffMax)
}

// Branch is one participant of a new transaction.
type Branch struct {
	Target xa.Target
	Conn   Conn
}

// TxnConfig identifies a new transaction and the session it belongs to.
type TxnConfig struct {
	// ID is the session id; generated when empty.
	ID string
	// XID is the quoted global xid; generated when empty.
	XID    string
	Client Client
	Conns  ConnProvider
}

// NewTxn registers a transaction over branches. Participants keep the order
// of branches; the first one carries the phase log writes.
func (c *Coordinator) NewTxn(cfg TxnConfig, branches []Branch) (*Txn, error) {
	if cfg.XID == "" {
		cfg.XID = xa.NewGlobalXID(c.xidPrefix)
	}
	t := c.newTxn(cfg)
	seen := make(map[string]struct{}, len(branches))
	for i, b := range branches {
		if b.Target.Name == "" {
			return nil, fmt.Errorf("commit: branch %d has no target", i)
		}
		key := b.Target.String()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("commit: duplicate target %s", key)
		}
		seen[key] = struct{}{}
		p := &participant{
			position: i,
			target:   b.Target,
			branch:   xa.BranchXID(cfg.XID, b.Target),
			status:   xa.StateStarted,
			conn:     b.Conn,
		}
		if b.Conn != nil {
			p.threadID = b.Conn.ThreadID()
		}
		t.participants = append(t.participants, p)
	}
	return t, nil
}

func (c *Coordinator) newTxn(cfg TxnConfig) *Txn {
	if cfg.ID == "" {
		cfg.ID = uuidv7.NewString()
	}
	client := cfg.Client
	if client == nil {
		client = &detachedClient{}
	}
	t := &Txn{
		coord:        c,
		id:           cfg.ID,
		xid:          cfg.XID,
		client:       client,
		conns:        cfg.Conns,
		logger:       c.logger.With("xid", cfg.XID, "session", cfg.ID),
		done:         make(chan struct{}),
		state:        xa.StateStarted,
		response:     OKResponse(),
		oldThreadIDs: make(map[int]uint64),
	}
	t.retryInBackground.Store(true)
	return t
}

// Decision is what recovery does with a logged transaction.
type Decision string

// Recovery decisions.
const (
	DecisionRetire   Decision = "retire"
	DecisionCommit   Decision = "commit"
	DecisionRollback Decision = "rollback"
)

// Decide picks the recovery action for entry. A transaction is committed only
// once the commit decision is durable, or every branch is known prepared.
func Decide(entry *xa.CoordinatorLogEntry) Decision {
	if entry == nil || entry.State.Terminal() || len(entry.Participants) == 0 {
		return DecisionRetire
	}
	switch entry.State {
	case xa.StateCommitting, xa.StateCommitFailed:
		return DecisionCommit
	case xa.StatePreparing, xa.StatePrepared:
		if entry.AllIn(xa.StatePrepared, xa.StateCommitted, xa.StateInitialize) {
			return DecisionCommit
		}
	}
	return DecisionRollback
}

// Resume finishes a transaction read back from the recovery log. Commit
// decisions re-drive COMMIT on fresh connections; the returned Txn reports
// completion through Done. Rollback decisions run to completion before
// Resume returns. Retired entries return a nil Txn.
func (c *Coordinator) Resume(ctx context.Context, entry *xa.CoordinatorLogEntry, conns ConnProvider, client Client) (*Txn, Decision, error) {
	if entry == nil || entry.XID == "" {
		return nil, "", errors.New("commit: resume: entry required")
	}
	decision := Decide(entry)
	logger := c.logger.With("xid", entry.XID, "state", entry.State, "decision", decision)
	if decision == DecisionRetire {
		if err := c.log.Delete(ctx, entry.XID); err != nil {
			return nil, decision, err
		}
		logger.Info("xa.recovery.retired")
		return nil, decision, nil
	}

	t := c.newTxn(TxnConfig{ID: entry.SessionID, XID: entry.XID, Client: client, Conns: conns})
	t.flushed = true
	t.started = true
	for _, pe := range entry.Participants {
		branch := pe.BranchXID
		if branch == "" {
			branch = xa.BranchXID(entry.XID, pe.Target)
		}
		p := &participant{
			position: pe.Position,
			target:   pe.Target,
			branch:   branch,
			status:   pe.Status,
			threadID: pe.ThreadID,
		}
		if pe.ThreadID != 0 {
			t.oldThreadIDs[pe.Position] = pe.ThreadID
		}
		t.participants = append(t.participants, p)
	}
	ctx = context.WithoutCancel(ctx)
	logger.Info("xa.recovery.resume", "participants", len(t.participants))

	if decision == DecisionRollback {
		t.state = entry.State
		err := c.rollbacker.Rollback(ctx, t)
		resp := OKResponse()
		if err != nil {
			resp = ErrorResponse(xa.CodeUnknownError, err.Error())
		}
		t.respond(ctx, &resp, "rolled_back")
		return t, decision, err
	}

	pending := t.participants[:0]
	for _, p := range t.participants {
		if p.status == xa.StateCommitted || p.status == xa.StateInitialize {
			continue
		}
		p.status = xa.StateCommitFailed
		pending = append(pending, p)
	}
	t.participants = pending
	t.state = xa.StateCommitFailed
	if len(pending) == 0 {
		t.succeed(ctx, true)
		return t, decision, nil
	}
	return t, decision, t.drive(ctx)
}

// detachedClient stands in for a session that no longer exists.
type detachedClient struct {
	mu     sync.Mutex
	closed bool
}

func (c *detachedClient) Write(Response) {}

func (c *detachedClient) Close(string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *detachedClient) ForceClose(reason string) { c.Close(reason) }

func (c *detachedClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
