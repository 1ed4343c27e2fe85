// Package mysqlconn adapts database/sql connections to MySQL data nodes into
// commit participants. Each Conn pins one physical session, because an XA
// branch lives on the session that started it.
package mysqlconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/xa"
)

// ErrClosed is reported for commands sent on a closed Conn.
var ErrClosed = errors.New("mysqlconn: connection closed")

// ErrUnknownNode is returned for targets with no configured data node.
var ErrUnknownNode = errors.New("mysqlconn: unknown data node")

// Node configures one backend data node.
type Node struct {
	Name    string `mapstructure:"name" yaml:"name"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpen int    `mapstructure:"max-open" yaml:"max-open"`
	MaxIdle int    `mapstructure:"max-idle" yaml:"max-idle"`
}

// Config configures a Pool.
type Config struct {
	Nodes  []Node
	Logger pslog.Logger
	// ExecTimeout bounds each transaction-control statement; zero disables.
	ExecTimeout time.Duration
	// DialTimeout is applied to DSNs that do not set one.
	DialTimeout time.Duration
}

// Pool hands out pinned connections per data node.
type Pool struct {
	logger  pslog.Logger
	timeout time.Duration

	mu  sync.RWMutex
	dbs map[string]*sql.DB
}

// Open connects a Pool to cfg.Nodes. Connections are established lazily.
func Open(cfg Config) (*Pool, error) {
	dbs := make(map[string]*sql.DB, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if n.Name == "" {
			closeAll(dbs)
			return nil, errors.New("mysqlconn: node name required")
		}
		if _, dup := dbs[n.Name]; dup {
			closeAll(dbs)
			return nil, fmt.Errorf("mysqlconn: duplicate node %s", n.Name)
		}
		mc, err := mysql.ParseDSN(n.DSN)
		if err != nil {
			closeAll(dbs)
			return nil, fmt.Errorf("mysqlconn: node %s: %w", n.Name, err)
		}
		if mc.Timeout == 0 && cfg.DialTimeout > 0 {
			mc.Timeout = cfg.DialTimeout
		}
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			closeAll(dbs)
			return nil, fmt.Errorf("mysqlconn: node %s: %w", n.Name, err)
		}
		db := sql.OpenDB(connector)
		if n.MaxOpen > 0 {
			db.SetMaxOpenConns(n.MaxOpen)
		}
		if n.MaxIdle > 0 {
			db.SetMaxIdleConns(n.MaxIdle)
		}
		dbs[n.Name] = db
	}
	return NewPoolFromDBs(dbs, cfg.Logger, cfg.ExecTimeout), nil
}

// NewPoolFromDBs wraps already opened handles keyed by node name.
func NewPoolFromDBs(dbs map[string]*sql.DB, logger pslog.Logger, execTimeout time.Duration) *Pool {
	copied := make(map[string]*sql.DB, len(dbs))
	for k, v := range dbs {
		copied[k] = v
	}
	return &Pool{
		logger:  loggingutil.WithSubsystem(logger, "xa.conn"),
		timeout: execTimeout,
		dbs:     copied,
	}
}

// DB returns the handle for node name.
func (p *Pool) DB(name string) (*sql.DB, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.dbs[name]
	return db, ok
}

// Nodes lists configured node names in order.
func (p *Pool) Nodes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.dbs))
	for k := range p.dbs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Acquire pins a session on target's node and selects its schema.
func (p *Pool) Acquire(ctx context.Context, target xa.Target) (*Conn, error) {
	db, ok := p.DB(target.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target.Name)
	}
	sc, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("mysqlconn: acquire %s: %w", target, err)
	}
	var id uint64
	if err := sc.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&id); err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("mysqlconn: connection id on %s: %w", target, err)
	}
	if target.Schema != "" {
		if _, err := sc.ExecContext(ctx, "USE "+QuoteIdent(target.Schema)); err != nil {
			_ = sc.Close()
			return nil, fmt.Errorf("mysqlconn: use %s on %s: %w", target.Schema, target, err)
		}
	}
	p.logger.Trace("xa.conn.acquired", "target", target.String(), "thread_id", id)
	return &Conn{
		target:   target,
		conn:     sc,
		threadID: id,
		logger:   p.logger.With("target", target.String(), "thread_id", id),
		timeout:  p.timeout,
	}, nil
}

// Fresh implements commit.ConnProvider.
func (p *Pool) Fresh(ctx context.Context, target xa.Target, _ commit.Conn) (commit.Conn, error) {
	c, err := p.Acquire(ctx, target)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Release implements commit.ConnProvider. Open connections go back to the
// database/sql pool; closed ones were already discarded.
func (p *Pool) Release(conn commit.Conn) {
	c, ok := conn.(*Conn)
	if !ok || c == nil {
		return
	}
	c.release()
}

// Close closes every node handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	p.dbs = map[string]*sql.DB{}
	return errors.Join(errs...)
}

// Conn is one pinned backend session.
type Conn struct {
	target   xa.Target
	conn     *sql.Conn
	threadID uint64
	logger   pslog.Logger
	timeout  time.Duration

	// mu serialises statements; a session runs one command at a time.
	mu       sync.Mutex
	closed   atomic.Bool
	released atomic.Bool
}

// Target returns the node this session belongs to.
func (c *Conn) Target() xa.Target { return c.target }

// ThreadID returns the server-side connection id.
func (c *Conn) ThreadID() uint64 { return c.threadID }

// Closed reports whether the session is gone.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Exec runs a statement synchronously on the pinned session.
func (c *Conn) Exec(ctx context.Context, stmt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := c.conn.ExecContext(ctx, stmt)
	return err
}

// Send implements commit.Conn. The outcome is delivered on its own goroutine.
func (c *Conn) Send(ctx context.Context, verb xa.Verb, branch string, done func(commit.Outcome)) {
	stmt := verb.Statement(branch)
	go func() {
		err := c.Exec(ctx, stmt)
		o := Classify(err)
		if o.Kind == commit.OutcomeConnLost {
			c.discard()
			c.logger.Warn("xa.conn.lost", "statement", stmt, "error", err)
		} else if err != nil {
			c.logger.Debug("xa.conn.error", "statement", stmt, "code", o.Code, "error", err)
		} else {
			c.logger.Trace("xa.conn.exec", "statement", stmt)
		}
		done(o)
	}()
}

// Close discards the session so the pool never reuses it.
func (c *Conn) Close(reason string) {
	if c.closed.Swap(true) {
		return
	}
	c.logger.Debug("xa.conn.close", "reason", reason)
	c.discard()
}

func (c *Conn) discard() {
	c.closed.Store(true)
	if c.released.Swap(true) {
		return
	}
	// Returning ErrBadConn from Raw makes database/sql drop the session.
	_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.conn.Close()
}

func (c *Conn) release() {
	if c.closed.Load() {
		c.discard()
		return
	}
	if c.released.Swap(true) {
		return
	}
	_ = c.conn.Close()
}

// Classify maps a statement error to a participant outcome.
func Classify(err error) commit.Outcome {
	if err == nil {
		return commit.Outcome{Kind: commit.OutcomeAck}
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return commit.Outcome{Kind: commit.OutcomeError, Code: me.Number, Message: me.Message, Err: err}
	}
	if isConnLoss(err) {
		return commit.Outcome{Kind: commit.OutcomeConnLost, Err: err}
	}
	return commit.Outcome{Kind: commit.OutcomeError, Code: xa.CodeUnknownError, Message: err.Error(), Err: err}
}

func isConnLoss(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// QuoteIdent quotes a MySQL identifier.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func closeAll(dbs map[string]*sql.DB) {
	for _, db := range dbs {
		_ = db.Close()
	}
}
