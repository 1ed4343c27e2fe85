// Package xaprobe inspects data nodes for prepared XA branches and clears
// sessions that still hold them.
package xaprobe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/loggingutil"
	"pkt.systems/shardxa/internal/xa"
)

// Unknown thread id; the session already ended.
const codeNoSuchThread uint16 = 1094

// ErrUnknownNode is returned when a target names no configured node.
var ErrUnknownNode = errors.New("xaprobe: unknown data node")

// Source resolves a node name to its database handle.
type Source interface {
	DB(name string) (*sql.DB, bool)
}

// Config configures a Prober.
type Config struct {
	Source  Source
	Logger  pslog.Logger
	Timeout time.Duration
}

// Prober implements commit.Prober against MySQL data nodes.
type Prober struct {
	source  Source
	logger  pslog.Logger
	timeout time.Duration
}

// Branch is one row of XA RECOVER.
type Branch struct {
	FormatID int64
	GTRID    string
	BQUAL    string
}

// New builds a Prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Source == nil {
		return nil, errors.New("xaprobe: source required")
	}
	return &Prober{
		source:  cfg.Source,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "xa.probe"),
		timeout: cfg.Timeout,
	}, nil
}

// Recover lists the prepared branches held by target's node.
func (p *Prober) Recover(ctx context.Context, target xa.Target) ([]Branch, error) {
	db, ok := p.source.DB(target.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target.Name)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	rows, err := db.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, fmt.Errorf("xaprobe: xa recover on %s: %w", target, err)
	}
	defer rows.Close()
	var out []Branch
	for rows.Next() {
		var (
			formatID           int64
			gtridLen, bqualLen int
			data               []byte
		)
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, fmt.Errorf("xaprobe: scan xa recover on %s: %w", target, err)
		}
		if gtridLen < 0 || bqualLen < 0 || gtridLen+bqualLen > len(data) {
			p.logger.Warn("xa.probe.malformed_row", "target", target.String(), "gtrid_length", gtridLen, "bqual_length", bqualLen)
			continue
		}
		out = append(out, Branch{
			FormatID: formatID,
			GTRID:    string(data[:gtridLen]),
			BQUAL:    string(data[gtridLen : gtridLen+bqualLen]),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("xaprobe: xa recover on %s: %w", target, err)
	}
	return out, nil
}

// Probe reports whether the branch is still prepared on its node.
func (p *Prober) Probe(ctx context.Context, req commit.ProbeRequest) (bool, error) {
	branches, err := p.Recover(ctx, req.Target)
	if err != nil {
		return false, err
	}
	want := xa.Unquote(req.BranchXID)
	for _, b := range branches {
		if b.GTRID == want && b.BQUAL == "" {
			p.logger.Debug("xa.probe.held", "branch", req.BranchXID, "target", req.Target.String())
			return true, nil
		}
	}
	p.logger.Debug("xa.probe.absent", "branch", req.BranchXID, "target", req.Target.String())
	return false, nil
}

// Kill terminates a backend session. A session that already ended is not an
// error.
func (p *Prober) Kill(ctx context.Context, target xa.Target, threadID uint64) error {
	db, ok := p.source.DB(target.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target.Name)
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	_, err := db.ExecContext(ctx, fmt.Sprintf("KILL %d", threadID))
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == codeNoSuchThread {
		p.logger.Debug("xa.probe.kill.gone", "target", target.String(), "thread_id", threadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("xaprobe: kill %d on %s: %w", threadID, target, err)
	}
	p.logger.Info("xa.probe.kill", "target", target.String(), "thread_id", threadID)
	return nil
}

func (p *Prober) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return ctx, func() {}
}
