package shardxa

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"pkt.systems/shardxa/internal/commit"
	"pkt.systems/shardxa/internal/mysqlconn"
	"pkt.systems/shardxa/internal/storage/memory"
	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
)

type recordingClient struct {
	mu     sync.Mutex
	writes []commit.Response
	closed bool
}

func (c *recordingClient) Write(r commit.Response) {
	c.mu.Lock()
	c.writes = append(c.writes, r)
	c.mu.Unlock()
}

func (c *recordingClient) Close(string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *recordingClient) ForceClose(reason string) { c.Close(reason) }

func (c *recordingClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *recordingClient) responses() []commit.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]commit.Response(nil), c.writes...)
}

func newMockService(t *testing.T, cfg Config, opts ...Option) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	pool := mysqlconn.NewPoolFromDBs(map[string]*sql.DB{"dn1": db}, nil, time.Second)
	opts = append([]Option{WithPool(pool)}, opts...)
	svc, err := NewService(cfg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, mock
}

func shutdown(t *testing.T, svc *Service, mock sqlmock.Sqlmock) {
	t.Helper()
	mock.ExpectClose()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestServiceBeginCommit(t *testing.T) {
	svc, mock := newMockService(t, Config{})
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, svc, mock)

	mock.ExpectQuery(`SELECT CONNECTION_ID\(\)`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectExec(`XA START 'shardxa\..+\.dn1'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO t`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`XA END 'shardxa\..+\.dn1'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`XA PREPARE 'shardxa\..+\.dn1'`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`XA COMMIT 'shardxa\..+\.dn1'`).WillReturnResult(sqlmock.NewResult(0, 0))

	client := &recordingClient{}
	sess, err := svc.Begin(ctx, "session-1", client, xa.Target{Name: "dn1"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := sess.Conns["dn1"].Exec(ctx, "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := sess.Txn.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case <-sess.Txn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("commit did not finish (state %s)", sess.Txn.State())
	}
	if resp := client.responses(); len(resp) != 1 || !resp[0].OK {
		t.Fatalf("expected OK, got %v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
	left, err := svc.Log().List(ctx)
	if err != nil || len(left) != 0 {
		t.Fatalf("expected empty recovery log, got %v %v", left, err)
	}
}

func TestServiceRecoversOnStart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed, err := xalog.New(xalog.Config{Store: store})
	if err != nil {
		t.Fatalf("xalog: %v", err)
	}
	target := xa.Target{Name: "dn1"}
	entry := &xa.CoordinatorLogEntry{
		XID:   "'shardxa.crashed'",
		State: xa.StateCommitting,
		Participants: []xa.ParticipantLogEntry{{
			Target:    target,
			BranchXID: xa.BranchXID("'shardxa.crashed'", target),
			Status:    xa.StatePrepared,
		}},
	}
	if err := seed.FlushInitial(ctx, entry); err != nil {
		t.Fatalf("flush: %v", err)
	}

	svc, mock := newMockService(t, Config{}, WithStore(store))
	mock.ExpectQuery(`SELECT CONNECTION_ID\(\)`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectExec(`XA COMMIT 'shardxa\.crashed\.dn1'`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, svc, mock)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
	left, err := svc.Log().List(ctx)
	if err != nil || len(left) != 0 {
		t.Fatalf("expected recovered log to be empty, got %v %v", left, err)
	}
}

func TestServiceServesAlerts(t *testing.T) {
	svc, mock := newMockService(t, Config{MetricsListen: "127.0.0.1:0", DisableRecovery: true})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer shutdown(t, svc, mock)

	svc.alerts.Alert(commit.AlertBackgroundRetryFail, "stuck", map[string]string{"XA_ID": "'x'"})
	addr := svc.telemetry.MetricsAddr()
	resp, err := http.Get("http://" + addr + "/alerts")
	if err != nil {
		t.Fatalf("get alerts: %v", err)
	}
	defer resp.Body.Close()
	var got []struct {
		Code   string            `json:"code"`
		Labels map[string]string `json:"labels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Code != commit.AlertBackgroundRetryFail || got[0].Labels["XA_ID"] != "'x'" {
		t.Fatalf("unexpected alerts %+v", got)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}
}

func TestServiceApplyRetryPolicy(t *testing.T) {
	svc, mock := newMockService(t, Config{})
	defer shutdown(t, svc, mock)

	if err := svc.ApplyRetryPolicy(Config{CommitRetryLimit: 2, AlwaysRetry: true, BackgroundRetryInterval: 3 * time.Second}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p := svc.Coordinator().RetryPolicy()
	if p.Limit != 2 || !p.AlwaysRetry {
		t.Fatalf("unexpected policy %+v", p)
	}
	if svc.queue.Interval() != 3*time.Second {
		t.Fatalf("unexpected interval %s", svc.queue.Interval())
	}
	if err := svc.ApplyRetryPolicy(Config{CommitRetryLimit: -1}); err == nil {
		t.Fatal("expected invalid policy error")
	}
}

func TestServiceBeginReleasesOnStartFailure(t *testing.T) {
	svc, mock := newMockService(t, Config{DisableRecovery: true})
	ctx := context.Background()
	if _, err := svc.Begin(ctx, "s", nil, xa.Target{Name: "dn1"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = svc.Shutdown(context.Background()) }()

	mock.ExpectQuery(`SELECT CONNECTION_ID\(\)`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectExec(`XA START .+`).WillReturnError(&mysql.MySQLError{Number: 1399, Message: "XAER_RMFAIL"})
	if _, err := svc.Begin(context.Background(), "s", nil, xa.Target{Name: "dn1"}); err == nil {
		t.Fatal("expected xa start failure")
	}
	if _, err := svc.Begin(context.Background(), "s", nil, xa.Target{Name: "nope"}); err == nil {
		t.Fatal("expected unknown node failure")
	}
}
