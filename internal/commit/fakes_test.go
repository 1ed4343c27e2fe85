package commit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/shardxa/internal/storage/memory"
	"pkt.systems/shardxa/internal/xa"
	"pkt.systems/shardxa/internal/xalog"
)

type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(ev string) int {
	n := 0
	for _, e := range j.snapshot() {
		if e == ev {
			n++
		}
	}
	return n
}

// index returns the position of the first event with prefix, or -1.
func (j *journal) index(prefix string) int {
	for i, e := range j.snapshot() {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

type fakeConn struct {
	name string
	tid  uint64
	j    *journal

	mu        sync.Mutex
	closed    bool
	replies   map[xa.Verb][]Outcome
	sticky    map[xa.Verb]Outcome
	verbs     []xa.Verb
	duplicate bool
	// jitter delays each outcome by a random duration below it.
	jitter time.Duration
}

func newFakeConn(j *journal, name string, tid uint64) *fakeConn {
	return &fakeConn{name: name, tid: tid, j: j, replies: map[xa.Verb][]Outcome{}, sticky: map[xa.Verb]Outcome{}}
}

// reply queues a one-shot answer for verb.
func (c *fakeConn) reply(verb xa.Verb, o Outcome) *fakeConn {
	c.mu.Lock()
	c.replies[verb] = append(c.replies[verb], o)
	c.mu.Unlock()
	return c
}

// always answers every verb call with o.
func (c *fakeConn) always(verb xa.Verb, o Outcome) *fakeConn {
	c.mu.Lock()
	c.sticky[verb] = o
	c.mu.Unlock()
	return c
}

func (c *fakeConn) Send(_ context.Context, verb xa.Verb, _ string, done func(Outcome)) {
	c.mu.Lock()
	c.verbs = append(c.verbs, verb)
	o := Outcome{Kind: OutcomeAck}
	if s, ok := c.sticky[verb]; ok {
		o = s
	}
	if q := c.replies[verb]; len(q) > 0 {
		o = q[0]
		c.replies[verb] = q[1:]
	}
	if o.Kind == OutcomeConnLost {
		c.closed = true
	}
	dup, jitter := c.duplicate, c.jitter
	c.mu.Unlock()
	c.j.add("send:" + c.name + ":" + string(verb))
	go func() {
		if jitter > 0 {
			time.Sleep(rand.N(jitter))
		}
		done(o)
		if dup {
			done(Outcome{Kind: OutcomeConnLost})
		}
	}()
}

func (c *fakeConn) Close(string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) ThreadID() uint64 { return c.tid }

type fakeProvider struct {
	j *journal

	mu        sync.Mutex
	configure map[string]func(c *fakeConn, attempt int)
	fresh     map[string]int
	released  int
	failed    int
	nextTID   uint64
	err       error
}

func newFakeProvider(j *journal) *fakeProvider {
	return &fakeProvider{j: j, configure: map[string]func(*fakeConn, int){}, fresh: map[string]int{}, nextTID: 1000}
}

func (p *fakeProvider) setConfigure(name string, fn func(c *fakeConn, attempt int)) {
	p.mu.Lock()
	p.configure[name] = fn
	p.mu.Unlock()
}

func (p *fakeProvider) Fresh(_ context.Context, target xa.Target, _ Conn) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		p.failed++
		return nil, p.err
	}
	p.fresh[target.Name]++
	p.nextTID++
	c := newFakeConn(p.j, target.Name, p.nextTID)
	if fn := p.configure[target.Name]; fn != nil {
		fn(c, p.fresh[target.Name])
	}
	p.j.add("fresh:" + target.Name)
	return c, nil
}

func (p *fakeProvider) Release(Conn) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) counts() (failed, released int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed, p.released
}

func (p *fakeProvider) freshCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fresh[name]
}

type fakeClient struct {
	mu          sync.Mutex
	writes      []Response
	closed      bool
	closeReason string
	forced      bool
}

func (c *fakeClient) Write(r Response) {
	c.mu.Lock()
	c.writes = append(c.writes, r)
	c.mu.Unlock()
}

func (c *fakeClient) Close(reason string) {
	c.mu.Lock()
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()
}

func (c *fakeClient) ForceClose(reason string) {
	c.mu.Lock()
	c.closed = true
	c.forced = true
	c.closeReason = reason
	c.mu.Unlock()
}

func (c *fakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.writes...)
}

type fakeRegistry struct {
	mu       sync.Mutex
	enqueued []*Txn
	removed  []string
	err      error
}

func (r *fakeRegistry) Enqueue(txn *Txn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.enqueued = append(r.enqueued, txn)
	return nil
}

func (r *fakeRegistry) Remove(id string) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
}

func (r *fakeRegistry) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.enqueued), len(r.removed)
}

type fakeAlerter struct {
	mu       sync.Mutex
	alerts   []string
	resolves []string
}

func (a *fakeAlerter) Alert(code, _ string, labels map[string]string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, code+":"+labels["XA_ID"])
	a.mu.Unlock()
}

func (a *fakeAlerter) Resolve(code string, labels map[string]string) {
	a.mu.Lock()
	a.resolves = append(a.resolves, code+":"+labels["XA_ID"])
	a.mu.Unlock()
}

func (a *fakeAlerter) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts), len(a.resolves)
}

type fakeProber struct {
	mu      sync.Mutex
	present []bool
	err     error
	probes  []ProbeRequest
	kills   []uint64
}

func (p *fakeProber) Probe(_ context.Context, req ProbeRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes = append(p.probes, req)
	if p.err != nil {
		return false, p.err
	}
	if len(p.present) == 0 {
		return false, nil
	}
	v := p.present[0]
	p.present = p.present[1:]
	return v, nil
}

func (p *fakeProber) Kill(_ context.Context, _ xa.Target, threadID uint64) error {
	p.mu.Lock()
	p.kills = append(p.kills, threadID)
	p.mu.Unlock()
	return nil
}

// journalLog records durable writes next to the sends they must precede.
type journalLog struct {
	*xalog.Log
	j *journal

	mu        sync.Mutex
	failPhase map[xa.TxState]error
}

func (l *journalLog) SavePhase(ctx context.Context, xid string, state xa.TxState) error {
	l.mu.Lock()
	err := l.failPhase[state]
	l.mu.Unlock()
	if err != nil {
		l.j.add("log:phase_fail:" + string(state))
		return err
	}
	if err := l.Log.SavePhase(ctx, xid, state); err != nil {
		return err
	}
	l.j.add("log:phase:" + string(state))
	return nil
}

func (l *journalLog) SaveParticipant(ctx context.Context, xid string, p xa.ParticipantLogEntry) error {
	if err := l.Log.SaveParticipant(ctx, xid, p); err != nil {
		return err
	}
	l.j.add(fmt.Sprintf("log:participant:%s:%s", p.Target.Name, p.Status))
	return nil
}

type harness struct {
	j        *journal
	log      *journalLog
	client   *fakeClient
	provider *fakeProvider
	registry *fakeRegistry
	alerter  *fakeAlerter
	prober   *fakeProber
	coord    *Coordinator
	conns    []*fakeConn
}

func newHarness(t *testing.T, n int, mutate func(*Config)) *harness {
	t.Helper()
	j := &journal{}
	xl, err := xalog.New(xalog.Config{Store: memory.New()})
	if err != nil {
		t.Fatalf("xalog: %v", err)
	}
	h := &harness{
		j:        j,
		log:      &journalLog{Log: xl, j: j, failPhase: map[xa.TxState]error{}},
		client:   &fakeClient{},
		provider: newFakeProvider(j),
		registry: &fakeRegistry{},
		alerter:  &fakeAlerter{},
		prober:   &fakeProber{},
	}
	cfg := Config{
		Log:             h.log,
		Prober:          h.prober,
		Registry:        h.registry,
		Alerter:         h.alerter,
		RetryBackoff:    time.Millisecond,
		RetryBackoffMax: 2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.coord, err = New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	for i := 0; i < n; i++ {
		h.conns = append(h.conns, newFakeConn(j, fmt.Sprintf("dn%d", i+1), uint64(10+i)))
	}
	return h
}

func (h *harness) txn(t *testing.T) *Txn {
	t.Helper()
	branches := make([]Branch, len(h.conns))
	for i, c := range h.conns {
		branches[i] = Branch{Target: xa.Target{Name: c.name, Schema: "db"}, Conn: c}
	}
	txn, err := h.coord.NewTxn(TxnConfig{Client: h.client, Conns: h.provider}, branches)
	if err != nil {
		t.Fatalf("new txn: %v", err)
	}
	return txn
}

func waitDone(t *testing.T, txn *Txn) {
	t.Helper()
	select {
	case <-txn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("transaction %s did not finish (state %s)", txn.XID(), txn.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
