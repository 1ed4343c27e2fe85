// Package alert keeps the set of standing self-alerts raised by the
// coordinator. An alert is identified by its code plus labels; raising it
// again refreshes it and resolving clears it.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/clock"
	"pkt.systems/shardxa/internal/loggingutil"
)

// Alert is one standing alert.
type Alert struct {
	Code     string            `json:"code"`
	Detail   string            `json:"detail"`
	Labels   map[string]string `json:"labels,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
	Count    int               `json:"count"`
}

// Config configures a Manager.
type Config struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// Manager tracks standing alerts.
type Manager struct {
	logger pslog.Logger
	clock  clock.Clock

	standing metric.Int64UpDownCounter
	raised   metric.Int64Counter

	mu     sync.Mutex
	alerts map[string]*Alert
}

// New builds a Manager.
func New(cfg Config) *Manager {
	logger := loggingutil.WithSubsystem(cfg.Logger, "xa.alert")
	m := &Manager{
		logger: logger,
		clock:  clock.Ensure(cfg.Clock),
		alerts: make(map[string]*Alert),
	}
	meter := otel.Meter("pkt.systems/shardxa/alert")
	var err error
	m.standing, err = meter.Int64UpDownCounter(
		"shardxa.alert.standing",
		metric.WithDescription("Alerts currently raised"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "shardxa.alert.standing", "error", err)
	}
	m.raised, err = meter.Int64Counter(
		"shardxa.alert.raised",
		metric.WithDescription("Alerts raised, including repeats"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "shardxa.alert.raised", "error", err)
	}
	return m
}

// Alert raises or refreshes an alert.
func (m *Manager) Alert(code, detail string, labels map[string]string) {
	key := alertKey(code, labels)
	m.mu.Lock()
	a, exists := m.alerts[key]
	if !exists {
		a = &Alert{Code: code, Labels: copyLabels(labels), RaisedAt: m.clock.Now()}
		m.alerts[key] = a
	}
	a.Detail = detail
	a.Count++
	count := a.Count
	m.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("shardxa.alert.code", code))
	if m.raised != nil {
		m.raised.Add(context.Background(), 1, attrs)
	}
	if !exists && m.standing != nil {
		m.standing.Add(context.Background(), 1, attrs)
	}
	m.logger.Error("xa.alert.raise", "code", code, "detail", detail, "labels", labels, "count", count)
}

// Resolve clears an alert. Unknown alerts are ignored.
func (m *Manager) Resolve(code string, labels map[string]string) {
	key := alertKey(code, labels)
	m.mu.Lock()
	_, ok := m.alerts[key]
	delete(m.alerts, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.standing != nil {
		m.standing.Add(context.Background(), -1, metric.WithAttributes(attribute.String("shardxa.alert.code", code)))
	}
	m.logger.Info("xa.alert.resolve", "code", code, "labels", labels)
}

// Standing returns the raised alerts ordered by time raised.
func (m *Manager) Standing() []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		cp := *a
		cp.Labels = copyLabels(a.Labels)
		out = append(out, cp)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return alertKey(out[i].Code, out[i].Labels) < alertKey(out[j].Code, out[j].Labels)
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

func alertKey(code string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(code)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
