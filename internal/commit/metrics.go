package commit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/xa"
)

type commitMetrics struct {
	phaseDuration metric.Int64Histogram
	outcomes      metric.Int64Counter
	finished      metric.Int64Counter
	innerRetries  metric.Int64Counter
	enqueued      metric.Int64Counter
	probes        metric.Int64Counter
}

func newCommitMetrics(logger pslog.Logger) *commitMetrics {
	meter := otel.Meter("pkt.systems/shardxa/commit")
	m := &commitMetrics{}
	var err error

	m.phaseDuration, err = meter.Int64Histogram(
		"shardxa.commit.phase.duration_ms",
		metric.WithDescription("Time spent sending one commit phase to all participants"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "shardxa.commit.phase.duration_ms", err)

	m.outcomes, err = meter.Int64Counter(
		"shardxa.commit.outcomes",
		metric.WithDescription("Participant outcomes by branch status and kind"),
	)
	logMetricInitError(logger, "shardxa.commit.outcomes", err)

	m.finished, err = meter.Int64Counter(
		"shardxa.commit.finished",
		metric.WithDescription("Transactions that reached a final client response"),
	)
	logMetricInitError(logger, "shardxa.commit.finished", err)

	m.innerRetries, err = meter.Int64Counter(
		"shardxa.commit.inner_retries",
		metric.WithDescription("Foreground commit re-drives after COMMIT_FAILED"),
	)
	logMetricInitError(logger, "shardxa.commit.inner_retries", err)

	m.enqueued, err = meter.Int64Counter(
		"shardxa.commit.background.enqueued",
		metric.WithDescription("Transactions handed to the background retry registry"),
	)
	logMetricInitError(logger, "shardxa.commit.background.enqueued", err)

	m.probes, err = meter.Int64Counter(
		"shardxa.commit.probes",
		metric.WithDescription("In-doubt probes run after an unknown-XID commit answer"),
	)
	logMetricInitError(logger, "shardxa.commit.probes", err)

	return m
}

func (m *commitMetrics) recordPhase(ctx context.Context, state xa.TxState, duration time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.Record(metricContext(ctx), duration.Milliseconds(),
		metric.WithAttributes(attribute.String("shardxa.xa.state", stateLabel(state))))
}

func (m *commitMetrics) recordOutcome(ctx context.Context, status xa.TxState, kind outcomeKind) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("shardxa.xa.state", stateLabel(status)),
		attribute.String("shardxa.commit.outcome", kind.String()),
	))
}

func (m *commitMetrics) recordFinished(ctx context.Context, result string) {
	if m == nil || m.finished == nil {
		return
	}
	m.finished.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("shardxa.commit.result", result)))
}

func (m *commitMetrics) recordInnerRetry(ctx context.Context) {
	if m == nil || m.innerRetries == nil {
		return
	}
	m.innerRetries.Add(metricContext(ctx), 1)
}

func (m *commitMetrics) recordEnqueue(ctx context.Context, err error) {
	if m == nil || m.enqueued == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.enqueued.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("shardxa.commit.result", result)))
}

func (m *commitMetrics) recordProbe(ctx context.Context, result string) {
	if m == nil || m.probes == nil {
		return
	}
	m.probes.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("shardxa.commit.probe", result)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func stateLabel(state xa.TxState) string {
	if state == "" {
		return "unknown"
	}
	return string(state)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
