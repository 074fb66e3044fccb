package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/inmembro/internal/infra/telemetry"
)

// metrics groups the broker instruments. A nil *metrics records nothing.
type metrics struct {
	pushedCounter       metric.Int64Counter
	deliveredCounter    metric.Int64Counter
	droppedCounter      metric.Int64Counter
	topicsCounter       metric.Int64Counter
	subscriberGauge     metric.Int64UpDownCounter
	fanoutHistogram     metric.Int64Histogram
	pushDuration        metric.Float64Histogram
	subscriptionSeconds metric.Float64Histogram
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter("broker")
	}
	m := new(metrics)
	m.pushedCounter, _ = meter.Int64Counter("broker.messages.pushed",
		metric.WithDescription("Number of messages pushed to topics"),
		metric.WithUnit("{message}"))
	m.deliveredCounter, _ = meter.Int64Counter("broker.messages.delivered",
		metric.WithDescription("Number of messages handed to subscription streams"),
		metric.WithUnit("{message}"))
	m.droppedCounter, _ = meter.Int64Counter("broker.messages.dropped",
		metric.WithDescription("Number of queued messages discarded by retention or compaction"),
		metric.WithUnit("{message}"))
	m.topicsCounter, _ = meter.Int64Counter("broker.topics.created",
		metric.WithDescription("Number of topics created"),
		metric.WithUnit("{topic}"))
	m.subscriberGauge, _ = meter.Int64UpDownCounter("broker.subscribers",
		metric.WithDescription("Number of attached subscribers"),
		metric.WithUnit("{subscriber}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("broker.fanout.size",
		metric.WithDescription("Number of subscribers per fanned out push"),
		metric.WithUnit("{subscriber}"))
	m.pushDuration, _ = meter.Float64Histogram("broker.push.duration",
		metric.WithDescription("Latency of topic push operations"),
		metric.WithUnit("ms"))
	m.subscriptionSeconds, _ = meter.Float64Histogram("broker.subscription.lifetime",
		metric.WithDescription("Lifetime of subscription streams"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) recordPush(ctx context.Context, topic, mode string, fanout int, start time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.PushAttributes(telemetry.Environment(), topic, mode)...)
	if m.pushedCounter != nil {
		m.pushedCounter.Add(ctx, 1, attrs)
	}
	if m.fanoutHistogram != nil && mode == telemetry.ModeFannedOut {
		m.fanoutHistogram.Record(ctx, int64(fanout), attrs)
	}
	if m.pushDuration != nil {
		m.pushDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

func (m *metrics) recordDropped(ctx context.Context, topic, reason string, n int) {
	if m == nil || m.droppedCounter == nil || n <= 0 {
		return
	}
	m.droppedCounter.Add(ctx, int64(n), metric.WithAttributes(telemetry.DropAttributes(telemetry.Environment(), topic, reason)...))
}

func (m *metrics) recordDelivered(ctx context.Context, topic string) {
	if m == nil || m.deliveredCounter == nil {
		return
	}
	m.deliveredCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *metrics) recordTopicCreated(ctx context.Context, topic string) {
	if m == nil || m.topicsCounter == nil {
		return
	}
	m.topicsCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *metrics) recordAttach(ctx context.Context, topic string) {
	if m == nil || m.subscriberGauge == nil {
		return
	}
	m.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...))
}

func (m *metrics) recordDetach(ctx context.Context, topic string, lifetime time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.TopicAttributes(telemetry.Environment(), topic)...)
	if m.subscriberGauge != nil {
		m.subscriberGauge.Add(ctx, -1, attrs)
	}
	if m.subscriptionSeconds != nil {
		m.subscriptionSeconds.Record(ctx, lifetime.Seconds(), attrs)
	}
}
