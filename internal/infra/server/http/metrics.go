package httpserver

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/inmembro/internal/infra/telemetry"
)

type httpMetrics struct {
	requests      metric.Int64Counter
	subscriptions metric.Int64Counter
	rateLimited   metric.Int64Counter
}

func newHTTPMetrics() *httpMetrics {
	meter := otel.Meter("httpserver")
	m := new(httpMetrics)
	m.requests, _ = meter.Int64Counter("http.broker.requests",
		metric.WithDescription("Number of broker requests by operation and result"),
		metric.WithUnit("{request}"))
	m.subscriptions, _ = meter.Int64Counter("http.broker.subscriptions",
		metric.WithDescription("Number of subscriptions opened by transport"),
		metric.WithUnit("{subscription}"))
	m.rateLimited, _ = meter.Int64Counter("http.broker.rate_limited",
		metric.WithDescription("Number of push requests rejected by the rate limiter"),
		metric.WithUnit("{request}"))
	return m
}

func (m *httpMetrics) recordRequest(ctx context.Context, op, result string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), op, result)...))
}

func (m *httpMetrics) recordSubscription(ctx context.Context, topic, transport string) {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Add(ctx, 1, metric.WithAttributes(telemetry.SubscriptionAttributes(telemetry.Environment(), topic, transport)...))
}
