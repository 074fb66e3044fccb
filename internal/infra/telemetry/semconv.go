// Package telemetry provides OpenTelemetry initialization and semantic conventions for inmembro.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for broker telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic identifies the topic a signal belongs to.
	AttrTopic = attribute.Key("topic")
	// AttrContentMode records whether the topic was buffering or fanning out.
	AttrContentMode = attribute.Key("topic.mode")
	// AttrTransport distinguishes subscription transports (sse, websocket).
	AttrTransport = attribute.Key("transport")
	// AttrOperation differentiates broker operations (push, subscribe, detach, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for drops and rejections.
	AttrReason = attribute.Key("reason")
)

// Content mode values
const (
	ModeBuffered  = "buffered"
	ModeFannedOut = "fanned_out"
)

// Drop reasons
const (
	ReasonRetention  = "retention"
	ReasonCompaction = "compaction"
)

// TopicAttributes returns common attributes for per-topic metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// PushAttributes returns attributes for push metrics.
func PushAttributes(environment, topic, mode string) []attribute.KeyValue {
	attrs := TopicAttributes(environment, topic)
	if mode != "" {
		attrs = append(attrs, AttrContentMode.String(mode))
	}
	return attrs
}

// DropAttributes returns attributes for messages discarded by a queue policy.
func DropAttributes(environment, topic, reason string) []attribute.KeyValue {
	return append(TopicAttributes(environment, topic), AttrReason.String(reason))
}

// SubscriptionAttributes returns attributes for subscription lifecycle metrics.
func SubscriptionAttributes(environment, topic, transport string) []attribute.KeyValue {
	attrs := TopicAttributes(environment, topic)
	if transport != "" {
		attrs = append(attrs, AttrTransport.String(transport))
	}
	return attrs
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
