package kafka

import "strings"

// Header keys attached to every published message so consumers can route and
// deduplicate without unmarshaling the payload.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
	HeaderSource        = "source"
)

// TopicForEventType maps an event type to its Kafka topic: dots become
// underscores and the result is lowercased, so "Order.Created" publishes to
// "order_created". Every event type gets its own topic.
func TopicForEventType(eventType string) string {
	return strings.ToLower(strings.ReplaceAll(eventType, ".", "_"))
}
