package observability

import "time"

// Header keys attached to every message published on the audit bus.
const (
	HeaderRequestID = "x-request-id"
	HeaderTraceID   = "trace_id"
)

// EventEnvelope wraps an operational event (websocket lifecycle and the
// like) published to RabbitMQ.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// BuildHeaders returns AMQP headers for the ids that are known.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers[HeaderRequestID] = requestID
	}
	if traceID != "" {
		headers[HeaderTraceID] = traceID
	}
	return headers
}
