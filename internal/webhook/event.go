// Package webhook delivers domain events to subscribed HTTP endpoints.
//
// Deliveries run on their own bounded lane with their own retry policy and
// never consume task queue capacity. Every request body is signed with
// HMAC-SHA256 using the subscription secret.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine and its handlers.
const (
	EventDocumentConverted = "document.converted"
	EventVideoTranscoded   = "video.transcoded"
	EventTaskFailed        = "task.failed"
)

// Event is a domain event. Field order is fixed so that the encoded body is
// canonical.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s event data: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Data:      raw,
	}, nil
}

// Canonical returns the exact bytes that are signed and sent.
func (e Event) Canonical() ([]byte, error) {
	data := e.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage(`null`)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, data); err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}
	e.Data = compacted.Bytes()
	e.Timestamp = e.Timestamp.UTC()
	return json.Marshal(e)
}
