package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics emitted by the convention lifecycle.
const (
	TopicConventionCreated           = "convention.created"
	TopicConventionStatusChanged     = "convention.status_changed"
	TopicConventionReadyForBroadcast = "convention.ready_for_broadcast"
)

// Event is an immutable record appended to the outbox once per state change.
type Event struct {
	ID         string
	Topic      string
	OccurredAt time.Time
	Payload    json.RawMessage
}

// StoredEvent is an Event as read back from the log, with its append position.
type StoredEvent struct {
	Event
	Seq int64
}

// NewEvent builds an event with a fresh id. Payload must be JSON-marshalable.
func NewEvent(topic string, occurredAt time.Time, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: encode %s payload: %w", topic, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		OccurredAt: occurredAt.UTC(),
		Payload:    b,
	}, nil
}

// StatusChangedPayload is carried by TopicConventionStatusChanged.
type StatusChangedPayload struct {
	ConventionID   string `json:"conventionId"`
	PreviousStatus string `json:"previousStatus"`
	NewStatus      string `json:"newStatus"`
	ActorRole      string `json:"actorRole"`
	Action         string `json:"action"`
	SignatoryRole  string `json:"signatoryRole,omitempty"`
	Justification  string `json:"justification,omitempty"`
	AgencyID       string `json:"agencyId,omitempty"`
}

// ConventionRefPayload is carried by topics that only reference a convention.
type ConventionRefPayload struct {
	ConventionID string `json:"conventionId"`
	Status       string `json:"status,omitempty"`
	ActorRole    string `json:"actorRole,omitempty"`
	RenewedFrom  string `json:"renewedFrom,omitempty"`
}
