package conductor

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

type (
	// EventType classifies a DomainEvent by the kind of fact it records
	EventType string

	// DomainEvent is an immutable fact describing something that happened
	// to an entity. Events are derived after a successful commit and must
	// be treated as read-only once published
	DomainEvent struct {
		EventID       string         `json:"event_id"`
		Type          EventType      `json:"event_type"`
		Timestamp     time.Time      `json:"timestamp"`
		EntityType    string         `json:"entity_type"`
		EntityID      string         `json:"entity_id,omitempty"`
		Name          string         `json:"event_name"`
		Payload       map[string]any `json:"payload,omitempty"`
		UserID        string         `json:"user_id,omitempty"`
		CommandID     string         `json:"command_id,omitempty"`
		Priority      int            `json:"priority"`
		Tags          []string       `json:"tags,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		CausationID   string         `json:"causation_id,omitempty"`
		Version       int64          `json:"version"`
	}

	// EventOption sets an optional DomainEvent field at construction
	EventOption func(*DomainEvent)
)

const (
	EventCreated         EventType = "created"
	EventUpdated         EventType = "updated"
	EventDeleted         EventType = "deleted"
	EventCommandExecuted EventType = "command_executed"
	EventCustom          EventType = "custom"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// NewEvent constructs a DomainEvent with a fresh identity and timestamp.
// The timestamp is stored in UTC so that serialized and reconstructed
// events compare equal field by field
func NewEvent(
	typ EventType, entityType, name string, payload map[string]any,
	opts ...EventOption,
) *DomainEvent {
	ev := &DomainEvent{
		EventID:    uuid.NewString(),
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		EntityType: entityType,
		Name:       name,
		Payload:    payload,
		Version:    1,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// ForEntity stamps the event with the subject entity's identity
func ForEntity(entityID string) EventOption {
	return func(ev *DomainEvent) {
		ev.EntityID = entityID
	}
}

// ByUser stamps the event with the acting user's identity
func ByUser(userID string) EventOption {
	return func(ev *DomainEvent) {
		ev.UserID = userID
	}
}

// FromCommand stamps the event with the command that caused it. The command
// identity doubles as the causation identity
func FromCommand(commandID string) EventOption {
	return func(ev *DomainEvent) {
		ev.CommandID = commandID
		ev.CausationID = commandID
	}
}

// Correlated stamps the event with a correlation identity, usually the
// trace identity of the originating request
func Correlated(correlationID string) EventOption {
	return func(ev *DomainEvent) {
		ev.CorrelationID = correlationID
	}
}

// WithPriority sets the event's delivery priority
func WithPriority(priority int) EventOption {
	return func(ev *DomainEvent) {
		ev.Priority = priority
	}
}

// Tagged attaches free-form tags to the event
func Tagged(tags ...string) EventOption {
	return func(ev *DomainEvent) {
		ev.Tags = tags
	}
}

// AtVersion sets the entity version the event was derived from
func AtVersion(version int64) EventOption {
	return func(ev *DomainEvent) {
		ev.Version = version
	}
}

// ToMap serializes the event into its dictionary form. Numeric payload
// values round-trip as float64
func (ev *DomainEvent) ToMap() (map[string]any, error) {
	data, err := jsonc.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := jsonc.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EventFromMap reconstructs a DomainEvent from its dictionary form
func EventFromMap(m map[string]any) (*DomainEvent, error) {
	data, err := jsonc.Marshal(m)
	if err != nil {
		return nil, err
	}
	ev := &DomainEvent{}
	if err := jsonc.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
