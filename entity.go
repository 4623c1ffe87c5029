package conductor

import "time"

type (
	// Entity is a long-lived, identity-bearing domain record. Backends
	// persist the Snapshot form; the update timestamp drives optimistic
	// concurrency checks at commit time
	Entity interface {
		EntityType() string
		EntityID() string
		SetEntityID(string)
		UpdatedAt() time.Time
		Touch(time.Time)
		Snapshot() map[string]any
		Restore(map[string]any)
	}

	// Base carries the identity and update timestamp shared by most Entity
	// implementations. Embed it and implement EntityType, Snapshot, and
	// Restore for the domain fields
	Base struct {
		ID      string    `json:"id"`
		Updated time.Time `json:"updated_at"`
	}
)

// EntityID returns the record's identity, empty for an unsaved record
func (b *Base) EntityID() string {
	return b.ID
}

// SetEntityID assigns the record's identity
func (b *Base) SetEntityID(id string) {
	b.ID = id
}

// UpdatedAt returns the stored version timestamp
func (b *Base) UpdatedAt() time.Time {
	return b.Updated
}

// Touch advances the stored version timestamp
func (b *Base) Touch(at time.Time) {
	b.Updated = at
}

// EntityKey builds the key used for caching and transaction registration
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
