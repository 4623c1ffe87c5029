package conductor

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Status tracks a command's progress through dispatch. Transitions are
	// monotonic; a terminal status never changes
	Status int

	// UserContext identifies the caller and what it may do. A nil
	// UserContext on a CommandContext is an internally trusted call unless
	// Config.RequireUserContext says otherwise
	UserContext struct {
		UserID      string
		Roles       []string
		Permissions []string
	}

	// RequestMetadata carries request-scoped identifiers through dispatch
	// and onto derived events
	RequestMetadata struct {
		RequestID string
		TraceID   string
		Timestamp time.Time
	}

	// CommandContext describes one command against one entity. An empty
	// EntityID means the command targets a fresh, unsaved record. Timeout
	// is advisory only; the dispatcher never pre-empts a running command
	CommandContext struct {
		CommandID  string
		EntityType string
		EntityID   string
		Command    string
		Params     map[string]any
		User       *UserContext
		Meta       RequestMetadata
		Priority   int
		Timeout    time.Duration

		status Status
	}
)

const (
	StatusPending Status = iota
	StatusExecuting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusExecuting: "executing",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

// NewCommandContext builds a pending command against an entity type. Target
// an existing record by setting EntityID; leave it empty to create one
func NewCommandContext(
	entityType, command string, params map[string]any,
) *CommandContext {
	return &CommandContext{
		CommandID:  uuid.NewString(),
		EntityType: entityType,
		Command:    command,
		Params:     params,
		Meta: RequestMetadata{
			RequestID: uuid.NewString(),
			Timestamp: time.Now().UTC(),
		},
		status: StatusPending,
	}
}

// Status returns the command's current dispatch status
func (c *CommandContext) Status() Status {
	return c.status
}

// Transition advances the command's status. Moving backwards or out of a
// terminal status is a programming error and is reported, never ignored
func (c *CommandContext) Transition(next Status) error {
	if next < c.status || c.status.Terminal() {
		return ErrStatusRegression
	}
	c.status = next
	return nil
}

// Terminal reports whether the status is one of the final states
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// HasPermission checks whether the caller holds a permission
func (u *UserContext) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
