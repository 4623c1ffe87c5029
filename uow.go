package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// UnitOfWork coordinates one transaction: entity registration,
	// pre-image snapshots, backend transaction scopes, event derivation,
	// and publishing. It is exclusively owned by its creator and is not
	// safe for concurrent use
	UnitOfWork struct {
		txID     string
		resolver BackendResolver
		hub      *EventHub
		log      *zap.Logger

		active     bool
		committed  bool
		rolledBack bool

		regs      map[string]*registration
		order     []string
		snapshots map[string]*preImage
		events    []*DomainEvent
		changeLog []ChangeEntry
		saved     []Entity
	}

	// ChangeEntry is one line of the transaction's append-only change log.
	// The log is diagnostic only and is never persisted
	ChangeEntry struct {
		Time   time.Time
		Action string
		Key    string
		Detail string
	}

	registration struct {
		entity Entity
		op     string
		stamps []EventOption
	}

	// preImage captures an entity's state before the transaction touched
	// it, for rollback restoration and commit-time diffing
	preImage struct {
		id      string
		updated time.Time
		fields  map[string]any
		existed bool
	}
)

const (
	opSave   = "save"
	opDelete = "delete"
)

// NewUnitOfWork creates an idle transaction coordinator. The resolver
// selects the backend per entity type; a nil hub skips publishing and a
// nil logger disables logging
func NewUnitOfWork(
	resolver BackendResolver, hub *EventHub, log *zap.Logger,
) *UnitOfWork {
	if log == nil {
		log = zap.NewNop()
	}
	return &UnitOfWork{
		txID:      uuid.NewString(),
		resolver:  resolver,
		hub:       hub,
		log:       log,
		regs:      map[string]*registration{},
		snapshots: map[string]*preImage{},
	}
}

// TransactionID returns the transaction's unique identity
func (u *UnitOfWork) TransactionID() string {
	return u.txID
}

// Active reports whether the transaction has begun and not yet terminated
func (u *UnitOfWork) Active() bool {
	return u.active
}

// Begin marks the transaction active. Beginning an already active
// transaction is a no-op; beginning a terminated one is an error
func (u *UnitOfWork) Begin() error {
	if err := u.terminalErr(); err != nil {
		return err
	}
	if u.active {
		return nil
	}
	u.active = true
	u.logChange("begin", "", "")
	return nil
}

// Attach records the entity's current state as its transaction pre-image
// without registering it for persistence. Callers that mutate an entity
// after loading it attach first so commit diffs against the loaded state
func (u *UnitOfWork) Attach(e Entity) {
	key := u.keyFor(e)
	if _, ok := u.snapshots[key]; ok {
		return
	}
	u.snapshots[key] = snapshotOf(e)
}

// RegisterSave registers the entity for persistence, canceling any pending
// delete for the same identity. The last registration wins. Stamps are
// applied to events derived from this entity at commit
func (u *UnitOfWork) RegisterSave(e Entity, stamps ...EventOption) error {
	return u.register(e, opSave, stamps)
}

// RegisterDelete registers the entity for removal, canceling any pending
// save for the same identity
func (u *UnitOfWork) RegisterDelete(e Entity, stamps ...EventOption) error {
	return u.register(e, opDelete, stamps)
}

// RegisterEvent queues a custom event for publishing after commit
func (u *UnitOfWork) RegisterEvent(ev *DomainEvent) error {
	if err := u.terminalErr(); err != nil {
		return err
	}
	if err := u.Begin(); err != nil {
		return err
	}
	u.events = append(u.events, ev)
	u.logChange("register_event", string(ev.Type), ev.Name)
	return nil
}

// Events returns the events derived and registered by the transaction
func (u *UnitOfWork) Events() []*DomainEvent {
	out := make([]*DomainEvent, len(u.events))
	copy(out, u.events)
	return out
}

// Saved returns the entities persisted by a successful commit
func (u *UnitOfWork) Saved() []Entity {
	out := make([]Entity, len(u.saved))
	copy(out, u.saved)
	return out
}

// ChangeLog returns the transaction's diagnostic log in append order
func (u *UnitOfWork) ChangeLog() []ChangeEntry {
	out := make([]ChangeEntry, len(u.changeLog))
	copy(out, u.changeLog)
	return out
}

// Commit opens one backend transaction per distinct backend touched,
// validates optimistic concurrency inside those scopes so the check and
// the writes are covered by the same serialization, persists saves then
// deletes while deriving events, commits the backend transactions, and
// finally publishes the events. Any failure before publish rolls back
// every opened backend transaction and restores each entity's in-memory
// state; a publish failure is logged but never reopens the committed
// transaction
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if err := u.terminalErr(); err != nil {
		return err
	}
	if !u.active {
		return ErrTxNotActive
	}

	opened, err := u.openBackends(ctx)
	if err != nil {
		u.fail(ctx, opened, err)
		return err
	}

	if err := u.validate(ctx); err != nil {
		u.fail(ctx, opened, err)
		return err
	}

	if err := u.persist(ctx); err != nil {
		u.fail(ctx, opened, err)
		return err
	}

	for _, b := range opened {
		if err := b.CommitTransaction(ctx); err != nil {
			u.fail(ctx, opened, err)
			return err
		}
	}

	u.committed = true
	u.active = false
	u.logChange("commit", "", fmt.Sprintf("%d events", len(u.events)))
	u.publish(ctx)
	return nil
}

// Rollback terminates the transaction, restoring every registered entity's
// in-memory state to its pre-image
func (u *UnitOfWork) Rollback(_ context.Context) error {
	if err := u.terminalErr(); err != nil {
		return err
	}
	if !u.active {
		return ErrTxNotActive
	}
	u.restore()
	u.rolledBack = true
	u.active = false
	u.logChange("rollback", "", "")
	return nil
}

// Transact runs fn inside the transaction, committing on a nil return and
// rolling back when fn fails or panics. Panics are re-raised after the
// rollback
func (u *UnitOfWork) Transact(
	ctx context.Context, fn func(*UnitOfWork) error,
) error {
	if err := u.Begin(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = u.Rollback(ctx)
			panic(r)
		}
	}()
	if err := fn(u); err != nil {
		if rbErr := u.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return u.Commit(ctx)
}

func (u *UnitOfWork) register(
	e Entity, op string, stamps []EventOption,
) error {
	if err := u.terminalErr(); err != nil {
		return err
	}
	if err := u.Begin(); err != nil {
		return err
	}

	pre := snapshotOf(e)
	if e.EntityID() == "" {
		// identity is assigned at registration so later registrations of
		// the same record coalesce
		e.SetEntityID(uuid.NewString())
	}

	key := u.keyFor(e)
	if _, ok := u.snapshots[key]; !ok {
		u.snapshots[key] = pre
	}
	if _, ok := u.regs[key]; !ok {
		u.order = append(u.order, key)
	}
	u.regs[key] = &registration{entity: e, op: op, stamps: stamps}
	u.logChange("register_"+op, key, "")
	return nil
}

func (u *UnitOfWork) terminalErr() error {
	switch {
	case u.committed:
		return ErrTxCommitted
	case u.rolledBack:
		return ErrTxRolledBack
	default:
		return nil
	}
}

// validate re-checks optimistic concurrency: the backend's stored version
// must not be newer than the version the transaction loaded
func (u *UnitOfWork) validate(ctx context.Context) error {
	for _, key := range u.order {
		reg := u.regs[key]
		pre := u.snapshots[key]
		if !pre.existed {
			continue
		}

		e := reg.entity
		stored, err := u.backendFor(e).Load(ctx, e.EntityType(), pre.id)
		if err != nil {
			return err
		}
		if stored == nil {
			if reg.op == opDelete {
				continue
			}
			return &ConcurrencyError{
				EntityType: e.EntityType(),
				EntityID:   pre.id,
				Loaded:     pre.updated,
			}
		}
		if stored.UpdatedAt().After(pre.updated) {
			return &ConcurrencyError{
				EntityType: e.EntityType(),
				EntityID:   pre.id,
				Loaded:     pre.updated,
				Stored:     stored.UpdatedAt(),
			}
		}
	}
	return nil
}

// openBackends begins one transaction per distinct backend, in first-touch
// order
func (u *UnitOfWork) openBackends(ctx context.Context) ([]Backend, error) {
	var opened []Backend
	seen := map[Backend]struct{}{}
	for _, key := range u.order {
		b := u.backendFor(u.regs[key].entity)
		if _, ok := seen[b]; ok {
			continue
		}
		if err := b.BeginTransaction(ctx); err != nil {
			return opened, err
		}
		seen[b] = struct{}{}
		opened = append(opened, b)
	}
	return opened, nil
}

// persist writes saves then deletes, deriving a created, updated, or
// deleted event per entity from the pre-image diff
func (u *UnitOfWork) persist(ctx context.Context) error {
	for _, key := range u.order {
		reg := u.regs[key]
		if reg.op != opSave {
			continue
		}
		if err := u.persistSave(ctx, key, reg); err != nil {
			return err
		}
	}
	for _, key := range u.order {
		reg := u.regs[key]
		if reg.op != opDelete {
			continue
		}
		if err := u.persistDelete(ctx, key, reg); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) persistSave(
	ctx context.Context, key string, reg *registration,
) error {
	e := reg.entity
	pre := u.snapshots[key]

	var ev *DomainEvent
	if !pre.existed {
		ev = u.deriveEvent(EventCreated, e, e.Snapshot(), reg.stamps)
	} else if changes := diffFields(pre.fields, e.Snapshot()); len(changes) > 0 {
		payload := map[string]any{"changes": changes}
		ev = u.deriveEvent(EventUpdated, e, payload, reg.stamps)
	}

	if _, err := u.backendFor(e).Save(ctx, e); err != nil {
		u.logChange("error", key, err.Error())
		return err
	}
	u.saved = append(u.saved, e)
	if ev != nil {
		ev.EntityID = e.EntityID()
		u.events = append(u.events, ev)
	}
	return nil
}

func (u *UnitOfWork) persistDelete(
	ctx context.Context, key string, reg *registration,
) error {
	e := reg.entity
	pre := u.snapshots[key]

	existed, err := u.backendFor(e).Delete(ctx, e.EntityType(), pre.id)
	if err != nil {
		u.logChange("error", key, err.Error())
		return err
	}
	if existed || pre.existed {
		ev := u.deriveEvent(EventDeleted, e, e.Snapshot(), reg.stamps)
		ev.EntityID = pre.id
		u.events = append(u.events, ev)
	}
	return nil
}

func (u *UnitOfWork) deriveEvent(
	typ EventType, e Entity, payload map[string]any, stamps []EventOption,
) *DomainEvent {
	name := fmt.Sprintf("%s.%s", e.EntityType(), typ)
	return NewEvent(typ, e.EntityType(), name, payload, stamps...)
}

// publish sends every collected event through the hub. Delivery failures
// are logged only; durability never depends on delivery
func (u *UnitOfWork) publish(ctx context.Context) {
	if u.hub == nil {
		return
	}
	for _, ev := range u.events {
		if _, err := u.hub.Publish(ctx, ev); err != nil {
			u.logChange("error", ev.EventID, err.Error())
			u.log.Warn("event publish failed after commit",
				zap.String("transaction_id", u.txID),
				zap.String("event_id", ev.EventID),
				zap.String("event_name", ev.Name),
				zap.Error(err),
			)
		}
	}
}

// fail rolls back every opened backend transaction and restores in-memory
// entity state after a commit-phase failure
func (u *UnitOfWork) fail(ctx context.Context, opened []Backend, cause error) {
	u.logChange("error", "", cause.Error())
	for _, b := range opened {
		if err := b.RollbackTransaction(ctx); err != nil {
			u.log.Error("backend rollback failed",
				zap.String("transaction_id", u.txID),
				zap.Error(err),
			)
		}
	}
	u.restore()
	u.rolledBack = true
	u.active = false
	u.logChange("rollback", "", "")
}

// restore puts every registered entity back to its pre-image
func (u *UnitOfWork) restore() {
	for _, key := range u.order {
		e := u.regs[key].entity
		pre := u.snapshots[key]
		e.SetEntityID(pre.id)
		e.Touch(pre.updated)
		e.Restore(cloneFields(pre.fields))
	}
}

// pending returns the entity registered for save under the key, so callers
// composing several commands in one transaction reuse the same instance
func (u *UnitOfWork) pending(key string) (Entity, bool) {
	reg, ok := u.regs[key]
	if !ok || reg.op != opSave {
		return nil, false
	}
	return reg.entity, true
}

func (u *UnitOfWork) backendFor(e Entity) Backend {
	return u.resolver(e.EntityType())
}

func (u *UnitOfWork) keyFor(e Entity) string {
	return EntityKey(e.EntityType(), e.EntityID())
}

func (u *UnitOfWork) logChange(action, key, detail string) {
	u.changeLog = append(u.changeLog, ChangeEntry{
		Time:   time.Now(),
		Action: action,
		Key:    key,
		Detail: detail,
	})
}

func snapshotOf(e Entity) *preImage {
	return &preImage{
		id:      e.EntityID(),
		updated: e.UpdatedAt(),
		fields:  cloneFields(e.Snapshot()),
		existed: e.EntityID() != "",
	}
}

// diffFields reports the fields whose values changed between two
// snapshots, mapping each to its old and new value
func diffFields(before, after map[string]any) map[string]any {
	changes := map[string]any{}
	for name, newVal := range after {
		oldVal, ok := before[name]
		if !ok || !looseEqual(oldVal, newVal) {
			changes[name] = map[string]any{"from": oldVal, "to": newVal}
		}
	}
	for name, oldVal := range before {
		if _, ok := after[name]; !ok {
			changes[name] = map[string]any{"from": oldVal, "to": nil}
		}
	}
	return changes
}
