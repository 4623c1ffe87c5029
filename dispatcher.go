package conductor

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// Dispatcher runs the command pipeline: validate, authorize, load,
	// resolve parameters, execute, hand off to a unit of work, and build a
	// result. Dispatch never propagates a domain failure as an error;
	// every failure surfaces as a failed CommandResult
	Dispatcher struct {
		registry      *Registry
		cache         *entityCache
		hub           *EventHub
		resolver      BackendResolver
		log           *zap.Logger
		metrics       *Metrics
		maxParamBytes int
		requireUser   bool

		mu    sync.Mutex
		stats Stats
	}

	// Stats is a point-in-time snapshot of dispatcher counters
	Stats struct {
		Executed  int64
		Succeeded int64
		Failed    int64
		TotalTime time.Duration
	}

	// Batch is an ordered set of commands dispatched together. An atomic
	// batch shares one transaction and stops at the first failure; a
	// non-atomic batch always attempts every command
	Batch struct {
		Commands []*CommandContext
		Atomic   bool
	}
)

// Dispatch runs one command through the pipeline and returns its result
func (d *Dispatcher) Dispatch(
	ctx context.Context, cmd *CommandContext,
) *CommandResult {
	start := time.Now()
	_ = cmd.Transition(StatusExecuting)

	uow := NewUnitOfWork(d.resolver, d.hub, d.log)
	res := d.execute(ctx, cmd, uow, true)
	res.ExecutionTime = time.Since(start)
	d.finish(cmd, res)
	return res
}

// DispatchBatch runs an ordered batch. Atomic batches roll everything back
// on the first failure and never attempt the remaining commands;
// non-atomic batches aggregate independent results. Overall success is the
// conjunction of the individual results
func (d *Dispatcher) DispatchBatch(
	ctx context.Context, batch *Batch,
) *BatchResult {
	start := time.Now()
	out := &BatchResult{Atomic: batch.Atomic, Success: true}

	if batch.Atomic {
		d.dispatchAtomic(ctx, batch, out)
	} else {
		for _, cmd := range batch.Commands {
			res := d.Dispatch(ctx, cmd)
			out.Results = append(out.Results, res)
			out.Success = out.Success && res.Success
		}
	}

	out.Duration = time.Since(start)
	return out
}

func (d *Dispatcher) dispatchAtomic(
	ctx context.Context, batch *Batch, out *BatchResult,
) {
	uow := NewUnitOfWork(d.resolver, d.hub, d.log)

	attempted := 0
	for _, cmd := range batch.Commands {
		start := time.Now()
		_ = cmd.Transition(StatusExecuting)

		res := d.execute(ctx, cmd, uow, false)
		res.ExecutionTime = time.Since(start)
		d.finish(cmd, res)
		out.Results = append(out.Results, res)
		attempted++

		if !res.Success {
			out.Success = false
			if uow.Active() {
				_ = uow.Rollback(ctx)
			}
			break
		}
	}

	// commands beyond the first failure are never attempted
	for _, cmd := range batch.Commands[attempted:] {
		_ = cmd.Transition(StatusCancelled)
	}

	if !out.Success {
		return
	}
	if err := uow.Commit(ctx); err != nil {
		out.Success = false
		out.Err = resultError(err)
		return
	}
	for _, e := range uow.Saved() {
		d.cache.put(EntityKey(e.EntityType(), e.EntityID()), d.cloneOf(e))
	}
}

// Stats returns a snapshot of the running counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// ResetStats zeroes the running counters
func (d *Dispatcher) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
}

// execute runs the pipeline stages in order, short-circuiting on the first
// failure. When commit is false the unit of work is shared and committed
// by the caller
func (d *Dispatcher) execute(
	ctx context.Context, cmd *CommandContext, uow *UnitOfWork, commit bool,
) (res *CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command panicked",
				zap.String("command_id", cmd.CommandID),
				zap.String("command", cmd.Command),
				zap.Any("panic", r),
			)
			res = failedResult(cmd, fmt.Errorf("command panicked: %v", r))
		}
	}()

	command, err := d.validate(cmd)
	if err != nil {
		return failedResult(cmd, err)
	}

	if err := d.authorize(cmd, command); err != nil {
		return failedResult(cmd, err)
	}

	entity, err := d.load(ctx, cmd, uow)
	if err != nil {
		return failedResult(cmd, err)
	}
	if cmd.EntityID != "" {
		uow.Attach(entity)
	}
	pre := cloneFields(entity.Snapshot())

	// loaded entities are shared through the cache, so a failure after the
	// handler ran must undo its mutations
	unwind := func(err error) *CommandResult {
		entity.Restore(cloneFields(pre))
		return failedResult(cmd, err)
	}

	args, err := command.Params.resolve(cmd.Params)
	if err != nil {
		return failedResult(cmd, err)
	}

	ret, err := command.Handler(ctx, entity, args)
	if err != nil {
		return unwind(err)
	}

	stamps := eventStamps(cmd)
	if err := uow.RegisterSave(entity, stamps...); err != nil {
		return unwind(err)
	}
	if err := uow.RegisterEvent(commandFact(cmd, entity)); err != nil {
		return unwind(err)
	}

	published := 0
	if commit {
		if err := uow.Commit(ctx); err != nil {
			return unwind(err)
		}
		published = len(uow.Events())
		key := EntityKey(cmd.EntityType, entity.EntityID())
		d.cache.put(key, d.cloneOf(entity))
	}

	res = succeededResult(cmd)
	res.Entity = entity
	res.SignalsUpdated = changedFieldNames(pre, entity.Snapshot())
	res.ReturnValue, res.Fragments = drainReturn(ret)
	res.EventsPublished = published
	return res
}

// validate checks the command's shape: target and name present, serialized
// parameters under the ceiling, and the command registered and
// dispatchable
func (d *Dispatcher) validate(cmd *CommandContext) (*CommandDef, error) {
	if cmd.EntityType == "" {
		return nil, &ParameterError{Name: "entity_type", Reason: "required"}
	}
	if cmd.Command == "" {
		return nil, &ParameterError{Name: "command_name", Reason: "required"}
	}

	if len(cmd.Params) > 0 {
		data, err := jsonc.Marshal(cmd.Params)
		if err != nil {
			return nil, &ParameterError{
				Name:   "parameters",
				Reason: fmt.Sprintf("not serializable: %s", err),
			}
		}
		if len(data) > d.maxParamBytes {
			return nil, &ParameterError{
				Name: "parameters",
				Reason: fmt.Sprintf(
					"serialized size %d exceeds ceiling %d",
					len(data), d.maxParamBytes,
				),
			}
		}
	}

	_, command, ok := d.registry.command(cmd.EntityType, cmd.Command)
	if !ok || command.Internal {
		return nil, &UnknownCommandError{
			EntityType: cmd.EntityType,
			Command:    cmd.Command,
		}
	}
	return command, nil
}

// authorize checks the caller against the command's declared permissions.
// A nil user context is an internally trusted call unless the dispatcher
// was configured to require identity
func (d *Dispatcher) authorize(
	cmd *CommandContext, command *CommandDef,
) error {
	if cmd.User == nil {
		if d.requireUser {
			return &AuthorizationError{
				Command: cmd.Command,
				Missing: command.Permissions,
			}
		}
		return nil
	}

	var missing []string
	for _, perm := range command.Permissions {
		if !cmd.User.HasPermission(perm) {
			missing = append(missing, perm)
		}
	}
	if len(missing) > 0 {
		return &AuthorizationError{Command: cmd.Command, Missing: missing}
	}
	return nil
}

// load resolves the target entity, consulting the transaction's pending
// registrations first so batched commands see each other's mutations, then
// the write-through cache, then the backend. Cached state is never handed
// out live; each dispatch works on its own copy
func (d *Dispatcher) load(
	ctx context.Context, cmd *CommandContext, uow *UnitOfWork,
) (Entity, error) {
	def, ok := d.registry.entityDef(cmd.EntityType)
	if !ok {
		return nil, &UnknownCommandError{
			EntityType: cmd.EntityType,
			Command:    cmd.Command,
		}
	}

	if cmd.EntityID == "" {
		return def.New(), nil
	}

	key := EntityKey(cmd.EntityType, cmd.EntityID)
	if e, ok := uow.pending(key); ok {
		return e, nil
	}
	if e, ok := d.cache.get(key); ok {
		return d.cloneOf(e), nil
	}

	e, err := d.resolver(cmd.EntityType).Load(ctx, cmd.EntityType, cmd.EntityID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &EntityNotFoundError{
			EntityType: cmd.EntityType,
			EntityID:   cmd.EntityID,
		}
	}
	d.cache.put(key, d.cloneOf(e))
	return e, nil
}

// cloneOf materializes an independent copy through the snapshot form so
// cached state is never aliased by live dispatch mutations
func (d *Dispatcher) cloneOf(e Entity) Entity {
	def, ok := d.registry.entityDef(e.EntityType())
	if !ok {
		return e
	}
	out := def.New()
	out.SetEntityID(e.EntityID())
	out.Touch(e.UpdatedAt())
	out.Restore(cloneFields(e.Snapshot()))
	return out
}

func (d *Dispatcher) finish(cmd *CommandContext, res *CommandResult) {
	if res.Success {
		_ = cmd.Transition(StatusCompleted)
	} else {
		_ = cmd.Transition(StatusFailed)
	}

	d.mu.Lock()
	d.stats.Executed++
	if res.Success {
		d.stats.Succeeded++
	} else {
		d.stats.Failed++
	}
	d.stats.TotalTime += res.ExecutionTime
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.observeDispatch(res)
	}
}

// eventStamps carries the command's provenance onto derived events
func eventStamps(cmd *CommandContext) []EventOption {
	stamps := []EventOption{FromCommand(cmd.CommandID)}
	if cmd.User != nil {
		stamps = append(stamps, ByUser(cmd.User.UserID))
	}
	if cmd.Meta.TraceID != "" {
		stamps = append(stamps, Correlated(cmd.Meta.TraceID))
	}
	return stamps
}

// commandFact records the execution itself as an event
func commandFact(cmd *CommandContext, e Entity) *DomainEvent {
	payload := map[string]any{
		"command":    cmd.Command,
		"parameters": cmd.Params,
	}
	stamps := append(eventStamps(cmd), ForEntity(e.EntityID()))
	name := fmt.Sprintf("%s.%s", cmd.EntityType, cmd.Command)
	return NewEvent(
		EventCommandExecuted, cmd.EntityType, name, payload, stamps...,
	)
}

// drainReturn fully drains a lazy sequence return into fragments; a scalar
// return becomes a single fragment
func drainReturn(ret any) (any, []any) {
	switch v := ret.(type) {
	case nil:
		return nil, nil
	case iter.Seq[any]:
		var fragments []any
		for item := range v {
			fragments = append(fragments, item)
		}
		return fragments, fragments
	default:
		return ret, []any{ret}
	}
}

// changedFieldNames lists the snapshot fields the command mutated
func changedFieldNames(before, after map[string]any) []string {
	changes := diffFields(before, after)
	if len(changes) == 0 {
		return nil
	}
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	return names
}
