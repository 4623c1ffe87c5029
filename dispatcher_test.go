package conductor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/conductor"
)

func TestDispatchCreatesEntity(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 5})
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.True(t, res.Success)
	assert.Nil(t, res.Err)
	assert.Equal(t, cmd.CommandID, res.CommandID)
	assert.Equal(t, int64(5), res.ReturnValue)
	assert.Equal(t, conductor.StatusCompleted, cmd.Status())
	assert.NotEmpty(t, res.Entity.EntityID())
	assert.Contains(t, res.SignalsUpdated, "count")

	// a created event and the command fact
	assert.Equal(t, 2, res.EventsPublished)

	loaded, err := app.Backend("counter").Load(
		t.Context(), "counter", res.Entity.EntityID())
	assert.NoError(t, err)
	assert.Equal(t, int64(5), loaded.(*Counter).Count)
}

func TestDispatchExistingEntity(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	first := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 5})
	res := app.Dispatcher().Dispatch(ctx, first)
	assert.True(t, res.Success)

	second := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 3})
	second.EntityID = res.Entity.EntityID()
	res = app.Dispatcher().Dispatch(ctx, second)

	assert.True(t, res.Success)
	assert.Equal(t, int64(8), res.ReturnValue)
}

func TestDispatchUnknownCommand(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("counter", "no_such_command", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeEventNotFound, res.Err.Code)
	assert.Equal(t, conductor.StatusFailed, cmd.Status())
}

func TestDispatchUnknownEntityType(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("widget", "increment", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeEventNotFound, res.Err.Code)
}

func TestDispatchInternalCommand(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("counter", "internal_only", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeEventNotFound, res.Err.Code)
}

func TestDispatchMissingTarget(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("", "increment", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)
	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeInvalidParameters, res.Err.Code)

	cmd = conductor.NewCommandContext("counter", "", nil)
	res = app.Dispatcher().Dispatch(t.Context(), cmd)
	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeInvalidParameters, res.Err.Code)
}

func TestDispatchEntityNotFound(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("counter", "increment", nil)
	cmd.EntityID = "missing"
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeEntityNotFound, res.Err.Code)
}

func TestDispatchAuthorization(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	// a missing user context is an internally trusted call
	cmd := conductor.NewCommandContext("counter", "admin_reset", nil)
	res := app.Dispatcher().Dispatch(ctx, cmd)
	assert.True(t, res.Success)

	// a caller without the declared permission is refused
	cmd = conductor.NewCommandContext("counter", "admin_reset", nil)
	cmd.User = &conductor.UserContext{UserID: "u-1"}
	res = app.Dispatcher().Dispatch(ctx, cmd)
	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeUnauthorized, res.Err.Code)
	assert.Contains(t, res.Err.Message, "counter:admin")

	// a caller holding it is allowed
	cmd = conductor.NewCommandContext("counter", "admin_reset", nil)
	cmd.User = &conductor.UserContext{
		UserID:      "u-1",
		Permissions: []string{"counter:admin"},
	}
	res = app.Dispatcher().Dispatch(ctx, cmd)
	assert.True(t, res.Success)
}

func TestDispatchRequireUser(t *testing.T) {
	cfg := conductor.DefaultConfig()
	cfg.RequireUserContext = true
	app := conductor.New(cfg)
	defer func() { _ = app.Close() }()
	registerCounter(app)

	cmd := conductor.NewCommandContext("counter", "increment", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)
	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeUnauthorized, res.Err.Code)
}

func TestDispatchHandlerFailure(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 5})
	res := app.Dispatcher().Dispatch(ctx, create)
	assert.True(t, res.Success)
	id := res.Entity.EntityID()

	cmd := conductor.NewCommandContext("counter", "fail", nil)
	cmd.EntityID = id
	res = app.Dispatcher().Dispatch(ctx, cmd)
	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeExecution, res.Err.Code)
	assert.Contains(t, res.Err.Message, "boom")

	// the handler's mutation was unwound
	loaded, err := app.Backend("counter").Load(ctx, "counter", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), loaded.(*Counter).Count)

	again := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	again.EntityID = id
	res = app.Dispatcher().Dispatch(ctx, again)
	assert.True(t, res.Success)
	assert.Equal(t, int64(6), res.ReturnValue)
}

func TestDispatchOversizedParams(t *testing.T) {
	cfg := conductor.DefaultConfig()
	cfg.MaxParamBytes = 64
	app := conductor.New(cfg)
	defer func() { _ = app.Close() }()
	registerCounter(app)

	big := make([]any, 64)
	for i := range big {
		big[i] = "padding"
	}
	cmd := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1, "extra": big})
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.False(t, res.Success)
	assert.Equal(t, conductor.CodeInvalidParameters, res.Err.Code)
	assert.Contains(t, res.Err.Message, "ceiling")
}

func TestDispatchFragments(t *testing.T) {
	app := newCounterApp(t)

	cmd := conductor.NewCommandContext("counter", "stream", nil)
	res := app.Dispatcher().Dispatch(t.Context(), cmd)

	assert.True(t, res.Success)
	assert.Equal(t, []any{0, 1, 2}, res.Fragments)
	assert.Equal(t, res.Fragments, res.ReturnValue)
}

func TestDispatchEvents(t *testing.T) {
	app := newCounterApp(t)

	var mu sync.Mutex
	var types []conductor.EventType
	app.Hub().Subscribe(
		func(_ context.Context, ev *conductor.DomainEvent) error {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, ev.Type)
			return nil
		},
		conductor.OnEntityTypes("counter"),
	)

	cmd := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 5})
	cmd.User = &conductor.UserContext{UserID: "u-1"}
	res := app.Dispatcher().Dispatch(t.Context(), cmd)
	assert.True(t, res.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []conductor.EventType{
		conductor.EventCreated,
		conductor.EventCommandExecuted,
	}, types)
}

func TestNonAtomicBatch(t *testing.T) {
	app := newCounterApp(t)

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	res := app.Dispatcher().Dispatch(t.Context(), create)
	assert.True(t, res.Success)
	id := res.Entity.EntityID()

	ok1 := conductor.NewCommandContext("counter", "increment", nil)
	bad := conductor.NewCommandContext("counter", "fail", nil)
	ok2 := conductor.NewCommandContext("counter", "increment", nil)
	for _, cmd := range []*conductor.CommandContext{ok1, bad, ok2} {
		cmd.EntityID = id
	}

	batch := app.Dispatcher().DispatchBatch(t.Context(), &conductor.Batch{
		Commands: []*conductor.CommandContext{ok1, bad, ok2},
	})

	assert.False(t, batch.Success)
	assert.Len(t, batch.Results, 3)
	assert.InDelta(t, 2.0/3.0, batch.SuccessRate(), 0.001)
	assert.Len(t, batch.Failures(), 1)

	// the independent successes persisted
	loaded, err := app.Backend("counter").Load(t.Context(), "counter", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), loaded.(*Counter).Count)
}

func TestAtomicBatchCommits(t *testing.T) {
	app := newCounterApp(t)

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	res := app.Dispatcher().Dispatch(t.Context(), create)
	assert.True(t, res.Success)
	id := res.Entity.EntityID()

	ok1 := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 2})
	ok2 := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 3})
	ok1.EntityID = id
	ok2.EntityID = id

	batch := app.Dispatcher().DispatchBatch(t.Context(), &conductor.Batch{
		Commands: []*conductor.CommandContext{ok1, ok2},
		Atomic:   true,
	})

	assert.True(t, batch.Success)
	assert.Nil(t, batch.Err)
	assert.Len(t, batch.Results, 2)

	loaded, err := app.Backend("counter").Load(t.Context(), "counter", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(6), loaded.(*Counter).Count)
}

func TestAtomicBatchRollsBack(t *testing.T) {
	app := newCounterApp(t)

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	res := app.Dispatcher().Dispatch(t.Context(), create)
	assert.True(t, res.Success)
	id := res.Entity.EntityID()

	ok := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 2})
	bad := conductor.NewCommandContext("counter", "fail", nil)
	never := conductor.NewCommandContext("counter", "increment", nil)
	for _, cmd := range []*conductor.CommandContext{ok, bad, never} {
		cmd.EntityID = id
	}

	batch := app.Dispatcher().DispatchBatch(t.Context(), &conductor.Batch{
		Commands: []*conductor.CommandContext{ok, bad, never},
		Atomic:   true,
	})

	assert.False(t, batch.Success)
	assert.Len(t, batch.Results, 2)
	assert.True(t, batch.Results[0].Success)
	assert.False(t, batch.Results[1].Success)
	assert.Equal(t, conductor.StatusCancelled, never.Status())

	// nothing from the batch persisted
	loaded, err := app.Backend("counter").Load(t.Context(), "counter", id)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), loaded.(*Counter).Count)
}

func TestConcurrentDispatchIsolation(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	res := app.Dispatcher().Dispatch(ctx, create)
	assert.True(t, res.Success)
	id := res.Entity.EntityID()

	// every dispatch works on its own copy, so concurrent commands against
	// one record either commit or fail the optimistic check; none may
	// corrupt another's view or be lost silently
	const workers = 8
	results := make([]*conductor.CommandResult, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := conductor.NewCommandContext("counter", "increment",
				map[string]any{"amount": 1})
			cmd.EntityID = id
			results[i] = app.Dispatcher().Dispatch(ctx, cmd)
		}(i)
	}
	wg.Wait()

	var succeeded int64
	for _, res := range results {
		if res.Success {
			succeeded++
			continue
		}
		assert.Equal(t, conductor.CodeConcurrency, res.Err.Code)
	}
	assert.GreaterOrEqual(t, succeeded, int64(1))

	loaded, err := app.Backend("counter").Load(ctx, "counter", id)
	assert.NoError(t, err)
	assert.Equal(t, 1+succeeded, loaded.(*Counter).Count)
}

func TestDispatchCopiesCachedEntity(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	create := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 5})
	res := app.Dispatcher().Dispatch(ctx, create)
	assert.True(t, res.Success)
	first := res.Entity.(*Counter)
	id := first.EntityID()

	// mutating a returned entity must not leak into later dispatches
	first.Count = 999

	cmd := conductor.NewCommandContext("counter", "increment",
		map[string]any{"amount": 1})
	cmd.EntityID = id
	res = app.Dispatcher().Dispatch(ctx, cmd)
	assert.True(t, res.Success)
	assert.Equal(t, int64(6), res.ReturnValue)
	assert.NotSame(t, first, res.Entity.(*Counter))
}

func TestDispatchStats(t *testing.T) {
	app := newCounterApp(t)
	ctx := t.Context()

	for range 3 {
		cmd := conductor.NewCommandContext("counter", "increment", nil)
		res := app.Dispatcher().Dispatch(ctx, cmd)
		assert.True(t, res.Success)
	}
	bad := conductor.NewCommandContext("counter", "no_such_command", nil)
	res := app.Dispatcher().Dispatch(ctx, bad)
	assert.False(t, res.Success)

	stats := app.Dispatcher().Stats()
	assert.Equal(t, int64(4), stats.Executed)
	assert.Equal(t, int64(3), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Greater(t, stats.TotalTime, time.Duration(0))

	app.Dispatcher().ResetStats()
	assert.Zero(t, app.Dispatcher().Stats().Executed)
}
