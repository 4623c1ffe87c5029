package conductor_test

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/conductor"
)

type Counter struct {
	conductor.Base
	Count int64
}

func (c *Counter) EntityType() string {
	return "counter"
}

func (c *Counter) Snapshot() map[string]any {
	return map[string]any{"count": c.Count}
}

func (c *Counter) Restore(fields map[string]any) {
	switch n := fields["count"].(type) {
	case float64:
		c.Count = int64(n)
	case int64:
		c.Count = n
	case int:
		c.Count = int64(n)
	}
}

func newCounter() conductor.Entity {
	return &Counter{}
}

func registerCounter(app *conductor.App) {
	app.Registry().
		RegisterEntity("counter", newCounter).
		MustRegister(conductor.CommandDef{
			Name: "increment",
			Params: conductor.Schema{
				{Name: "amount", Type: conductor.TypeInt, Default: 1},
			},
			Handler: func(
				_ context.Context, e conductor.Entity, args conductor.Args,
			) (any, error) {
				c := e.(*Counter)
				c.Count += args.Int("amount")
				return c.Count, nil
			},
		}).
		MustRegister(conductor.CommandDef{
			Name: "fail",
			Handler: func(
				_ context.Context, e conductor.Entity, _ conductor.Args,
			) (any, error) {
				e.(*Counter).Count = -1
				return nil, errors.New("boom")
			},
		}).
		MustRegister(conductor.CommandDef{
			Name:        "admin_reset",
			Permissions: []string{"counter:admin"},
			Handler: func(
				_ context.Context, e conductor.Entity, _ conductor.Args,
			) (any, error) {
				e.(*Counter).Count = 0
				return nil, nil
			},
		}).
		MustRegister(conductor.CommandDef{
			Name: "stream",
			Handler: func(
				_ context.Context, _ conductor.Entity, _ conductor.Args,
			) (any, error) {
				return iter.Seq[any](func(yield func(any) bool) {
					for i := range 3 {
						if !yield(i) {
							return
						}
					}
				}), nil
			},
		}).
		MustRegister(conductor.CommandDef{
			Name:     "internal_only",
			Internal: true,
			Handler: func(
				_ context.Context, _ conductor.Entity, _ conductor.Args,
			) (any, error) {
				return nil, nil
			},
		})
}

func newCounterApp(t *testing.T, opts ...conductor.Option) *conductor.App {
	t.Helper()
	app := conductor.New(conductor.DefaultConfig(), opts...)
	registerCounter(app)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestBackendRouting(t *testing.T) {
	registry := conductor.NewRegistry()
	registry.RegisterEntity("counter", newCounter)

	dedicated := conductor.NewMemoryBackend(registry)
	app := conductor.New(nil,
		conductor.WithEntityBackend("counter", dedicated),
	)
	defer func() { _ = app.Close() }()

	assert.Same(t, dedicated, app.Backend("counter"))
	assert.NotSame(t, dedicated, app.Backend("order"))
	assert.Same(t, app.Backend("order"), app.Backend("widget"))
}

func TestAppClose(t *testing.T) {
	app := newCounterApp(t)
	assert.NoError(t, app.Close())

	select {
	case <-app.Context().Done():
	default:
		t.Fatal("context not cancelled by Close")
	}

	_, err := app.Hub().Publish(context.Background(),
		conductor.NewEvent(conductor.EventCustom, "counter", "x", nil))
	assert.ErrorIs(t, err, conductor.ErrHubClosed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := conductor.DefaultConfig()
	assert.Equal(t, conductor.DefaultCacheSize, cfg.CacheSize)
	assert.Equal(t, conductor.DefaultCacheTTL, cfg.CacheTTL)
	assert.Equal(t, conductor.DefaultPublishLimit, cfg.PublishLimit)
	assert.Equal(t, conductor.DefaultRedisPrefix, cfg.Redis.Prefix)
	assert.Equal(t, conductor.DefaultPostgresTable, cfg.Postgres.Table)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_CACHE_SIZE", "32")
	t.Setenv("CONDUCTOR_REDIS_PREFIX", "testing")

	cfg, err := conductor.ConfigFromEnv()
	assert.NoError(t, err)
	assert.Equal(t, 32, cfg.CacheSize)
	assert.Equal(t, "testing", cfg.Redis.Prefix)
	assert.Equal(t, conductor.DefaultCacheTTL, cfg.CacheTTL)
}
