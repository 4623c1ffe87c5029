package conductor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/conductor"
)

func noopHandler(
	_ context.Context, _ conductor.Entity, _ conductor.Args,
) (any, error) {
	return nil, nil
}

func TestRegisterEntity(t *testing.T) {
	registry := conductor.NewRegistry()
	def := registry.RegisterEntity("counter", newCounter)
	assert.NotNil(t, def)

	// registering the same type again returns the existing definition
	again := registry.RegisterEntity("counter", newCounter)
	assert.Same(t, def, again)

	assert.Equal(t, []string{"counter"}, registry.EntityTypes())
}

func TestRegisterCommand(t *testing.T) {
	registry := conductor.NewRegistry()
	def := registry.RegisterEntity("counter", newCounter)

	assert.NoError(t, def.Register(conductor.CommandDef{
		Name:    "increment",
		Handler: noopHandler,
	}))
	assert.Contains(t, def.Commands(), "increment")

	err := def.Register(conductor.CommandDef{
		Name:    "increment",
		Handler: noopHandler,
	})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegisterCommandInvalid(t *testing.T) {
	registry := conductor.NewRegistry()
	def := registry.RegisterEntity("counter", newCounter)

	err := def.Register(conductor.CommandDef{Handler: noopHandler})
	assert.ErrorContains(t, err, "no name")

	err = def.Register(conductor.CommandDef{Name: "broken"})
	assert.ErrorContains(t, err, "no handler")
}

func TestMustRegisterPanics(t *testing.T) {
	registry := conductor.NewRegistry()
	def := registry.RegisterEntity("counter", newCounter)

	assert.Panics(t, func() {
		def.MustRegister(conductor.CommandDef{Name: "broken"})
	})
}

func TestEntityDefNew(t *testing.T) {
	registry := conductor.NewRegistry()
	def := registry.RegisterEntity("counter", newCounter)

	e := def.New()
	assert.IsType(t, &Counter{}, e)
	assert.Empty(t, e.EntityID())
}
