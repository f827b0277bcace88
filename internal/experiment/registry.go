package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
	"github.com/san-kum/multiphys/internal/integrators"
	"github.com/san-kum/multiphys/internal/physics"
)

// ModelFactory builds a fresh model on a grid.
type ModelFactory func(g field.Grid) physics.Model

type modelEntry struct {
	kind    dynamo.DomainKind
	factory ModelFactory
}

type Registry struct {
	models      map[string]modelEntry
	defaults    map[dynamo.DomainKind]string
	integrators map[string]func() dynamo.Integrator
}

func NewRegistry() *Registry {
	r := &Registry{
		models:      make(map[string]modelEntry),
		defaults:    make(map[dynamo.DomainKind]string),
		integrators: make(map[string]func() dynamo.Integrator),
	}

	r.Register("thermal", dynamo.Thermal, func(g field.Grid) physics.Model { return physics.NewThermal(g) })
	r.Register("structural", dynamo.Structural, func(g field.Grid) physics.Model { return physics.NewStructural(g) })
	r.Register("fluid", dynamo.Fluid, func(g field.Grid) physics.Model { return physics.NewFluid(g) })
	r.Register("circuit", dynamo.Electromagnetic, func(g field.Grid) physics.Model { return physics.NewCircuit(g) })
	r.Register("reactor", dynamo.Chemical, func(g field.Grid) physics.Model { return physics.NewReactor(g) })
	r.Register("particles", dynamo.Particle, func(g field.Grid) physics.Model { return physics.NewParticles(g) })

	r.integrators["euler"] = func() dynamo.Integrator { return integrators.NewEuler() }
	r.integrators["rk4"] = func() dynamo.Integrator { return integrators.NewRK4() }
	r.integrators["rk45"] = func() dynamo.Integrator { return integrators.NewRK45() }
	r.integrators["implicit_euler"] = func() dynamo.Integrator { return integrators.NewImplicitEuler() }

	return r
}

// Register adds a model. The first model registered for a kind becomes that
// kind's default.
func (r *Registry) Register(name string, kind dynamo.DomainKind, f ModelFactory) {
	r.models[name] = modelEntry{kind: kind, factory: f}
	if _, ok := r.defaults[kind]; !ok {
		r.defaults[kind] = name
	}
}

// GetModel returns a new model by name, or the default model of kind when
// name is empty.
func (r *Registry) GetModel(name string, kind dynamo.DomainKind, g field.Grid) (physics.Model, error) {
	if name == "" {
		var ok bool
		if name, ok = r.defaults[kind]; !ok {
			return nil, fmt.Errorf("no model for kind: %s", kind)
		}
	}
	e, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", name)
	}
	if e.kind != kind {
		return nil, fmt.Errorf("model %s is %s, not %s", name, e.kind, kind)
	}
	return e.factory(g), nil
}

func (r *Registry) GetIntegrator(name string) (dynamo.Integrator, error) {
	fn, ok := r.integrators[name]
	if !ok {
		return nil, fmt.Errorf("unknown integrator: %s", name)
	}
	return fn(), nil
}

func (r *Registry) ListModels() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ListIntegrators() []string {
	names := make([]string, 0, len(r.integrators))
	for name := range r.integrators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
