// Package physics provides reference physics domains for the coupling core.
//
// A [Domain] wraps a [Model] and implements [dynamo.PhysicsDomain]. Models
// describe one discipline as an ODE over a private state vector and export
// the fields partners read:
//
//   - [Thermal]: conducting rod, exports "temperature"
//   - [Structural]: mass-spring-damper body, exports "velocity", "displacement"
//   - [Fluid]: viscous column, exports "velocity", "density", "momentum_density"
//   - [Circuit]: RLC circuit, exports "heat_source", "field_strength"
//   - [Reactor]: exothermic reaction, exports "heat_source", "concentration"
//   - [Particles]: charged parcels, exports "velocity", "charge"
//
// Models implement [Configurable] so scenario files can set parameters by
// name.
//
// # Transfers
//
// Each model reports the rate at which energy and momentum enter it from
// every partner. The domain integrates those rates together with the state,
// so a step result carries the amount that actually crossed each interface:
//
//	d, _ := physics.New("rod", dynamo.Thermal, physics.NewThermal(grid))
//	res, _ := d.AdvanceTimeStep(ctx, 0.1, coupling, dynamo.SpatialContext{})
//	heat := res.Transfers["heater"].Energy
package physics
