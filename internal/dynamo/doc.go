// Package dynamo provides the core types shared by the coupling core.
//
// The package defines the contracts every other package speaks in:
//
//   - [State]: dense vector used by integrators and domain models
//   - [System], [Integrator]: ODE right-hand side and stepping scheme
//   - [PhysicsDomain]: one physics discipline as seen by the coordinator
//   - [DomainState]: immutable snapshot of a domain after a step
//   - [CouplingPair], [CouplingData]: who exchanges what with whom
//   - the error taxonomy returned up to the orchestration layer
//
// # Ownership
//
// Only the coordinator in package sim calls mutating methods on a
// [PhysicsDomain]. Other components receive snapshots or field payloads.
//
// # Thread Safety
//
// Snapshots are immutable once built and may be shared freely. Domains are
// NOT thread-safe; [ForEach] advances distinct domains concurrently and
// never hands the same domain to two workers.
package dynamo
