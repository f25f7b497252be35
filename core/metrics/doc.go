// Package metrics defines the observability surface of the simulation loop.
// The scheduler reports one StepEvent per step to a Sink; sinks that also
// implement the optional recorder interfaces receive transport errors and
// resource snapshots. Implementations live in infra/metrics and are built from
// configuration through the sink registry.
package metrics
