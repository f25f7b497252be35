// Package infra contains technical adapters: UDP transport, MQTT mirror,
// metrics sinks, trace files, error reporting and logging. These packages
// depend only on the interfaces defined in the core packages.
package infra
