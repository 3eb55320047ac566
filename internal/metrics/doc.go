// Package metrics exports Prometheus metrics for the relay. *Metrics
// satisfies the observer interfaces of the agent, toolserver, channel and
// dispatch packages.
package metrics
