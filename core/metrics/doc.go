// Package metrics defines the sinks that record dispatch activity: offers
// sent to drivers, their outcomes and fleet snapshots. Sinks like PromSink
// and InfluxSink live in infra/metrics and register themselves with the
// factory; NewSink returns a MultiSink when several are configured.
package metrics
