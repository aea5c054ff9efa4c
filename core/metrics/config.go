package metrics

import "github.com/kilianp07/lastmile/core/factory"

// Config defines settings for metrics sinks and the Prometheus endpoint.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// PrometheusPort serves /metrics on its own listener when set. Leave it
	// empty to expose /metrics on the API server only.
	PrometheusPort string `json:"prometheus_port"`
	// FleetIntervalSeconds controls how often fleet snapshots are recorded.
	FleetIntervalSeconds int `json:"fleet_interval_seconds"`
}
