package rpc

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/descartes-run/descartes/internal/buildinfo"
)

// HealthReport is the system.health RPC result.
type HealthReport struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Commit  string            `json:"commit"`
	Uptime  string            `json:"uptime"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthProvider supplies the live values system.health reports beyond
// static build metadata.
type HealthProvider func() (uptime string, details map[string]string)

// RegisterSystemMethods wires system.health and system.metrics onto mux.
// system.metrics gathers the process's registered Prometheus metric
// families and returns them as a JSON-friendly summary (name, help,
// sample count) rather than the raw text-exposition format, since RPC
// clients consume JSON, not a Prometheus scraper.
func RegisterSystemMethods(mux *Mux, gatherer prometheus.Gatherer, health HealthProvider) {
	mux.Handle("system.health", func(params json.RawMessage) (any, error) {
		uptime, details := "", map[string]string(nil)
		if health != nil {
			uptime, details = health()
		}
		return HealthReport{
			Status:  "ok",
			Version: buildinfo.Version,
			Commit:  buildinfo.GitCommit,
			Uptime:  uptime,
			Details: details,
		}, nil
	})

	mux.Handle("system.metrics", func(params json.RawMessage) (any, error) {
		families, err := gatherer.Gather()
		if err != nil {
			return nil, FromError(err)
		}
		out := make([]metricSummary, 0, len(families))
		for _, f := range families {
			out = append(out, metricSummary{
				Name:    f.GetName(),
				Help:    f.GetHelp(),
				Samples: len(f.GetMetric()),
			})
		}
		return out, nil
	})
}

type metricSummary struct {
	Name    string `json:"name"`
	Help    string `json:"help"`
	Samples int    `json:"samples"`
}
