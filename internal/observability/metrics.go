// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides Prometheus metrics for package resolution
// and plugin execution.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics contains the keg Prometheus collectors.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can take metrics as an optional dependency.
type Metrics struct {
	PluginLoads        *prometheus.CounterVec
	PluginCalls        *prometheus.CounterVec
	HostCalls          *prometheus.CounterVec
	LiveInstances      prometheus.Gauge
	PackageExtractions *prometheus.CounterVec
}

// NewMetrics creates the keg metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keg_plugin_loads_total",
				Help: "Total number of plugin load attempts by plugin type and status",
			},
			[]string{"type", "status"},
		),
		PluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keg_plugin_calls_total",
				Help: "Total number of guest function calls by plugin, function and status",
			},
			[]string{"plugin", "function", "status"},
		),
		HostCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keg_host_capability_calls_total",
				Help: "Total number of host capability invocations by capability and status",
			},
			[]string{"capability", "status"},
		),
		LiveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keg_plugin_instances",
				Help: "Number of plugin instances currently registered",
			},
		),
		PackageExtractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keg_package_extractions_total",
				Help: "Total number of package archive extractions by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.PluginLoads, m.PluginCalls, m.HostCalls, m.LiveInstances, m.PackageExtractions)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
// registered, avoiding pollution of the global default registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordLoad counts a plugin load attempt.
func (m *Metrics) RecordLoad(pluginType string, err error) {
	if m == nil {
		return
	}
	m.PluginLoads.WithLabelValues(pluginType, status(err)).Inc()
}

// RecordCall counts a guest function call.
func (m *Metrics) RecordCall(plugin, function string, err error) {
	if m == nil {
		return
	}
	m.PluginCalls.WithLabelValues(plugin, function, status(err)).Inc()
}

// RecordHostCall counts a host capability invocation.
func (m *Metrics) RecordHostCall(capability string, err error) {
	if m == nil {
		return
	}
	m.HostCalls.WithLabelValues(capability, status(err)).Inc()
}

// InstanceRegistered increments the live instance gauge.
func (m *Metrics) InstanceRegistered() {
	if m == nil {
		return
	}
	m.LiveInstances.Inc()
}

// InstanceDisposed decrements the live instance gauge.
func (m *Metrics) InstanceDisposed() {
	if m == nil {
		return
	}
	m.LiveInstances.Dec()
}

// RecordExtraction counts an archive extraction outcome.
func (m *Metrics) RecordExtraction(result string) {
	if m == nil {
		return
	}
	m.PackageExtractions.WithLabelValues(result).Inc()
}
