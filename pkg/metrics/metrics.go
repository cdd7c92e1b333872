// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics is the process-wide Prometheus registry: a set of
// counters and gauges initialized once at start and shared by every
// call site that observes an event, exported read-only over HTTP.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every counter/gauge the Supervisor and its components
// update. It is safe for concurrent use — the metrics HTTP server reads
// the underlying Prometheus collectors directly; the running-mean/rate
// gauges kept here are guarded by mu.
type Registry struct {
	mu sync.Mutex

	prom *prometheus.Registry

	connectionsTotal   prometheus.Counter
	messagesTotal      prometheus.Counter
	admitsTotal        prometheus.Counter
	dischargesTotal    prometheus.Counter
	bloodTestsTotal    prometheus.Counter
	akiPositivesTotal  prometheus.Counter
	latencyOverSLA     prometheus.Counter
	failuresTotal      prometheus.Counter
	creatinineMeanGa   prometheus.Gauge
	akiPositiveRateGa  prometheus.Gauge
	latencyMeanGa      prometheus.Gauge
	creatinineSum      float64
	creatinineCount    int64
	limsCount          int64
	akiPositiveCount   int64
	latencySumSeconds  float64
	latencyObservCount int64
}

// New constructs a fresh Prometheus registry and registers every
// collector against it via promauto.With, matching the teacher's
// promauto pattern but scoped to an instance so tests can construct
// independent registries instead of colliding on the global default one.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		prom: reg,
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_connections_total",
			Help: "MLLP socket connections established.",
		}),
		messagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_messages_total",
			Help: "HL7 messages received over MLLP.",
		}),
		admitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_pas_admits_total",
			Help: "PAS-admit messages received.",
		}),
		dischargesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_pas_discharges_total",
			Help: "PAS-discharge messages received.",
		}),
		bloodTestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_blood_tests_total",
			Help: "LIMS blood test results received.",
		}),
		akiPositivesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_aki_positives_total",
			Help: "LIMS results classified AKI-positive.",
		}),
		latencyOverSLA: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_latency_over_3s_total",
			Help: "LIMS messages whose end-to-end latency exceeded 3 seconds.",
		}),
		failuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "akiwatch_failures_total",
			Help: "Uncaught failures in the main loop.",
		}),
		creatinineMeanGa: factory.NewGauge(prometheus.GaugeOpts{
			Name: "akiwatch_creatinine_mean",
			Help: "Running mean of creatinine values observed.",
		}),
		akiPositiveRateGa: factory.NewGauge(prometheus.GaugeOpts{
			Name: "akiwatch_aki_positive_rate",
			Help: "Running rate of AKI-positive predictions over LIMS messages received.",
		}),
		latencyMeanGa: factory.NewGauge(prometheus.GaugeOpts{
			Name: "akiwatch_latency_mean_seconds",
			Help: "Running mean end-to-end latency for LIMS messages.",
		}),
	}
}

// ConnectionEstablished records a new MLLP socket connection.
func (r *Registry) ConnectionEstablished() { r.connectionsTotal.Inc() }

// MessageReceived records one HL7 message read off the MLLP socket.
func (r *Registry) MessageReceived() { r.messagesTotal.Inc() }

// PASAdmit records a PAS-admit message.
func (r *Registry) PASAdmit() { r.admitsTotal.Inc() }

// PASDischarge records a PAS-discharge message.
func (r *Registry) PASDischarge() { r.dischargesTotal.Inc() }

// BloodTest records a LIMS result and updates the running creatinine
// mean.
func (r *Registry) BloodTest(creatinine float64) {
	r.bloodTestsTotal.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.creatinineCount++
	r.creatinineSum += creatinine
	r.creatinineMeanGa.Set(r.creatinineSum / float64(r.creatinineCount))

	r.limsCount++
	r.akiPositiveRateGa.Set(float64(r.akiPositiveCount) / float64(r.limsCount))
}

// AKIPositive records a positive classification and updates the running
// positive rate (positives / LIMS-received).
func (r *Registry) AKIPositive() {
	r.akiPositivesTotal.Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.akiPositiveCount++
	if r.limsCount > 0 {
		r.akiPositiveRateGa.Set(float64(r.akiPositiveCount) / float64(r.limsCount))
	}
}

// ObserveLatency updates the running mean latency over LIMS messages and
// counts messages whose latency exceeded 3 seconds.
func (r *Registry) ObserveLatency(d time.Duration) {
	seconds := d.Seconds()

	r.mu.Lock()
	r.latencyObservCount++
	r.latencySumSeconds += seconds
	r.latencyMeanGa.Set(r.latencySumSeconds / float64(r.latencyObservCount))
	r.mu.Unlock()

	if seconds > 3 {
		r.latencyOverSLA.Inc()
	}
}

// Failure records an uncaught failure in the main loop.
func (r *Registry) Failure() { r.failuresTotal.Inc() }
