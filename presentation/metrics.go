// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the presentation layer's diagnostic counters as a custom
// prometheus.Collector.

package presentation

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the per-session-specifier diagnostic counters: queue
// overruns, deserialization failures, and unmatched responses. One
// Metrics instance is shared by every implementation a Controller
// creates.
type Metrics struct {
	mu                      sync.Mutex
	overruns                map[string]uint64
	deserializationFailures map[string]uint64
	unexpectedResponses     map[string]uint64
}

// NewMetrics constructs an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{
		overruns:                map[string]uint64{},
		deserializationFailures: map[string]uint64{},
		unexpectedResponses:     map[string]uint64{},
	}
}

func (m *Metrics) incOverrun(specifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overruns[specifier]++
}

func (m *Metrics) incDeserializationFailure(specifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deserializationFailures[specifier]++
}

func (m *Metrics) incUnexpectedResponse(specifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unexpectedResponses[specifier]++
}

var (
	overrunDesc = prometheus.NewDesc(
		"cyphal_subscriber_queue_overruns_total",
		"Number of messages dropped because a subscriber proxy's queue was full.",
		[]string{"specifier"}, nil)
	deserializationFailureDesc = prometheus.NewDesc(
		"cyphal_deserialization_failures_total",
		"Number of received transfers that failed to deserialize.",
		[]string{"specifier"}, nil)
	unexpectedResponseDesc = prometheus.NewDesc(
		"cyphal_unexpected_responses_total",
		"Number of received service responses with no matching pending request.",
		[]string{"specifier"}, nil)
)

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- overrunDesc
	ch <- deserializationFailureDesc
	ch <- unexpectedResponseDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for specifier, v := range m.overruns {
		ch <- prometheus.MustNewConstMetric(overrunDesc, prometheus.CounterValue, float64(v), specifier)
	}
	for specifier, v := range m.deserializationFailures {
		ch <- prometheus.MustNewConstMetric(deserializationFailureDesc, prometheus.CounterValue, float64(v), specifier)
	}
	for specifier, v := range m.unexpectedResponses {
		ch <- prometheus.MustNewConstMetric(unexpectedResponseDesc, prometheus.CounterValue, float64(v), specifier)
	}
}

var _ prometheus.Collector = (*Metrics)(nil)
