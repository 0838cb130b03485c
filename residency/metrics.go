// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package residency

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/OhGameKillers/gpuresidency/pkg/metrics"
)

// collector implements prometheus.Collector for one Manager, reporting the
// LRU aggregates and in-flight sync point depth directly (no bookkeeping
// counters to keep in sync) alongside the cumulative operation counters the
// worker and submission coordinator maintain.
type collector struct {
	manager *Manager

	residentObjects   *prometheus.Desc
	evictedObjects    *prometheus.Desc
	residentBytes     *prometheus.Desc
	ringOccupancy     *prometheus.Desc
	inFlightSyncPoint *prometheus.Desc

	makeResidentCalls *prometheus.Desc
	evictCalls        *prometheus.Desc
	makeResidentBytes *prometheus.Desc
	evictBytes        *prometheus.Desc
}

func newCollector(m *Manager) *collector {
	ns := "gpuresidency"
	return &collector{
		manager: m,
		residentObjects: prometheus.NewDesc(ns+"_resident_objects", "Number of currently resident objects.", nil, nil),
		evictedObjects:  prometheus.NewDesc(ns+"_evicted_objects", "Number of currently evicted objects.", nil, nil),
		residentBytes:   prometheus.NewDesc(ns+"_resident_bytes", "Total bytes currently resident.", nil, nil),
		ringOccupancy:   prometheus.NewDesc(ns+"_work_queue_occupancy", "Paging work queue occupancy.", nil, nil),
		inFlightSyncPoint: prometheus.NewDesc(ns+"_in_flight_sync_points", "Number of in-flight device-wide sync points.", nil, nil),
		makeResidentCalls: prometheus.NewDesc(ns+"_make_resident_calls_total", "Cumulative device MakeResident calls.", nil, nil),
		evictCalls:        prometheus.NewDesc(ns+"_evict_calls_total", "Cumulative device Evict calls.", nil, nil),
		makeResidentBytes: prometheus.NewDesc(ns+"_make_resident_bytes_total", "Cumulative bytes made resident.", nil, nil),
		evictBytes:        prometheus.NewDesc(ns+"_evict_bytes_total", "Cumulative bytes evicted.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.residentObjects
	ch <- c.evictedObjects
	ch <- c.residentBytes
	ch <- c.ringOccupancy
	ch <- c.inFlightSyncPoint
	ch <- c.makeResidentCalls
	ch <- c.evictCalls
	ch <- c.makeResidentBytes
	ch <- c.evictBytes
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.manager.registry.mu.Lock()
	numResident := c.manager.registry.lru.NumResident()
	numEvicted := c.manager.registry.lru.NumEvicted()
	residentBytes := c.manager.registry.lru.ResidentBytes()
	c.manager.registry.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.residentObjects, prometheus.GaugeValue, float64(numResident))
	ch <- prometheus.MustNewConstMetric(c.evictedObjects, prometheus.GaugeValue, float64(numEvicted))
	ch <- prometheus.MustNewConstMetric(c.residentBytes, prometheus.GaugeValue, float64(residentBytes))
	ch <- prometheus.MustNewConstMetric(c.ringOccupancy, prometheus.GaugeValue, float64(c.manager.workQueue.occupancy()))

	c.manager.fences.mu.Lock()
	inFlight := c.manager.fences.inFlight.Len()
	c.manager.fences.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.inFlightSyncPoint, prometheus.GaugeValue, float64(inFlight))

	calls := c.manager.stats.snapshot()
	ch <- prometheus.MustNewConstMetric(c.makeResidentCalls, prometheus.CounterValue, float64(calls.makeResidentCalls))
	ch <- prometheus.MustNewConstMetric(c.evictCalls, prometheus.CounterValue, float64(calls.evictCalls))
	ch <- prometheus.MustNewConstMetric(c.makeResidentBytes, prometheus.CounterValue, float64(calls.makeResidentBytes))
	ch <- prometheus.MustNewConstMetric(c.evictBytes, prometheus.CounterValue, float64(calls.evictBytes))
}

// registerMetrics registers m's collector with the shared collector
// registry, so it shows up alongside every other package's metrics under the
// same /metrics endpoint.
func registerMetrics(m *Manager) error {
	return metrics.RegisterCollector("residency", func() (prometheus.Collector, error) {
		return newCollector(m), nil
	})
}
