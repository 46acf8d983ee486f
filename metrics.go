// Copyright 2024-2025 The grpcpool Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package grpcpool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exposes a pool's diagnostics as Prometheus metrics. It
// reads the same snapshot as [Pool.Stats] on every scrape, so it holds no
// state of its own and a single pool may be registered at most once per
// registry.
type StatsCollector struct {
	pool *Pool

	poolSize    *prometheus.Desc
	boundKeys   *prometheus.Desc
	activeCalls *prometheus.Desc
	channelKeys *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector builds a collector for the given pool. The namespace
// prefixes every metric name, and may be empty.
func NewStatsCollector(pool *Pool, namespace string) *StatsCollector {
	return &StatsCollector{
		pool: pool,
		poolSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "grpcpool", "channels"),
			"Number of channels created by the pool.",
			nil, nil,
		),
		boundKeys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "grpcpool", "bound_keys"),
			"Number of distinct affinity keys currently bound.",
			nil, nil,
		),
		activeCalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "grpcpool", "channel_active_calls"),
			"Calls currently in flight, per channel.",
			[]string{"channel"}, nil,
		),
		channelKeys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "grpcpool", "channel_bound_keys"),
			"Affinity keys bound, per channel.",
			[]string{"channel"}, nil,
		),
	}
}

func (c *StatsCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.poolSize
	descs <- c.boundKeys
	descs <- c.activeCalls
	descs <- c.channelKeys
}

func (c *StatsCollector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.pool.Stats()
	metrics <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(stats.PoolSize))
	metrics <- prometheus.MustNewConstMetric(c.boundKeys, prometheus.GaugeValue, float64(stats.BoundKeys))
	for _, channel := range stats.Channels {
		label := strconv.Itoa(channel.ID)
		metrics <- prometheus.MustNewConstMetric(c.activeCalls, prometheus.GaugeValue, float64(channel.ActiveCalls), label)
		metrics <- prometheus.MustNewConstMetric(c.channelKeys, prometheus.GaugeValue, float64(channel.BoundKeys), label)
	}
}
