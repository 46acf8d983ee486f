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
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats is a point-in-time snapshot of the pool's diagnostics. It is taken
// with snapshot semantics: it tolerates concurrent calls, so the numbers
// are individually accurate but not mutually consistent down to the call.
// It feeds operators and tests, never the routing algorithm.
type Stats struct {
	// PoolSize is the number of channels created so far.
	PoolSize int
	// BoundKeys is the number of distinct affinity keys currently bound.
	BoundKeys int
	// Channels holds per-channel counters, in creation order.
	Channels []ChannelStats
}

// ChannelStats are the per-channel counters.
type ChannelStats struct {
	// ID is the channel's index in the pool.
	ID int
	// ActiveCalls is the number of calls currently in flight.
	ActiveCalls int64
	// BoundKeys is the number of affinity keys bound to this channel.
	BoundKeys int64
}

// ActiveCalls sums in-flight calls across all channels.
func (s Stats) ActiveCalls() int64 {
	var total int64
	for _, channel := range s.Channels {
		total += channel.ActiveCalls
	}
	return total
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	refs := make([]*channelRef, len(p.refs))
	copy(refs, p.refs)
	p.mu.Unlock()

	p.bindMu.Lock()
	keys := len(p.bindings)
	p.bindMu.Unlock()

	stats := Stats{
		PoolSize:  len(refs),
		BoundKeys: keys,
		Channels:  make([]ChannelStats, len(refs)),
	}
	for i, ref := range refs {
		stats.Channels[i] = ChannelStats{
			ID:          ref.id,
			ActiveCalls: ref.activeCalls(),
			BoundKeys:   ref.boundKeys(),
		}
	}
	return stats
}

// statsReporter periodically logs a pool snapshot. It exists so operators
// get a heartbeat of channel load without scraping metrics.
type statsReporter struct {
	pool     *Pool
	stopOnce sync.Once
	done     chan struct{}
}

func newStatsReporter(pool *Pool, interval time.Duration) *statsReporter {
	reporter := &statsReporter{
		pool: pool,
		done: make(chan struct{}),
	}
	go reporter.run(interval)
	return reporter
}

func (r *statsReporter) run(interval time.Duration) {
	ticker := r.pool.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.Chan():
			stats := r.pool.Stats()
			r.pool.logger.Info("pool stats",
				zap.Int("channels", stats.PoolSize),
				zap.Int64("active_calls", stats.ActiveCalls()),
				zap.Int("bound_keys", stats.BoundKeys),
			)
		}
	}
}

func (r *statsReporter) stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}
