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
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/muxlab/grpcpool/affinity"
	"github.com/muxlab/grpcpool/internal"
)

const (
	defaultMaxSize    = 10
	defaultMaxStreams = 100
)

// Option is an option used to customize the behavior of a [Pool].
type Option interface {
	apply(*poolOptions)
}

type poolOptions struct {
	maxSize       int
	maxStreams    int
	minSize       int
	table         *affinity.Table
	dial          DialFunc
	dialOpts      []grpc.DialOption
	logger        *zap.Logger
	clock         internal.Clock
	statsInterval time.Duration
	err           error
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

func defaultPoolOptions() poolOptions {
	return poolOptions{
		maxSize:    defaultMaxSize,
		maxStreams: defaultMaxStreams,
		logger:     zap.NewNop(),
		clock:      internal.NewRealClock(),
	}
}

// WithMaxSize caps the number of channels the pool will ever create. If no
// such option is provided, the pool holds at most 10 channels.
func WithMaxSize(size int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxSize = size
	})
}

// WithMaxStreamsPerChannel sets how many concurrent calls a channel absorbs
// before the pool prefers dialing a new one. It is a soft ceiling: once the
// pool is at its maximum size, calls over-subscribe the least-loaded channel
// instead of failing. If no such option is provided, the watermark is 100,
// matching the usual HTTP/2 concurrent-streams limit.
func WithMaxStreamsPerChannel(streams int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.maxStreams = streams
	})
}

// WithMinSize sets how many channels [Pool.Warm] establishes up front. It
// does not make the pool dial eagerly on its own; without a Warm call the
// pool still grows lazily.
func WithMinSize(size int) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.minSize = size
	})
}

// WithAffinityTable installs the per-method affinity rules. Without rules
// the pool is a plain least-loaded channel balancer.
func WithAffinityTable(table *affinity.Table) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.table = table
	})
}

// WithApiConfig applies a parsed [ApiConfig]: its channel-pool sizes (where
// set) and its affinity rules. Explicit size options may be combined with
// it; the last option wins.
func WithApiConfig(config *ApiConfig) Option {
	return optionFunc(func(opts *poolOptions) {
		if config == nil {
			return
		}
		if config.ChannelPool.MaxSize > 0 {
			opts.maxSize = config.ChannelPool.MaxSize
		}
		if config.ChannelPool.MinSize > 0 {
			opts.minSize = config.ChannelPool.MinSize
		}
		if config.ChannelPool.MaxConcurrentStreamsLowWatermark > 0 {
			opts.maxStreams = config.ChannelPool.MaxConcurrentStreamsLowWatermark
		}
		table, err := config.Table()
		if err != nil {
			opts.err = err
			return
		}
		opts.table = table
	})
}

// WithDialOptions supplies [grpc.DialOption]s for the default dialer, e.g.
// transport credentials. Ignored when a custom dialer is installed via
// [WithDialer].
func WithDialOptions(dialOpts ...grpc.DialOption) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.dialOpts = append(opts.dialOpts, dialOpts...)
	})
}

// WithDialer replaces how the pool constructs transport channels. The
// target passed to [New] is ignored when this option is used.
func WithDialer(dial DialFunc) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.dial = dial
	})
}

// WithLogger directs the pool's logging to the given logger. If no such
// option is provided, logging is discarded.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		if logger != nil {
			opts.logger = logger
		}
	})
}

// WithStatsInterval makes the pool periodically log a snapshot of its
// diagnostics (pool size, in-flight calls, bound keys) at Info level. If
// zero or no such option is provided, no periodic reporting happens.
func WithStatsInterval(interval time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.statsInterval = interval
	})
}

// withClock substitutes the time source, for tests.
func withClock(clk internal.Clock) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.clock = clk
	})
}
