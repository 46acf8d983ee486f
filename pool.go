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
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/muxlab/grpcpool/affinity"
	"github.com/muxlab/grpcpool/internal"
)

// ErrClosed is returned for calls issued after the pool has been closed.
var ErrClosed = errors.New("grpcpool: pool is closed")

// Pool is a single logical gRPC channel backed by a bounded set of real
// channels. It implements [grpc.ClientConnInterface], so generated client
// stubs can be constructed directly on top of it.
//
// The pool grows lazily: a channel is dialed only when every existing
// channel already has [WithMaxStreamsPerChannel] calls in flight and the
// pool is below [WithMaxSize]. When the pool is full, additional calls
// over-subscribe the least-loaded channel rather than fail; the stream
// ceiling is a preference for spreading load, not admission control.
//
// Calls to methods covered by an [affinity.Rule] additionally maintain the
// pool's affinity index, which pins each affinity key to the channel that
// first served it. See the affinity package for the rule semantics.
type Pool struct {
	dial       DialFunc
	rules      *affinity.Table
	maxSize    int
	maxStreams int
	minSize    int
	logger     *zap.Logger
	clock      internal.Clock

	// mu guards pool growth, the closed flag, and admission of new calls.
	// It is never held across a transport operation.
	mu     sync.Mutex
	refs   []*channelRef
	closed bool

	// calls tracks in-flight calls so Close can drain them.
	calls sync.WaitGroup

	// bindMu guards the affinity index. Lookup, bind, and unbind are each
	// atomic under it; no transport I/O happens while it is held.
	bindMu   sync.Mutex
	bindings map[string]*binding

	reporter *statsReporter
}

var _ grpc.ClientConnInterface = (*Pool)(nil)

// binding pins one affinity key to one channel. The reference count tracks
// how many times the key has been bound; the channel never changes while
// the entry exists.
type binding struct {
	ref   *channelRef
	count int
}

// New creates a pool that dials the given target with the configured
// [grpc.DialOption]s. No channel is dialed until the first call arrives
// (or [Pool.Warm] is invoked). The target may be empty if a custom dialer
// is supplied via [WithDialer].
func New(target string, options ...Option) (*Pool, error) {
	opts := defaultPoolOptions()
	for _, option := range options {
		option.apply(&opts)
	}
	if opts.err != nil {
		return nil, opts.err
	}
	if opts.maxSize < 1 {
		return nil, fmt.Errorf("grpcpool: max size must be at least 1, got %d", opts.maxSize)
	}
	if opts.maxStreams < 1 {
		return nil, fmt.Errorf("grpcpool: max streams per channel must be at least 1, got %d", opts.maxStreams)
	}
	if opts.minSize < 0 || opts.minSize > opts.maxSize {
		return nil, fmt.Errorf("grpcpool: min size %d out of range [0, %d]", opts.minSize, opts.maxSize)
	}
	if opts.dial == nil {
		if target == "" {
			return nil, errors.New("grpcpool: no target and no custom dialer")
		}
		opts.dial = defaultDialer(target, opts.dialOpts...)
	}
	pool := &Pool{
		dial:       opts.dial,
		rules:      opts.table,
		maxSize:    opts.maxSize,
		maxStreams: opts.maxStreams,
		minSize:    opts.minSize,
		logger:     opts.logger,
		clock:      opts.clock,
		bindings:   map[string]*binding{},
	}
	if opts.statsInterval > 0 {
		pool.reporter = newStatsReporter(pool, opts.statsInterval)
	}
	return pool, nil
}

// Invoke implements [grpc.ClientConnInterface] for unary calls. The call is
// routed to the channel bound to its affinity key when one exists, and by
// least-loaded selection otherwise. On success, BIND and UNBIND rules update
// the affinity index; a failed call never does.
func (p *Pool) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	rule, hasRule := p.rules.Lookup(method)
	var preferred *channelRef
	if hasRule && rule.Command != affinity.Bind {
		if key, err := affinity.Key(args, rule.Key); err == nil {
			preferred = p.boundRef(key)
		}
	}
	ref, release, err := p.reserve(ctx, preferred)
	if err != nil {
		return err
	}
	defer release()
	if err := ref.transport.Invoke(ctx, method, args, reply, opts...); err != nil {
		return err
	}
	if hasRule {
		switch rule.Command {
		case affinity.Bind:
			// A response without a resolvable key means there is no
			// binding to create, not a failed call.
			if key, err := affinity.Key(reply, rule.Key); err == nil {
				p.bindKey(key, ref)
			}
		case affinity.Unbind:
			if key, err := affinity.Key(args, rule.Key); err == nil {
				p.unbindKey(key)
			}
		case affinity.Bound:
		}
	}
	return nil
}

// reserve admits one call onto the pool: it rejects calls after Close,
// selects a channel unless the caller already resolved one by affinity, and
// brackets the channel's active-call count. The returned release is
// idempotent and must be called exactly when the call terminates, on any
// path.
func (p *Pool) reserve(ctx context.Context, preferred *channelRef) (*channelRef, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	ref := preferred
	if ref == nil {
		var err error
		if ref, err = p.selectLocked(ctx); err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
	}
	ref.active.Add(1)
	p.calls.Add(1)
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			ref.active.Add(-1)
			p.calls.Done()
		})
	}
	return ref, release, nil
}

// selectLocked picks the channel for a call with no affinity preference:
// the least-loaded existing channel if it is under the stream watermark, a newly
// dialed channel if the pool may grow, and otherwise the least-loaded
// channel regardless of its load. Ties go to the earliest-created channel
// so repeated picks are deterministic.
//
// +checklocks:p.mu
func (p *Pool) selectLocked(ctx context.Context) (*channelRef, error) {
	var best *channelRef
	for _, ref := range p.refs {
		if best == nil || ref.activeCalls() < best.activeCalls() {
			best = ref
		}
	}
	if best != nil && best.activeCalls() < int64(p.maxStreams) {
		return best, nil
	}
	if len(p.refs) < p.maxSize {
		return p.growLocked(ctx)
	}
	return best, nil
}

// +checklocks:p.mu
func (p *Pool) growLocked(ctx context.Context) (*channelRef, error) {
	transport, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("grpcpool: dialing channel %d: %w", len(p.refs), err)
	}
	ref := &channelRef{id: len(p.refs), transport: transport}
	p.refs = append(p.refs, ref)
	p.logger.Info("created channel",
		zap.Int("channel", ref.id),
		zap.Int("pool_size", len(p.refs)),
	)
	return ref, nil
}

// boundRef returns the channel the key is bound to, or nil.
func (p *Pool) boundRef(key string) *channelRef {
	p.bindMu.Lock()
	defer p.bindMu.Unlock()
	if bound, ok := p.bindings[key]; ok {
		return bound.ref
	}
	return nil
}

// bindKey records that key is served by ref. Binding an already-bound key
// increments its reference count; the key's channel never changes. A bind
// that resolves an existing key to a different channel means the routing
// invariant has been broken, which is a programming error, so it panics
// (through the logger) rather than silently repairing the index.
func (p *Pool) bindKey(key string, ref *channelRef) {
	p.bindMu.Lock()
	bound, ok := p.bindings[key]
	if !ok {
		p.bindings[key] = &binding{ref: ref, count: 1}
		ref.bound.Add(1)
		p.bindMu.Unlock()
		p.logger.Debug("bound affinity key",
			zap.String("key", key),
			zap.Int("channel", ref.id),
		)
		return
	}
	if bound.ref != ref {
		p.bindMu.Unlock()
		p.logger.Panic("affinity key already bound to a different channel",
			zap.String("key", key),
			zap.Int("bound_channel", bound.ref.id),
			zap.Int("serving_channel", ref.id),
		)
		return
	}
	bound.count++
	p.bindMu.Unlock()
}

// unbindKey drops one reference to key, removing the binding when the last
// reference goes away. Unbinding an unknown key is a no-op: whether the
// resource existed is the remote endpoint's business, not the pool's.
func (p *Pool) unbindKey(key string) {
	p.bindMu.Lock()
	bound, ok := p.bindings[key]
	if !ok {
		p.bindMu.Unlock()
		return
	}
	bound.count--
	if bound.count > 0 {
		p.bindMu.Unlock()
		return
	}
	delete(p.bindings, key)
	bound.ref.bound.Add(-1)
	p.bindMu.Unlock()
	p.logger.Debug("unbound affinity key",
		zap.String("key", key),
		zap.Int("channel", bound.ref.id),
	)
}

// Warm eagerly dials channels until the pool holds at least the configured
// minimum (or one channel, if no minimum was set) and then waits for each
// of them to become ready, when the transport supports readiness. Failed
// dials are retried with exponential backoff until ctx is done.
func (p *Pool) Warm(ctx context.Context) error {
	want := p.minSize
	if want < 1 {
		want = 1
	}
	expBackoff := backoff.NewExponentialBackOff()
	var warmed []*channelRef
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrClosed
		}
		if len(p.refs) >= want {
			warmed = append(warmed[:0], p.refs...)
			p.mu.Unlock()
			break
		}
		_, err := p.growLocked(ctx)
		p.mu.Unlock()
		if err == nil {
			expBackoff.Reset()
			continue
		}
		wait := expBackoff.NextBackOff()
		p.logger.Warn("dial failed, backing off",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, ref := range warmed {
		group.Go(func() error {
			if ready, ok := ref.transport.(readier); ok {
				return ready.Ready(groupCtx)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close stops admitting calls, waits for in-flight calls to finish, and
// then closes every channel. It is idempotent and safe to invoke
// concurrently with in-flight calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	refs := p.refs
	p.mu.Unlock()

	if p.reporter != nil {
		p.reporter.stop()
	}
	p.calls.Wait()

	var err error
	for _, ref := range refs {
		err = multierr.Append(err, ref.transport.Close())
	}
	p.logger.Info("pool closed", zap.Int("channels", len(refs)))
	return err
}
