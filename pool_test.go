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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/apipb"

	"github.com/muxlab/grpcpool/affinity"
	"github.com/muxlab/grpcpool/internal/clocktest"
)

// fakeTransport is a scriptable Transport. The default Invoke echoes the
// request message into the response, which is enough for BIND rules to see
// a key come back.
type fakeTransport struct {
	id     int
	invoke func(ctx context.Context, method string, args, reply any) error
	stream func(ctx context.Context, desc *grpc.StreamDesc, method string) (grpc.ClientStream, error)

	mu      sync.Mutex
	methods []string
	streams []string
	closed  atomic.Bool
}

func (t *fakeTransport) Invoke(ctx context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	t.mu.Lock()
	t.methods = append(t.methods, method)
	t.mu.Unlock()
	if t.invoke != nil {
		return t.invoke(ctx, method, args, reply)
	}
	return echo(args, reply)
}

func (t *fakeTransport) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, _ ...grpc.CallOption) (grpc.ClientStream, error) {
	t.mu.Lock()
	t.streams = append(t.streams, method)
	t.mu.Unlock()
	if t.stream == nil {
		return nil, errors.New("fakeTransport: no stream handler")
	}
	return t.stream(ctx, desc, method)
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *fakeTransport) invokedMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.methods...)
}

func (t *fakeTransport) streamedMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.streams...)
}

func echo(args, reply any) error {
	request, ok := args.(proto.Message)
	if !ok {
		return nil
	}
	response, ok := reply.(proto.Message)
	if !ok {
		return nil
	}
	proto.Merge(response, request)
	return nil
}

// fakeDialer hands out fakeTransports and remembers them, optionally
// refusing the first few dials.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(*fakeTransport)
	wrap       func(*fakeTransport) Transport
	failDials  int
}

func (d *fakeDialer) dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("dial refused")
	}
	transport := &fakeTransport{id: len(d.transports)}
	if d.configure != nil {
		d.configure(transport)
	}
	d.transports = append(d.transports, transport)
	if d.wrap != nil {
		return d.wrap(transport), nil
	}
	return transport, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

func newTestPool(t *testing.T, dialer *fakeDialer, rules []affinity.Rule, opts ...Option) *Pool {
	t.Helper()
	table, err := affinity.NewTable(rules...)
	require.NoError(t, err)
	opts = append([]Option{WithDialer(dialer.dial), WithAffinityTable(table)}, opts...)
	pool, err := New("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

func sessionRules() []affinity.Rule {
	return []affinity.Rule{
		{Method: "/svc/CreateSession", Command: affinity.Bind, Key: "name"},
		{Method: "/svc/GetSession", Command: affinity.Bound, Key: "name"},
		{Method: "/svc/DeleteSession", Command: affinity.Unbind, Key: "name"},
	}
}

func session(name string) *apipb.Api {
	return &apipb.Api{Name: name}
}

func TestSelectionPrefersLeastLoaded(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan int, 8)
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(context.Context, string, any, any) error {
			started <- transport.id
			<-release
			return nil
		}
	}
	pool := newTestPool(t, dialer, nil, WithMaxSize(2), WithMaxStreamsPerChannel(2))

	var callers sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		callers.Add(1)
		go func() {
			defer callers.Done()
			errs[i] = pool.Invoke(context.Background(), "/svc/Ping", session("x"), &apipb.Api{})
		}()
		var id int
		select {
		case id = <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("call %d never started", i)
		}
		switch i {
		case 0, 1:
			require.Equal(t, 0, id, "call %d", i)
		case 2, 3:
			require.Equal(t, 1, id, "call %d", i)
		case 4:
			// Pool is full and every channel is at the watermark; the
			// call over-subscribes the least-loaded (lowest index) one.
			require.Equal(t, 0, id, "call %d", i)
		}
	}

	require.Equal(t, 2, dialer.count())
	stats := pool.Stats()
	require.Equal(t, int64(3), stats.Channels[0].ActiveCalls)
	require.Equal(t, int64(2), stats.Channels[1].ActiveCalls)

	close(release)
	callers.Wait()
	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	require.Equal(t, int64(0), pool.Stats().ActiveCalls())
}

func TestBindSpreadsSessionsAcrossChannels(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(_ context.Context, _ string, args, reply any) error {
			started <- struct{}{}
			<-release
			return echo(args, reply)
		}
	}
	pool := newTestPool(t, dialer, sessionRules(), WithMaxSize(3), WithMaxStreamsPerChannel(2))

	var callers sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		callers.Add(1)
		go func() {
			defer callers.Done()
			errs[i] = pool.Invoke(context.Background(), "/svc/CreateSession", session(fmt.Sprintf("s%d", i)), &apipb.Api{})
		}()
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("call %d never started", i)
		}
	}

	require.Equal(t, 3, dialer.count())
	inFlight := pool.Stats()
	require.Equal(t, 3, inFlight.PoolSize)
	for _, channel := range inFlight.Channels {
		require.Equal(t, int64(2), channel.ActiveCalls, "channel %d", channel.ID)
	}

	close(release)
	callers.Wait()
	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}

	settled := pool.Stats()
	require.Equal(t, int64(0), settled.ActiveCalls())
	require.Equal(t, 6, settled.BoundKeys)
	for _, channel := range settled.Channels {
		require.Equal(t, int64(2), channel.BoundKeys, "channel %d", channel.ID)
	}
}

func TestBoundRoutesToBoundChannel(t *testing.T) {
	t.Parallel()
	releases := map[int]chan struct{}{
		0: make(chan struct{}),
		1: make(chan struct{}),
	}
	started := make(chan int, 8)
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(_ context.Context, method string, args, reply any) error {
			if method == "/svc/Ping" {
				started <- transport.id
				<-releases[transport.id]
			}
			return echo(args, reply)
		}
	}
	pool := newTestPool(t, dialer, sessionRules(), WithMaxSize(2), WithMaxStreamsPerChannel(1))

	// Bind s1 to channel 0.
	require.NoError(t, pool.Invoke(context.Background(), "/svc/CreateSession", session("s1"), &apipb.Api{}))
	require.Equal(t, 1, pool.Stats().BoundKeys)

	// Saturate channel 0 and spill onto channel 1, then free channel 1 so
	// plain selection would prefer it.
	var callers sync.WaitGroup
	for i := 0; i < 2; i++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			_ = pool.Invoke(context.Background(), "/svc/Ping", session("x"), &apipb.Api{})
		}()
		<-started
	}
	close(releases[1])
	require.Eventually(t, func() bool {
		return pool.Stats().Channels[1].ActiveCalls == 0
	}, 5*time.Second, time.Millisecond)

	// The bound key still routes to the busier channel 0.
	require.NoError(t, pool.Invoke(context.Background(), "/svc/GetSession", session("s1"), &apipb.Api{}))
	require.Contains(t, dialer.transport(0).invokedMethods(), "/svc/GetSession")
	require.NotContains(t, dialer.transport(1).invokedMethods(), "/svc/GetSession")

	// An unknown key is not an error; it falls through to selection,
	// which picks the idle channel 1.
	require.NoError(t, pool.Invoke(context.Background(), "/svc/GetSession", session("never-bound"), &apipb.Api{}))
	require.Contains(t, dialer.transport(1).invokedMethods(), "/svc/GetSession")

	close(releases[0])
	callers.Wait()
}

func TestRebindAndUnbind(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, sessionRules(), WithMaxSize(1))
	ctx := context.Background()

	// Binding the same key twice bumps its reference count but counts the
	// key against the channel only once.
	require.NoError(t, pool.Invoke(ctx, "/svc/CreateSession", session("s1"), &apipb.Api{}))
	require.NoError(t, pool.Invoke(ctx, "/svc/CreateSession", session("s1"), &apipb.Api{}))
	stats := pool.Stats()
	require.Equal(t, 1, stats.BoundKeys)
	require.Equal(t, int64(1), stats.Channels[0].BoundKeys)
	pool.bindMu.Lock()
	require.Equal(t, 2, pool.bindings["s1"].count)
	pool.bindMu.Unlock()

	// The first unbind only drops a reference.
	require.NoError(t, pool.Invoke(ctx, "/svc/DeleteSession", session("s1"), &apipb.Api{}))
	require.Equal(t, 1, pool.Stats().BoundKeys)
	require.NotNil(t, pool.boundRef("s1"))

	// The second removes the binding and the channel's key count.
	require.NoError(t, pool.Invoke(ctx, "/svc/DeleteSession", session("s1"), &apipb.Api{}))
	settled := pool.Stats()
	require.Equal(t, 0, settled.BoundKeys)
	require.Equal(t, int64(0), settled.Channels[0].BoundKeys)
	require.Nil(t, pool.boundRef("s1"))

	// Unbinding a key that was never (or no longer is) bound is a no-op.
	require.NoError(t, pool.Invoke(ctx, "/svc/DeleteSession", session("s1"), &apipb.Api{}))
}

func TestFailedCallHasNoSideEffects(t *testing.T) {
	t.Parallel()
	callErr := status.Error(codes.Unavailable, "backend down")
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(context.Context, string, any, any) error {
			return callErr
		}
	}
	pool := newTestPool(t, dialer, sessionRules(), WithMaxSize(1))

	err := pool.Invoke(context.Background(), "/svc/CreateSession", session("s1"), &apipb.Api{})
	// Transport failures pass through to the caller untranslated.
	require.Equal(t, callErr, err)

	stats := pool.Stats()
	require.Equal(t, 0, stats.BoundKeys)
	require.Equal(t, int64(0), stats.ActiveCalls())
}

func TestBindingConflictPanics(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, nil, WithMaxSize(2), WithMaxStreamsPerChannel(1))
	ctx := context.Background()

	ref0, release0, err := pool.reserve(ctx, nil)
	require.NoError(t, err)
	ref1, release1, err := pool.reserve(ctx, nil)
	require.NoError(t, err)
	require.NotSame(t, ref0, ref1)

	pool.bindKey("k", ref0)
	require.Same(t, ref0, pool.boundRef("k"))
	require.Panics(t, func() {
		pool.bindKey("k", ref1)
	})

	release0()
	release1()
}

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(context.Context, string, any, any) error {
			<-release
			return nil
		}
	}
	pool := newTestPool(t, dialer, nil, WithMaxSize(3), WithMaxStreamsPerChannel(1))

	const callers = 32
	var group sync.WaitGroup
	errs := make([]error, callers)
	for i := range errs {
		group.Add(1)
		go func() {
			defer group.Done()
			errs[i] = pool.Invoke(context.Background(), "/svc/Ping", session("x"), &apipb.Api{})
		}()
	}
	require.Eventually(t, func() bool {
		return pool.Stats().ActiveCalls() == callers
	}, 5*time.Second, time.Millisecond)

	require.Equal(t, 3, dialer.count())
	require.Equal(t, 3, pool.Stats().PoolSize)

	close(release)
	group.Wait()
	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	require.Equal(t, int64(0), pool.Stats().ActiveCalls())
}

func TestCloseDrainsInFlightCalls(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	dialer := &fakeDialer{}
	dialer.configure = func(transport *fakeTransport) {
		transport.invoke = func(context.Context, string, any, any) error {
			started <- struct{}{}
			<-release
			return nil
		}
	}
	pool := newTestPool(t, dialer, nil)

	callDone := make(chan error, 1)
	go func() {
		callDone <- pool.Invoke(context.Background(), "/svc/Ping", session("x"), &apipb.Api{})
	}()
	<-started

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- pool.Close()
	}()

	// Close must wait for the in-flight call.
	select {
	case err := <-closeDone:
		t.Fatalf("Close returned before the call finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// But it already rejects new calls.
	err := pool.Invoke(context.Background(), "/svc/Ping", session("x"), &apipb.Api{})
	require.ErrorIs(t, err, ErrClosed)

	close(release)
	require.NoError(t, <-callDone)
	require.NoError(t, <-closeDone)
	require.True(t, dialer.transport(0).closed.Load())

	// Idempotent.
	require.NoError(t, pool.Close())
}

// readyFake layers readiness reporting on top of a fakeTransport.
type readyFake struct {
	*fakeTransport
	readyCalls atomic.Int32
}

func (r *readyFake) Ready(context.Context) error {
	r.readyCalls.Add(1)
	return nil
}

func TestWarmDialsMinSizeWithBackoff(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	dialer := &fakeDialer{failDials: 2}
	var readies []*readyFake
	var readiesMu sync.Mutex
	dialer.wrap = func(transport *fakeTransport) Transport {
		ready := &readyFake{fakeTransport: transport}
		readiesMu.Lock()
		readies = append(readies, ready)
		readiesMu.Unlock()
		return ready
	}
	pool := newTestPool(t, dialer, nil, WithMaxSize(4), WithMinSize(2), withClock(clock))

	warmDone := make(chan error, 1)
	go func() {
		warmDone <- pool.Warm(context.Background())
	}()

	// Each refused dial parks Warm on the backoff timer.
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(10 * time.Second)
	}

	require.NoError(t, <-warmDone)
	require.Equal(t, 2, dialer.count())
	require.Equal(t, 2, pool.Stats().PoolSize)
	readiesMu.Lock()
	defer readiesMu.Unlock()
	require.Len(t, readies, 2)
	for _, ready := range readies {
		require.Equal(t, int32(1), ready.readyCalls.Load())
	}
}

func TestWarmAfterClose(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, nil)
	require.NoError(t, pool.Close())
	require.ErrorIs(t, pool.Warm(context.Background()), ErrClosed)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New("")
	require.ErrorContains(t, err, "no target")

	dialer := &fakeDialer{}
	_, err = New("", WithDialer(dialer.dial), WithMaxSize(0))
	require.ErrorContains(t, err, "max size")

	_, err = New("", WithDialer(dialer.dial), WithMaxStreamsPerChannel(0))
	require.ErrorContains(t, err, "max streams")

	_, err = New("", WithDialer(dialer.dial), WithMinSize(11))
	require.ErrorContains(t, err, "min size")

	_, err = New("", WithDialer(dialer.dial), WithApiConfig(&ApiConfig{
		Method: []MethodConfig{{
			Name:     []string{"/svc/Get"},
			Affinity: &AffinityConfig{Command: "REBIND", AffinityKey: "name"},
		}},
	}))
	require.ErrorContains(t, err, "unknown command")
}
