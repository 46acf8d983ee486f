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
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/muxlab/grpcpool/affinity"
)

// NewStream implements [grpc.ClientConnInterface] for streaming calls.
//
// For methods whose rule consults the request key (BOUND and UNBIND), the
// real stream is not created until the first SendMsg, so the key can be
// read from the request message and steer channel selection. For all other
// methods the channel is selected here.
func (p *Pool) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	rule, hasRule := p.rules.Lookup(method)
	stream := &affinityStream{
		pool:    p,
		ctx:     ctx,
		desc:    desc,
		method:  method,
		opts:    opts,
		rule:    rule,
		hasRule: hasRule,
		done:    make(chan struct{}),
	}
	if hasRule && rule.Command != affinity.Bind {
		// Deferred start. Fail fast if the pool is already closed so the
		// caller does not discover it one message later.
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return stream, nil
	}
	if _, err := stream.ensureStarted(nil); err != nil {
		return nil, err
	}
	return stream, nil
}

// affinityStream is the pool's view of one streaming call. It brackets the
// serving channel's active-call count from stream creation until the first
// event that terminates the call (a send or receive error, end of stream,
// or context cancellation), and applies the method's affinity side effects:
// BIND when the first response message arrives, UNBIND when the stream ends
// cleanly.
type affinityStream struct {
	pool    *Pool
	ctx     context.Context
	desc    *grpc.StreamDesc
	method  string
	opts    []grpc.CallOption
	rule    affinity.Rule
	hasRule bool

	mu        sync.Mutex
	stream    grpc.ClientStream
	ref       *channelRef
	release   func()
	startErr  error
	unbindKey string
	didBind   bool

	finishOnce sync.Once
	done       chan struct{}
}

var _ grpc.ClientStream = (*affinityStream)(nil)

// ensureStarted creates the real stream if it does not exist yet. firstMsg
// is the request message about to be sent, when the caller has one; it is
// the source of the affinity key for deferred starts.
func (s *affinityStream) ensureStarted(firstMsg any) (grpc.ClientStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil && s.startErr == nil {
		s.startErr = s.startLocked(firstMsg)
	}
	return s.stream, s.startErr
}

// +checklocks:s.mu
func (s *affinityStream) startLocked(firstMsg any) error {
	var preferred *channelRef
	if s.hasRule && s.rule.Command != affinity.Bind && firstMsg != nil {
		if key, err := affinity.Key(firstMsg, s.rule.Key); err == nil {
			if s.rule.Command == affinity.Unbind {
				s.unbindKey = key
			}
			preferred = s.pool.boundRef(key)
		}
	}
	ref, release, err := s.pool.reserve(s.ctx, preferred)
	if err != nil {
		return err
	}
	stream, err := ref.transport.NewStream(s.ctx, s.desc, s.method, s.opts...)
	if err != nil {
		release()
		return err
	}
	s.ref = ref
	s.release = release
	s.stream = stream
	go s.watchContext()
	return nil
}

// watchContext guarantees the active-call decrement even when the caller
// cancels and walks away without touching the stream again.
func (s *affinityStream) watchContext() {
	select {
	case <-s.ctx.Done():
		s.finish(false)
	case <-s.done:
	}
}

// finish settles the call exactly once: it releases the channel's call
// slot and, when the stream terminated cleanly, applies a pending UNBIND.
// A call that failed or was cancelled has no affinity side effects.
func (s *affinityStream) finish(clean bool) {
	s.finishOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		release := s.release
		var unbind string
		if clean {
			unbind = s.unbindKey
		}
		s.mu.Unlock()
		if release != nil {
			release()
		}
		if unbind != "" {
			s.pool.unbindKey(unbind)
		}
	})
}

func (s *affinityStream) SendMsg(m any) error {
	stream, err := s.ensureStarted(m)
	if err != nil {
		s.finish(false)
		return err
	}
	if err := stream.SendMsg(m); err != nil {
		// io.EOF from a send means the stream is dead but says nothing
		// about the call's status, which only surfaces through RecvMsg.
		// Settlement is left to the receive path.
		if !errors.Is(err, io.EOF) {
			s.finish(false)
		}
		return err
	}
	return nil
}

func (s *affinityStream) RecvMsg(m any) error {
	stream, err := s.ensureStarted(nil)
	if err != nil {
		s.finish(false)
		return err
	}
	if err := stream.RecvMsg(m); err != nil {
		s.finish(errors.Is(err, io.EOF))
		return err
	}
	s.maybeBind(m)
	if !s.desc.ServerStreams {
		// Single-response streams never surface io.EOF to the caller;
		// a successful receive is the clean end of the call.
		s.finish(true)
	}
	return nil
}

// maybeBind applies a BIND rule using the first received response message.
func (s *affinityStream) maybeBind(m any) {
	if !s.hasRule || s.rule.Command != affinity.Bind {
		return
	}
	s.mu.Lock()
	ref := s.ref
	done := s.didBind
	s.didBind = true
	s.mu.Unlock()
	if done || ref == nil {
		return
	}
	if key, err := affinity.Key(m, s.rule.Key); err == nil {
		s.pool.bindKey(key, ref)
	}
}

// Header blocks for the server's header metadata, which requires the real
// stream to exist. On a deferred stream this selects a channel before any
// request key has been seen; callers that rely on key routing must send
// the first request before reading headers.
func (s *affinityStream) Header() (metadata.MD, error) {
	stream, err := s.ensureStarted(nil)
	if err != nil {
		s.finish(false)
		return nil, err
	}
	return stream.Header()
}

func (s *affinityStream) Trailer() metadata.MD {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Trailer()
}

func (s *affinityStream) CloseSend() error {
	stream, err := s.ensureStarted(nil)
	if err != nil {
		s.finish(false)
		return err
	}
	return stream.CloseSend()
}

func (s *affinityStream) Context() context.Context {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return s.ctx
	}
	return stream.Context()
}
