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

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// Transport is one physical channel to the remote service. The pool treats
// it as opaque: it routes calls onto it and eventually closes it. The
// default transport is a [*grpc.ClientConn]; tests and embedders may supply
// their own via [WithDialer].
type Transport interface {
	grpc.ClientConnInterface
	// Close tears down the channel and releases its resources.
	Close() error
}

// DialFunc constructs one new transport channel. The pool invokes it while
// holding internal locks, so implementations should not block; deferring
// actual connection establishment to the first call (as [grpc.NewClient]
// does) is the expected behavior. The context is that of the call which
// triggered pool growth.
type DialFunc func(ctx context.Context) (Transport, error)

// readier is implemented by transports that can actively establish their
// underlying connection ahead of the first call. [Pool.Warm] uses it when
// available.
type readier interface {
	Ready(ctx context.Context) error
}

// grpcTransport adapts a [*grpc.ClientConn] to the Transport interface and
// adds readiness reporting on top of its connectivity states.
type grpcTransport struct {
	*grpc.ClientConn
}

var (
	_ Transport = grpcTransport{}
	_ readier   = grpcTransport{}
)

// Ready drives the connection towards the READY state and blocks until it
// gets there, the connection is shut down, or ctx is done.
func (t grpcTransport) Ready(ctx context.Context) error {
	for {
		state := t.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpcpool: channel shut down while connecting")
		case connectivity.Idle:
			t.Connect()
		case connectivity.Connecting, connectivity.TransientFailure:
		}
		if !t.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func defaultDialer(target string, dialOpts ...grpc.DialOption) DialFunc {
	return func(context.Context) (Transport, error) {
		clientConn, err := grpc.NewClient(target, dialOpts...)
		if err != nil {
			return nil, err
		}
		return grpcTransport{clientConn}, nil
	}
}
