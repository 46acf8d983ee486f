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

// Package grpcpool provides a transparent, affinity-aware channel pool for
// gRPC clients. A [Pool] looks like a single channel to callers — it
// implements [google.golang.org/grpc.ClientConnInterface], so generated
// stubs work on it unmodified — while internally it multiplexes calls over
// a bounded set of real channels. This lets many concurrent logical
// sessions share a few expensive connections, with both the number of
// channels and the number of in-flight calls per channel kept in check.
//
// Calls with no special routing needs go to the least-loaded channel, with
// new channels dialed only when every existing one is already at its
// stream watermark. Session-like workloads additionally declare, per
// method, how calls relate to an affinity key carried in their payloads:
// a BIND method pins the key from its response to the channel that served
// it, a BOUND method routes follow-up calls carrying that key back to the
// same channel, and an UNBIND method drops the pin. See the
// [github.com/muxlab/grpcpool/affinity] package for the rule semantics.
//
// A typical setup loads the declarative method configuration and hands the
// pool to a generated client:
//
//	config, err := grpcpool.LoadApiConfig("spanner.grpc.config")
//	if err != nil {
//		// handle err
//	}
//	pool, err := grpcpool.New(
//		"spanner.googleapis.com:443",
//		grpcpool.WithApiConfig(config),
//		grpcpool.WithDialOptions(grpc.WithTransportCredentials(creds)),
//	)
//	if err != nil {
//		// handle err
//	}
//	defer pool.Close()
//	client := spanner.NewSpannerClient(pool)
//
// The pool degrades gracefully rather than failing calls: an unknown
// affinity key falls through to ordinary selection, and a full, saturated
// pool over-subscribes its least-loaded channel. Transport errors pass
// through to the caller untouched and never disturb existing bindings.
package grpcpool
