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

import "sync/atomic"

// channelRef wraps one transport channel together with the counters that
// drive channel selection. Counters are atomics: a call's increment happens
// on the dispatching goroutine and its decrement on whichever goroutine
// observes completion.
type channelRef struct {
	// id is the channel's index in the pool, assigned at creation and
	// stable for the life of the pool.
	id        int
	transport Transport

	// active is the number of calls currently in flight on this channel.
	active atomic.Int64
	// bound is the number of distinct affinity keys currently bound to
	// this channel. It counts keys, not references: re-binding an
	// already-bound key does not change it.
	bound atomic.Int64
}

func (r *channelRef) activeCalls() int64 { return r.active.Load() }

func (r *channelRef) boundKeys() int64 { return r.bound.Load() }
