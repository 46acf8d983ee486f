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

// Package affinity describes how individual RPC methods relate to affinity
// keys. An affinity key is an opaque string naming a logical resource, such
// as a database session, that should always be routed to the same underlying
// channel once it has been seen. A [Rule] declares, per fully-qualified
// method name, whether a call creates a binding (Bind), removes one (Unbind),
// or merely consults one (Bound), and which field of the request or response
// message carries the key.
package affinity

import (
	"fmt"
	"sort"
)

// Command determines what a call does to the affinity binding for the key
// carried in its payload.
type Command int

const (
	// Bound routes the call to the channel already bound to the key found
	// in the request message. It never creates or removes a binding. If the
	// key has no binding, the call is routed by ordinary channel selection.
	Bound Command = iota
	// Bind extracts a key from the response message of a successful call
	// and binds it to the channel that served the call. Binding an
	// already-bound key again increments its reference count.
	Bind
	// Unbind extracts a key from the request message and, after the call
	// succeeds, decrements the key's reference count, removing the binding
	// entirely when the count reaches zero.
	Unbind
)

func (c Command) String() string {
	switch c {
	case Bound:
		return "BOUND"
	case Bind:
		return "BIND"
	case Unbind:
		return "UNBIND"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ParseCommand converts the wire spelling of a command ("BOUND", "BIND",
// "UNBIND") into a Command.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "BOUND":
		return Bound, nil
	case "BIND":
		return Bind, nil
	case "UNBIND":
		return Unbind, nil
	default:
		return 0, fmt.Errorf("affinity: unknown command %q", s)
	}
}

// Rule associates one RPC method with an affinity command and the path of
// the message field that carries the key.
type Rule struct {
	// Method is the fully-qualified method name, e.g.
	// "/google.spanner.v1.Spanner/CreateSession".
	Method string
	// Command says whether calls to Method create, remove, or consult a
	// binding.
	Command Command
	// Key is a dot-separated field path resolved against the request
	// message (for Bound and Unbind) or the response message (for Bind).
	// Path segments name singular fields; a decimal segment indexes into
	// a repeated field. The field at the end of the path must be a string.
	Key string
}

// Table is an immutable set of rules, at most one per method. Methods with
// no rule have no affinity behavior at all.
type Table struct {
	rules map[string]Rule
}

// NewTable builds a Table from the given rules. It returns an error if two
// rules name the same method or if a rule is missing its method or key path.
func NewTable(rules ...Rule) (*Table, error) {
	index := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		if rule.Method == "" {
			return nil, fmt.Errorf("affinity: rule with empty method name")
		}
		if rule.Key == "" {
			return nil, fmt.Errorf("affinity: rule for %s has no key path", rule.Method)
		}
		if _, ok := index[rule.Method]; ok {
			return nil, fmt.Errorf("affinity: duplicate rule for method %s", rule.Method)
		}
		index[rule.Method] = rule
	}
	return &Table{rules: index}, nil
}

// Lookup returns the rule for the given fully-qualified method name, if any.
func (t *Table) Lookup(method string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	rule, ok := t.rules[method]
	return rule, ok
}

// Len returns the number of rules in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Methods returns the method names covered by the table, sorted.
func (t *Table) Methods() []string {
	if t == nil {
		return nil
	}
	methods := make([]string, 0, len(t.rules))
	for method := range t.rules {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}
