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

package affinity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ErrKeyNotFound indicates that a key path did not resolve to a non-empty
// string field of a message. Callers treat it as "this call carries no
// affinity key"; it is never a call failure.
var ErrKeyNotFound = errors.New("affinity key not found")

// Key resolves path against an arbitrary call payload. Payloads that are not
// protobuf messages never carry affinity keys.
func Key(payload any, path string) (string, error) {
	msg, ok := payload.(proto.Message)
	if !ok {
		return "", notFoundf(path, "payload of type %T is not a protobuf message", payload)
	}
	return MessageKey(msg, path)
}

// MessageKey resolves a dot-separated field path against a protobuf message
// and returns the string it points at. Intermediate segments name singular
// message fields; a decimal segment indexes into a repeated field. The final
// segment must name a string field holding a non-empty value; anything else
// resolves to ErrKeyNotFound. An empty string is deliberately not a key:
// binding it would glue every call with an unset field to one channel.
func MessageKey(msg proto.Message, path string) (string, error) {
	if msg == nil {
		return "", notFoundf(path, "nil message")
	}
	if path == "" {
		return "", notFoundf(path, "empty path")
	}
	cur := msg.ProtoReflect()
	segments := strings.Split(path, ".")
	for i := 0; i < len(segments); i++ {
		name := segments[i]
		field := cur.Descriptor().Fields().ByName(protoreflect.Name(name))
		if field == nil {
			return "", notFoundf(path, "message %s has no field %q", cur.Descriptor().FullName(), name)
		}
		if field.IsMap() {
			return "", notFoundf(path, "field %q is a map", name)
		}
		if field.IsList() {
			list := cur.Get(field).List()
			i++
			if i == len(segments) {
				return "", notFoundf(path, "path ends at repeated field %q", name)
			}
			index, err := strconv.Atoi(segments[i])
			if err != nil {
				return "", notFoundf(path, "segment %q does not index repeated field %q", segments[i], name)
			}
			if index < 0 || index >= list.Len() {
				return "", notFoundf(path, "index %d out of range for field %q (len %d)", index, name, list.Len())
			}
			if field.Kind() == protoreflect.MessageKind || field.Kind() == protoreflect.GroupKind {
				if i == len(segments)-1 {
					return "", notFoundf(path, "path ends at message field %q", name)
				}
				cur = list.Get(index).Message()
				continue
			}
			if i != len(segments)-1 {
				return "", notFoundf(path, "cannot descend into scalar field %q", name)
			}
			return stringLeaf(path, field, list.Get(index))
		}
		last := i == len(segments)-1
		if field.Kind() == protoreflect.MessageKind || field.Kind() == protoreflect.GroupKind {
			if last {
				return "", notFoundf(path, "path ends at message field %q", name)
			}
			if !cur.Has(field) {
				return "", notFoundf(path, "message field %q is not set", name)
			}
			cur = cur.Get(field).Message()
			continue
		}
		if !last {
			return "", notFoundf(path, "cannot descend into scalar field %q", name)
		}
		return stringLeaf(path, field, cur.Get(field))
	}
	// Unreachable: the loop always returns on the final segment.
	return "", notFoundf(path, "path did not terminate")
}

func stringLeaf(path string, field protoreflect.FieldDescriptor, value protoreflect.Value) (string, error) {
	if field.Kind() != protoreflect.StringKind {
		return "", notFoundf(path, "field %q is %v, not a string", field.Name(), field.Kind())
	}
	key := value.String()
	if key == "" {
		return "", notFoundf(path, "field %q is empty", field.Name())
	}
	return key, nil
}

func notFoundf(path, format string, args ...any) error {
	return fmt.Errorf("affinity: path %q: %s: %w", path, fmt.Sprintf(format, args...), ErrKeyNotFound)
}
