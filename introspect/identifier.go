// Copyright (C) 2024 The Dirmi Authors.

// Package introspect examines a remote interface and produces a canonical,
// cached, stably-identified metadata model describing its methods, used by
// both ends of a session to generate stubs, validate wire compatibility, and
// route invocations by compact method identifiers.
package introspect

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// idCounter is the process-wide source of fresh Identifier values. Zero is
// reserved to mean "no identifier", so the first issued value is 1.
var idCounter atomic.Uint64

// An Identifier is an opaque, process-local, comparable handle naming an
// InterfaceDescriptor or MethodDescriptor. Two Identifiers compare equal iff
// they were produced by the same call to newIdentifier, which happens exactly
// once per introspection of a given interface or method — repeated
// introspection of the same source, returned from the cache, carries the same
// Identifier forward.
//
// The zero Identifier is never assigned to a descriptor; it is only returned
// by lookups that find nothing.
type Identifier struct {
	n uint64
}

// newIdentifier returns a fresh Identifier, distinct from every other
// Identifier issued during the life of the process.
func newIdentifier() Identifier {
	return Identifier{n: idCounter.Add(1)}
}

// NewCapability returns a fresh Identifier drawn from the same counter as
// interface and method descriptors, but not associated with any
// InterfaceDescriptor or MethodDescriptor. It is meant for callers that need
// a single-use, collision-proof method key of their own minting — for
// example, a streaming call registering a private callback route for the
// lifetime of one invocation — without going through introspection at all.
func NewCapability() Identifier { return newIdentifier() }

// IsZero reports whether id is the zero Identifier.
func (id Identifier) IsZero() bool { return id.n == 0 }

// String renders id in a short debugging form.
func (id Identifier) String() string { return fmt.Sprintf("ID:%x", id.n) }

// identifierWireLen is the length in bytes of an Identifier's wire form.
const identifierWireLen = 8

// MarshalBinary encodes id as an opaque 8-byte big-endian counter value. It
// implements encoding.BinaryMarshaler.
func (id Identifier) MarshalBinary() ([]byte, error) {
	buf := make([]byte, identifierWireLen)
	binary.BigEndian.PutUint64(buf, id.n)
	return buf, nil
}

// UnmarshalBinary decodes data into id. It implements
// encoding.BinaryUnmarshaler.
//
// Identifier equality after a round trip is preserved only within the
// session namespace that produced it: an Identifier decoded from the wire is
// a plain value carrying the same counter bits, but it was not issued by
// newIdentifier in this process, so it must not be compared against live
// descriptors from this process's cache for anything but wire-level routing.
func (id *Identifier) UnmarshalBinary(data []byte) error {
	if len(data) != identifierWireLen {
		return fmt.Errorf("invalid identifier wire form (%d bytes, want %d)", len(data), identifierWireLen)
	}
	id.n = binary.BigEndian.Uint64(data)
	return nil
}
