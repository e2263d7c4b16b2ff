// Copyright (C) 2024 The Dirmi Authors.

// Package catalog defines a mapping from mnemonic string names to
// introspect.Identifier values for use with a dirmi.Session.  Method names
// are not exchanged between sessions on the wire, but a Catalog can be
// encoded by a method handler and sent from one session to another in a
// request.
//
// # Usage
//
// Construct a catalog from a bound interface, which populates the catalog
// with one entry per method plus one entry for the interface itself:
//
//	cat := catalog.FromInterface(desc)
//
// To recover an assigned identifier, use Lookup:
//
//	id := cat.Lookup("Greeter.Greet")
//
// To associate a catalog with a specific session, use Bind. This creates a
// copy of the catalog sharing the same methods but a (possibly) different
// session:
//
//	cat2 := cat.Bind(s)
//
// On a session that implements these methods, use Handle:
//
//	cat.Bind(session1).
//	  Handle("Greeter.Greet", handleGreet)
//
// Note that Handle will panic if given a name not registered with the
// catalog.
//
// On a session that wants to call these methods, use Call:
//
//	rsp, err := cat.Bind(session2).Call(ctx, "Greeter.Greet", data)
//
// A Catalog provides a Handler method that can be bound to a session to
// send the catalog as a request payload:
//
//	// Add a method that serves the catalog.
//	cat = cat.Set("catalog", someID)
//
//	// Bind the catalog method to a session.
//	cat.Bind(session1).Handle("catalog", cat.Handler)
//
//	// Call the catalog from another session.
//	rsp, err := cat.Bind(session2).Call(ctx, "catalog", nil)
package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/introspect"
)

// A Catalog associates a session with a static mapping from method names to
// introspect.Identifier values for use with that session.
type Catalog struct {
	session *dirmi.Session
	methods map[string]introspect.Identifier
}

// New creates a new empty, unbound catalog to map names to identifiers.  It
// is safe to copy the resulting value, all copies share a reference to the
// same name to identifier mapping.
func New() Catalog { return Catalog{methods: make(map[string]introspect.Identifier)} }

// FromInterface constructs a catalog populated from the methods of desc.
// Each method is registered under "<interface name>.<method name>", and the
// interface itself is additionally registered under its bare name, mapped
// to its own identifier, so a session can resolve either a method or a
// whole interface by name.
func FromInterface(desc *introspect.InterfaceDescriptor) Catalog {
	c := New()
	c.Set(desc.Name(), desc.ID())
	for _, m := range desc.Methods() {
		c.Set(desc.Name()+"."+m.Name(), m.ID())
	}
	return c
}

// Set maps name to id in c, and returns c to allow chaining.  If name was
// already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it.  It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, id introspect.Identifier) Catalog {
	c.methods[name] = id
	return c
}

// Bind returns a copy of c bound to the specified session.
func (c Catalog) Bind(session *dirmi.Session) Catalog {
	return Catalog{session: session, methods: c.methods}
}

// Session returns the session associated with c, or nil if c is unbound.
func (c Catalog) Session() *dirmi.Session { return c.session }

// Lookup returns the identifier assigned to name, or the zero Identifier if
// name is not known to the catalog.
func (c Catalog) Lookup(name string) introspect.Identifier { return c.methods[name] }

// Call calls the method bound to name on the remote session.
// If name is not known in the catalog, Call uses the zero Identifier.
// Call will panic if c is not bound to a session.
func (c Catalog) Call(ctx context.Context, name string, data []byte) (*dirmi.Response, error) {
	return c.session.Call(ctx, c.methods[name], data)
}

// Exec calls the method bound to name on the local session.
// If name is not known in the catalog, Exec uses the zero Identifier.
// Exec will panic if c is not bound to a session.
func (c Catalog) Exec(ctx context.Context, name string, data []byte) ([]byte, error) {
	return c.session.Exec(ctx, c.methods[name], data)
}

// Handle binds the specified method to the session associated with c,
// and returns c to permit chaining.
// Handle will panic if c is not bound to a session, or if name is not a
// method name known by the catalog.
func (c Catalog) Handle(name string, handler dirmi.Handler) Catalog {
	id, ok := c.methods[name]
	if !ok {
		panic(fmt.Sprintf("method %q not known", name))
	}
	c.session.Handle(id, handler)
	return c
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the names of all defined methods
// in lexicographic order, followed by the corresponding identifiers in the
// reverse order of the names.
//
// Each name is encoded as a big-endian uint16 length followed by that many
// bytes of the name. Each identifier is encoded as its 8-byte binary form.
func (c Catalog) Encode() []byte {
	if len(c.methods) == 0 {
		return nil
	}
	const idLen = 8
	var nlen int
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
		nlen += 2 + len(name) // +2 for length tag
	}
	sort.Strings(names)
	buf := make([]byte, nlen+idLen*len(c.methods))
	npos, mpos := 0, len(buf)
	putName := func(s string) {
		binary.BigEndian.PutUint16(buf[npos:], uint16(len(s)))
		npos += 2
		npos += copy(buf[npos:], s)
	}
	putMethod := func(id introspect.Identifier) {
		mpos -= idLen
		data, _ := id.MarshalBinary()
		copy(buf[mpos:], data)
	}

	for _, name := range names {
		putName(name)
		putMethod(c.methods[name])
	}
	return buf
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	const idLen = 8
	if c.methods == nil {
		c.methods = make(map[string]introspect.Identifier)
	} else {
		clear(c.methods)
	}
	npos, mpos := 0, len(data)
	for {
		if npos+2 > len(data) || npos > mpos {
			return fmt.Errorf("truncated catalog at offset %d", npos)
		} else if npos == mpos {
			break
		}

		nlen := int(binary.BigEndian.Uint16(data[npos:]))
		npos += 2
		if npos+nlen > len(data) {
			return fmt.Errorf("truncated name at offset %d", npos)
		}

		mpos -= idLen
		if mpos < npos+nlen {
			return fmt.Errorf("truncated identifier at offset %d", mpos)
		}
		var id introspect.Identifier
		if err := id.UnmarshalBinary(data[mpos : mpos+idLen]); err != nil {
			return fmt.Errorf("decoding identifier at offset %d: %w", mpos, err)
		}

		c.methods[string(data[npos:npos+nlen])] = id
		npos += nlen
	}
	return nil
}

// Handler is a Handler that reports the contents of the catalog.
func (c Catalog) Handler(_ context.Context, _ *dirmi.Request) ([]byte, error) {
	return c.Encode(), nil
}
