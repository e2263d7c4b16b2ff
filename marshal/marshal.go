// Copyright (C) 2024 The Dirmi Authors.

// Package marshal provides adapters to the dirmi.Handler type for functions
// with other signatures, and a method-descriptor-driven argument encoder
// standing in for a full stub generator.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package marshal

import (
	"bytes"
	"context"
	"encoding"
	"encoding/gob"
	"fmt"

	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/introspect"
	"github.com/dirmigo/dirmi/packet"
	"github.com/dirmigo/dirmi/wire"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the
// handler, or nil if ctx has no associated request. The context passed to a
// handler returned by this package will have this value.
func ContextRequest(ctx context.Context) *dirmi.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*dirmi.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a dirmi.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) dirmi.Handler {
	return func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshalValue(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a dirmi.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) dirmi.Handler {
	return func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshalValue(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and
// returns an error with no result, to a dirmi.Handler.
func ParamError[P any](f func(context.Context, P) error) dirmi.Handler {
	return func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a dirmi.Handler.
func ResultError[R any](f func(context.Context) (R, error)) dirmi.Handler {
	return func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshalValue(r)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshalValue encodes v into data. The concrete type of v must be a []byte
// or string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result
// is nil without error.
func marshalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

// RemoteRef is implemented by an argument that stands in for a
// pass-by-reference remote value: a session-local object id, scoped to the
// namespace of the Identifier naming the remote interface it implements.
// Invoke consults it for every parameter whose descriptor classifies as
// introspect.Remote; it has no other use in this package.
type RemoteRef interface {
	ObjectID() uint64
}

// Invoke encodes args as the wire argument list for a call to the method
// described by desc, consulting each parameter's ParameterDescriptor to
// decide whether to gob-encode a value argument or to encode a remote
// reference as the wire form of the callee interface's Identifier plus a
// session-local object id. It is the thin stub-generation consumer of the
// Introspector's output; full code generation is out of scope.
func Invoke(desc *introspect.MethodDescriptor, args []any) ([]byte, error) {
	params := desc.Parameters()
	if len(args) != len(params) {
		return nil, fmt.Errorf("marshal: method %q takes %d arguments, got %d", desc.Name(), len(params), len(args))
	}

	var b packet.Builder
	for i, p := range params {
		enc, err := encodeArgument(p, args[i])
		if err != nil {
			return nil, fmt.Errorf("marshal: argument %d: %w", i+1, err)
		}
		b.VPut(enc)
	}
	return b.Bytes(), nil
}

// encodeArgument renders a single argument per its parameter's
// classification: a remote reference as the callee's Identifier wire form
// followed by the argument's session-local object id, or a value argument
// gob-encoded.
func encodeArgument(p *introspect.ParameterDescriptor, arg any) ([]byte, error) {
	if p.IsRemote() {
		ref, ok := arg.(RemoteRef)
		if !ok {
			return nil, fmt.Errorf("argument of type %T does not implement marshal.RemoteRef, want remote reference to %s", arg, p)
		}
		var b packet.Builder
		if err := wire.EncodeIdentifier(&b, p.RemoteType().ID()); err != nil {
			return nil, err
		}
		var oid [8]byte
		for i := range oid {
			oid[i] = byte(ref.ObjectID() >> (8 * (7 - i)))
		}
		b.Put(oid[:]...)
		return b.Bytes(), nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(arg); err != nil {
		return nil, fmt.Errorf("gob-encoding %T: %w", arg, err)
	}
	return buf.Bytes(), nil
}
