// Copyright (C) 2024 The Dirmi Authors.

package packet

import "fmt"

// An Encoder is a value that supports being appended to a Builder.
type Encoder interface {
	Encode(b *Builder)
}

// A Decoder is a value that supports being decoded from binary form.
type Decoder interface {
	// Decode decodes into the receiver from a prefix of buf, and returns the
	// number of bytes consumed. If there is no valid encoding at the front of
	// buf, Decode returns -1.
	Decode(buf []byte) int
}

// Bytes is a length-prefixed byte string, encoded as a Vint30 length
// followed by that many bytes.
type Bytes []byte

// Encode implements the Encoder interface.
func (b Bytes) Encode(w *Builder) { w.VPut(b) }

// Decode implements the Decoder interface.
func (b *Bytes) Decode(buf []byte) int {
	s := NewScanner(buf)
	v, err := VGet[[]byte](s)
	if err != nil {
		return -1
	}
	*b = v
	return s.Offset()
}

// Literal is a fixed string whose encoding is its raw bytes with no length
// prefix. Decoding succeeds only if the head of the input matches the
// literal exactly, which makes Literal useful for framing tags such as a
// protocol magic number.
type Literal string

// Encode implements the Encoder interface.
func (s Literal) Encode(w *Builder) { w.PutString(string(s)) }

// Decode implements the Decoder interface.
func (s Literal) Decode(buf []byte) int {
	if len(buf) < len(s) || string(buf[:len(s)]) != string(s) {
		return -1
	}
	return len(s)
}

// Bool is a single-byte Boolean value (0 is false, nonzero is true).
type Bool bool

// Encode implements the Encoder interface.
func (b Bool) Encode(w *Builder) { w.Bool(bool(b)) }

// Decode implements the Decoder interface.
func (b *Bool) Decode(buf []byte) int {
	if len(buf) == 0 {
		return -1
	}
	*b = buf[0] != 0
	return 1
}

// Raw is a fixed-width byte string with no length prefix: decoding fills
// exactly len(*r) bytes, and the caller must know that width from context
// (for example, from a type's own wire-length constant).
type Raw []byte

// Encode implements the Encoder interface.
func (r Raw) Encode(w *Builder) { w.Put(r...) }

// Decode implements the Decoder interface. Decoding succeeds if buf is at
// least as long as *r, and in that case copies those bytes into r.
func (r *Raw) Decode(buf []byte) int {
	if len(buf) < len(*r) {
		return -1
	}
	copy(*r, buf)
	return len(*r)
}

// FixedBytes is Raw under a name that reads naturally at call sites that
// encode a fixed-width identifier rather than an arbitrary byte string.
type FixedBytes = Raw

// Slice concatenates the encodings of its elements with no count or length
// prefix of its own; the caller frames the element count separately (for
// example, with a leading Vint30) when the count is not already implied by
// context.
type Slice[T Encoder] []T

// Encode implements the Encoder interface.
func (s Slice[T]) Encode(w *Builder) {
	for _, v := range s {
		v.Encode(w)
	}
}

// Decode implements the Decoder interface.
func (v *Vint30) Decode(buf []byte) int {
	s := NewScanner(buf)
	n, err := s.Vint30()
	if err != nil {
		return -1
	}
	*v = Vint30(n)
	return s.Offset()
}

// Parse parses buf into the specified decoder values, returning the total
// number of bytes consumed.
func Parse(buf []byte, into ...Decoder) (int, error) {
	var nr int
	cur := buf
	for i, dec := range into {
		nb := dec.Decode(cur)
		if nb < 0 {
			return nr, fmt.Errorf("arg %d: invalid %T", i+1, dec)
		}
		nr += nb
		cur = cur[nb:]
	}
	return nr, nil
}
