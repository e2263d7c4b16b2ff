package introspect

import "reflect"

// Kind classifies how a ParameterDescriptor's value crosses the wire.
type Kind byte

const (
	// Value parameters are serialized by copying their contents.
	Value Kind = iota
	// Remote parameters carry a reference to a remote object, dispatched
	// through the InterfaceDescriptor named by RemoteType.
	Remote
)

func (k Kind) String() string {
	switch k {
	case Value:
		return "Value"
	case Remote:
		return "Remote"
	default:
		return "Kind(?)"
	}
}

// A ParameterDescriptor describes the type of a single method parameter,
// return value, or declared exception. Instances are immutable once
// constructed and are canonicalized: two descriptors with equal fields are
// always the same Go pointer, returned from a Context's parameter interner.
//
// Exactly one of SerializedType or RemoteType is populated, depending on
// Kind.
type ParameterDescriptor struct {
	kind           Kind
	serializedType reflect.Type         // non-nil iff kind == Value
	remoteType     *InterfaceDescriptor // non-nil iff kind == Remote
	dimensions     int                  // array rank, >= 0
	unshared       bool

	ctx *Context // owning context, for WithUnshared
}

// IsRemote reports whether p describes a pass-by-reference remote value.
func (p *ParameterDescriptor) IsRemote() bool { return p.kind == Remote }

// Kind returns p's classification.
func (p *ParameterDescriptor) Kind() Kind { return p.kind }

// RemoteType returns the InterfaceDescriptor p refers to, or nil if
// !p.IsRemote().
func (p *ParameterDescriptor) RemoteType() *InterfaceDescriptor { return p.remoteType }

// SerializedType returns the value type p carries, or nil if p.IsRemote().
// For array parameters this is the element type; see ArrayRank for the rank.
func (p *ParameterDescriptor) SerializedType() reflect.Type { return p.serializedType }

// ArrayRank returns the number of array dimensions wrapping p's type. Zero
// means p is not an array.
func (p *ParameterDescriptor) ArrayRank() int { return p.dimensions }

// IsUnshared reports whether p will be serialized without reference-sharing
// tracking.
func (p *ParameterDescriptor) IsUnshared() bool { return p.unshared }

// WithUnshared returns the canonical ParameterDescriptor identical to p
// except for its unshared flag.
func (p *ParameterDescriptor) WithUnshared(unshared bool) *ParameterDescriptor {
	if p.unshared == unshared {
		return p
	}
	return p.ctx.intern(parameterKey{
		kind:           p.kind,
		serializedType: p.serializedType,
		remoteType:     p.remoteType,
		dimensions:     p.dimensions,
		unshared:       unshared,
	})
}

// String renders a human-readable type name for p, used in method signature
// rendering.
func (p *ParameterDescriptor) String() string {
	name := "?"
	switch {
	case p.remoteType != nil:
		name = p.remoteType.Name()
	case p.serializedType != nil:
		name = p.serializedType.String()
	}
	for i := 0; i < p.dimensions; i++ {
		name += "[]"
	}
	return name
}

// parameterKey is the comparable struct used to canonicalize
// ParameterDescriptor instances. It uses the InterfaceDescriptor pointer
// rather than its Identifier because InterfaceDescriptors are themselves
// canonical per Context: at most one live instance exists for any source
// interface, so pointer identity and Identifier equality coincide.
type parameterKey struct {
	kind           Kind
	serializedType reflect.Type
	remoteType     *InterfaceDescriptor
	dimensions     int
	unshared       bool
}

// isPrimitiveLike reports whether t is a Go primitive or a string — the
// element types for which Dirmi's provisional unshared flag starts true.
// Callers pass element types with array dimensions already stripped (see
// stripDims); an array or slice type itself reports false. Go has no
// boxed-primitive wrapper distinct from the primitive itself, so that leg of
// the original classification collapses into this one.
func isPrimitiveLike(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return true
	default:
		return false
	}
}
