package introspect

import "strings"

// A MethodDescriptor describes one remote method of an InterfaceDescriptor:
// its name, return type, parameters, declared exceptions, and behavioral
// flags. A MethodDescriptor is immutable once the InterfaceDescriptor that
// owns it has finished resolving.
type MethodDescriptor struct {
	id         Identifier
	name       string
	returnType *ParameterDescriptor // nil == void
	parameters []*ParameterDescriptor
	exceptions []*ParameterDescriptor // first-seen order, deduplicated

	asynchronous bool
	idempotent   bool
	// responseTimeoutMillis is -1 for unset/infinite.
	responseTimeoutMillis int64
}

// ID returns the method's stable Identifier.
func (m *MethodDescriptor) ID() Identifier { return m.id }

// Name returns the method's simple name.
func (m *MethodDescriptor) Name() string { return m.name }

// ReturnType returns the method's return descriptor, or nil for void.
func (m *MethodDescriptor) ReturnType() *ParameterDescriptor { return m.returnType }

// Parameters returns the method's parameter descriptors in declaration
// order. The caller must not modify the returned slice.
func (m *MethodDescriptor) Parameters() []*ParameterDescriptor { return m.parameters }

// Exceptions returns the method's declared exception descriptors. The
// caller must not modify the returned slice.
func (m *MethodDescriptor) Exceptions() []*ParameterDescriptor { return m.exceptions }

// Asynchronous reports whether the method returns no value to the caller.
func (m *MethodDescriptor) Asynchronous() bool { return m.asynchronous }

// Idempotent reports whether the caller may retransmit the call on transport
// failure.
func (m *MethodDescriptor) Idempotent() bool { return m.idempotent }

// ResponseTimeoutMillis returns the millisecond bound on awaiting a
// response, or -1 if none is set.
func (m *MethodDescriptor) ResponseTimeoutMillis() int64 { return m.responseTimeoutMillis }

// DeclaresException reports whether some exception type declared by m is a
// supertype of (or equal to) exc's serialized type.
func (m *MethodDescriptor) DeclaresException(exc *ParameterDescriptor) bool {
	if exc == nil || exc.serializedType == nil {
		return false
	}
	for _, declared := range m.exceptions {
		if declared.serializedType == nil {
			continue
		}
		if isSupertypeOrEqual(declared.serializedType, exc.serializedType) {
			return true
		}
	}
	return false
}

// SignatureString renders m as "<return> [class.]name(param, …) throws exc, …".
// className is optional; pass "" to omit the qualifier.
func (m *MethodDescriptor) SignatureString(className string) string {
	var b strings.Builder
	if m.returnType == nil {
		b.WriteString("void")
	} else {
		b.WriteString(m.returnType.String())
	}
	b.WriteByte(' ')
	if className != "" {
		b.WriteString(className)
		b.WriteByte('.')
	}
	b.WriteString(m.name)
	b.WriteByte('(')
	for i, p := range m.parameters {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	if len(m.exceptions) > 0 {
		b.WriteString(" throws ")
		for i, e := range m.exceptions {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.String())
		}
	}
	return b.String()
}

// structurallyEqual reports whether m and other have the same name,
// parameter list, return type, and behavioral flags — used by the merge
// algorithm to decide whether two overrides need reconciling at all.
// Exception sets are deliberately excluded: they are always intersected by
// the merge algorithm regardless of whether the rest of the signature
// matches.
func (m *MethodDescriptor) structurallyEqual(other *MethodDescriptor) bool {
	if m.name != other.name || m.asynchronous != other.asynchronous ||
		m.idempotent != other.idempotent || m.responseTimeoutMillis != other.responseTimeoutMillis {
		return false
	}
	if len(m.parameters) != len(other.parameters) {
		return false
	}
	for i, p := range m.parameters {
		if p != other.parameters[i] {
			return false
		}
	}
	return m.returnType == other.returnType
}

// intersectExceptions returns a MethodDescriptor identical to m except for
// its exceptions field, which holds the mutual intersection of m's and
// other's declared exceptions: an exception E is kept if each side declares
// E or a supertype of E. It reports a MalformedInterfaceError if m and other
// disagree on any behavioral flag — that disagreement is a user error, not
// an internal inconsistency, because it means two parent interfaces gave the
// same inherited method incompatible annotations.
func (m *MethodDescriptor) intersectExceptions(other *MethodDescriptor, ifaceName string) (*MethodDescriptor, error) {
	if m.idempotent != other.idempotent {
		return nil, malformed(ifaceName, m.SignatureString(""), "idempotent",
			"inherited methods conflict in use of the idempotent annotation")
	}
	if m.asynchronous != other.asynchronous {
		return nil, malformed(ifaceName, m.SignatureString(""), "asynchronous",
			"inherited methods conflict in use of the asynchronous annotation")
	}
	if m.responseTimeoutMillis != other.responseTimeoutMillis {
		return nil, malformed(ifaceName, m.SignatureString(""), "responseTimeout",
			"inherited methods conflict in use of the responseTimeout annotation")
	}

	var kept []*ParameterDescriptor
	seen := make(map[*ParameterDescriptor]bool)
	consider := func(e *ParameterDescriptor) {
		if seen[e] {
			return
		}
		if m.DeclaresException(e) && other.DeclaresException(e) {
			seen[e] = true
			kept = append(kept, e)
		}
	}
	for _, e := range m.exceptions {
		consider(e)
	}
	for _, e := range other.exceptions {
		consider(e)
	}

	merged := *m
	merged.exceptions = kept
	return &merged, nil
}
