package introspect

import (
	"errors"
	"fmt"
)

// ErrNullInput is reported by Examine when the candidate interface reference
// is absent.
var ErrNullInput = errors.New("introspect: candidate interface must not be nil")

// ErrNotFound is reported by the method lookup operations (FindMethod,
// MethodByID) when the requested key does not resolve. It is a normal
// outcome of lookup, not a failure worth logging.
var ErrNotFound = errors.New("introspect: method not found")

// A MalformedInterfaceError reports that a candidate interface failed one of
// Examine's input-validation rules. It carries enough context to diagnose the
// violation without re-deriving it from the message text.
type MalformedInterfaceError struct {
	// Interface is the fully qualified name of the interface under
	// examination.
	Interface string

	// Method, if non-empty, names the offending method in the form rendered
	// by MethodDescriptor.SignatureString.
	Method string

	// Annotation, if non-empty, names the conflicting annotation
	// ("asynchronous", "idempotent", "responseTimeout").
	Annotation string

	// Reason is a short human-readable description of the violation.
	Reason string
}

func (e *MalformedInterfaceError) Error() string {
	switch {
	case e.Annotation != "":
		return fmt.Sprintf("malformed interface %s: method %s conflicts on annotation %q: %s",
			e.Interface, e.Method, e.Annotation, e.Reason)
	case e.Method != "":
		return fmt.Sprintf("malformed interface %s: method %s: %s", e.Interface, e.Method, e.Reason)
	default:
		return fmt.Sprintf("malformed interface %s: %s", e.Interface, e.Reason)
	}
}

// malformed is a constructor shorthand used throughout the package.
func malformed(iface, method, annotation, reason string) error {
	return &MalformedInterfaceError{Interface: iface, Method: method, Annotation: annotation, Reason: reason}
}
