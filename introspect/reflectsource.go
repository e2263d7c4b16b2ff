package introspect

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
)

// Remote is the marker interface every remote interface must transitively
// embed, playing the role java.rmi.Remote plays in the original design.
// Because its method is unexported, only this package can declare that
// method; other packages satisfy it by embedding introspect.Remote in their
// own interface declarations.
type Remote interface {
	remoteMarker()
}

// remoteMarkerType is Remote's reflect.Type, used to test whether a
// candidate interface (or a parameter's interface type) transitively
// extends it.
var remoteMarkerType = reflect.TypeOf((*Remote)(nil)).Elem()

// RemoteFailure is the standard transport-failure type every remote method
// must declare, directly or via a registered supertype. It plays the role
// java.rmi.RemoteException plays in the original design.
type RemoteFailure struct {
	// Err is the underlying transport error, if any.
	Err error
}

func (e *RemoteFailure) Error() string {
	if e.Err != nil {
		return "remote failure: " + e.Err.Error()
	}
	return "remote failure"
}

func (e *RemoteFailure) Unwrap() error { return e.Err }

// remoteFailureType is RemoteFailure's reflect.Type, as a pointer (the type
// that actually implements error).
var remoteFailureType = reflect.TypeOf((*RemoteFailure)(nil))

// errorType is the reflect.Type of the builtin error interface.
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Annotations carries the behavioral flags recognized on an input method, as
// described in spec §6.
type Annotations struct {
	Asynchronous          bool
	Idempotent            bool
	ResponseTimeoutMillis int64 // -1 means unset/infinite
}

// An Annotator supplies the behavioral annotations for a method, abstracting
// the annotation surface away from Go's runtime reflection so introspection
// can be driven by other sources (for example, a schema file) implementing
// the same interface.
type Annotator interface {
	Annotate(m reflect.Method) Annotations
}

// AnnotatorFunc adapts a function to the Annotator interface.
type AnnotatorFunc func(reflect.Method) Annotations

func (f AnnotatorFunc) Annotate(m reflect.Method) Annotations { return f(m) }

// MapAnnotator supplies annotations keyed by method name. Methods with no
// entry default to all flags false and an unset response timeout.
type MapAnnotator map[string]Annotations

func (m MapAnnotator) Annotate(meth reflect.Method) Annotations {
	if a, ok := m[meth.Name]; ok {
		return a
	}
	return Annotations{ResponseTimeoutMillis: -1}
}

// DefaultAnnotator is used when resolve recursively examines a referenced
// remote type that the caller has not already introspected explicitly. A
// type that has already been cached — including the common case of a
// self-referential interface — is unaffected by this, since the cache is
// checked before the annotator is ever consulted.
var DefaultAnnotator Annotator = MapAnnotator{}

// An ExceptionAnnotator supplies the declared exception types for a method,
// overriding the default single-RemoteFailure inference. Each returned type
// must implement error. An Annotator may optionally implement this
// interface; if it does not, every method is assumed to declare exactly
// RemoteFailure.
type ExceptionAnnotator interface {
	Exceptions(m reflect.Method) []reflect.Type
}

var supertypesMu sync.Mutex
var supertypes = map[reflect.Type][]reflect.Type{} // sub -> direct supers

// RegisterSupertype records that every value of type sub is also considered
// an instance of super for the purposes of exception-set comparison
// (MethodDescriptor.DeclaresException). Both types must implement error.
// This is the Go substitute for Java's class hierarchy, which the original
// design relies on via Class.isAssignableFrom.
func RegisterSupertype(sub, super reflect.Type) {
	supertypesMu.Lock()
	defer supertypesMu.Unlock()
	supertypes[sub] = append(supertypes[sub], super)
}

// isSupertypeOrEqual reports whether every value of type t is also an
// instance of candidateSuper: either they're the same type, candidateSuper
// is an interface t implements, or a RegisterSupertype chain connects t to
// candidateSuper.
func isSupertypeOrEqual(candidateSuper, t reflect.Type) bool {
	if candidateSuper == t {
		return true
	}
	if candidateSuper.Kind() == reflect.Interface && t.Implements(candidateSuper) {
		return true
	}
	seen := map[reflect.Type]bool{t: true}
	queue := []reflect.Type{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		supertypesMu.Lock()
		supers := append([]reflect.Type(nil), supertypes[cur]...)
		supertypesMu.Unlock()
		for _, s := range supers {
			if s == candidateSuper {
				return true
			}
			if !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	return false
}

// isRemoteMarked reports whether t transitively extends Remote.
func isRemoteMarked(t reflect.Type) bool {
	return t.Kind() == reflect.Interface && t != remoteMarkerType && t.Implements(remoteMarkerType)
}

// qualifiedName renders t's fully qualified textual name.
func qualifiedName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// stripDims peels off slice/array wrapping from t, returning the element
// type and the number of dimensions peeled — Go's nearest analogue to the
// original design's array rank.
func stripDims(t reflect.Type) (reflect.Type, int) {
	dims := 0
	for t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = t.Elem()
		dims++
	}
	return t, dims
}

// rawKeyString and paramKeyString produce the same textual form for
// equivalent types, so that a method signature computed from raw reflect
// types (before resolve has decided Value vs Remote) can be compared against
// one computed from already-resolved ParameterDescriptors, as supplied by an
// already-introspected parent interface.
func rawKeyString(t reflect.Type) string {
	elem, dims := stripDims(t)
	suffix := strings.Repeat("[]", dims)
	if isRemoteMarked(elem) {
		return "R:" + qualifiedName(elem) + suffix
	}
	return "V:" + elem.String() + suffix
}

func paramKeyString(p *ParameterDescriptor) string {
	if p == nil {
		return "void"
	}
	suffix := strings.Repeat("[]", p.dimensions)
	if p.kind == Remote {
		return "R:" + p.remoteType.Name() + suffix
	}
	return "V:" + p.serializedType.String() + suffix
}

func methodSigKey(name string, paramKeys []string, retKey string) string {
	return name + "|" + strings.Join(paramKeys, ",") + "|" + retKey
}

func methodSigKeyForRaw(rm reflect.Method) (string, []reflect.Type, reflect.Type) {
	ft := rm.Type
	paramTypes := make([]reflect.Type, ft.NumIn())
	for i := range paramTypes {
		paramTypes[i] = ft.In(i)
	}
	var retType reflect.Type
	if ft.NumOut() == 2 {
		retType = ft.Out(0)
	}
	paramKeys := make([]string, len(paramTypes))
	for i, t := range paramTypes {
		paramKeys[i] = rawKeyString(t)
	}
	retKey := "void"
	if retType != nil {
		retKey = rawKeyString(retType)
	}
	return methodSigKey(rm.Name, paramKeys, retKey), paramTypes, retType
}

// Examine validates candidate, merges in any methods inherited from parents,
// and returns its canonical, cached InterfaceDescriptor.
//
// parents should list the InterfaceDescriptors of candidate's direct parent
// interfaces whose declared exceptions might disagree. Go's reflect API
// flattens an interface's method set and does not preserve which embedded
// interface contributed a given method, so there is no way to recover
// per-parent exception information from candidate's reflect.Type alone; the
// caller must supply it explicitly. Pass nil when candidate has at most one
// effective ancestor's worth of exception information, the overwhelmingly
// common case. ann supplies the behavioral annotations; see Annotator.
func (c *Context) Examine(ctx context.Context, candidate reflect.Type, parents []*InterfaceDescriptor, ann Annotator) (*InterfaceDescriptor, error) {
	if candidate == nil {
		return nil, ErrNullInput
	}
	if ann == nil {
		ann = DefaultAnnotator
	}

	held := c.heldBy(ctx)
	if !held {
		c.mu.Lock()
		defer c.mu.Unlock()
		ctx = c.withHold(ctx)
	}

	if d, ok := c.interfaces[candidate]; ok {
		c.metrics.examineHit.Add(1)
		return d, nil
	}
	c.metrics.examineMiss.Add(1)

	if err := validateShape(candidate); err != nil {
		return nil, err
	}

	order, byKey, err := c.buildOwnMethods(candidate)
	if err != nil {
		return nil, err
	}
	c.applyAnnotations(candidate, byKey, ann)
	if err := mergeParents(qualifiedName(candidate), &order, byKey, parents); err != nil {
		return nil, err
	}
	if err := c.validateMethodSet(qualifiedName(candidate), order, byKey); err != nil {
		return nil, err
	}

	methods := make([]*MethodDescriptor, len(order))
	for i, key := range order {
		methods[i] = byKey[key]
	}

	desc := &InterfaceDescriptor{
		id:      newIdentifier(),
		name:    qualifiedName(candidate),
		methods: methods,
	}
	c.interfaces[candidate] = desc
	c.byID[desc.id] = desc

	if err := c.resolve(ctx, desc); err != nil {
		delete(c.interfaces, candidate)
		delete(c.byID, desc.id)
		return nil, err
	}
	return desc, nil
}

// Examine is the package-level convenience wrapper around
// defaultContext.Examine.
func Examine(ctx context.Context, candidate reflect.Type, parents []*InterfaceDescriptor, ann Annotator) (*InterfaceDescriptor, error) {
	return defaultContext.Examine(ctx, candidate, parents, ann)
}

func validateShape(candidate reflect.Type) error {
	if candidate.Kind() != reflect.Interface {
		return malformed(candidate.String(), "", "", "remote type must be an interface")
	}
	name := candidate.Name()
	if name == "" || !unicode.IsUpper([]rune(name)[0]) {
		return malformed(qualifiedName(candidate), "", "", "remote interface must be public (exported)")
	}
	if candidate != remoteMarkerType && !candidate.Implements(remoteMarkerType) {
		return malformed(qualifiedName(candidate), "", "", "remote interface must transitively extend introspect.Remote")
	}
	return nil
}

// buildOwnMethods constructs the provisional, pre-resolve MethodDescriptors
// visible directly on candidate, in the lexicographic order reflect reports
// them, with default
// behavioral flags and a single RemoteFailure exception. applyAnnotations
// fills in the real flags and exception set afterward.
func (c *Context) buildOwnMethods(candidate reflect.Type) (order []string, byKey map[string]*MethodDescriptor, err error) {
	byKey = make(map[string]*MethodDescriptor, candidate.NumMethod())
	for i := 0; i < candidate.NumMethod(); i++ {
		rm := candidate.Method(i)
		if rm.PkgPath != "" {
			continue // unexported method, not part of the remote contract
		}
		md, key, err := c.buildTempMethod(rm)
		if err != nil {
			return nil, nil, fmt.Errorf("%s.%s: %w", qualifiedName(candidate), rm.Name, err)
		}
		if _, dup := byKey[key]; !dup {
			order = append(order, key)
		}
		byKey[key] = md
	}
	return order, byKey, nil
}

func (c *Context) buildTempMethod(rm reflect.Method) (*MethodDescriptor, string, error) {
	ft := rm.Type

	nret := ft.NumOut()
	if nret == 0 || !ft.Out(nret-1).Implements(errorType) {
		return nil, "", fmt.Errorf("method must return an error result as its final value")
	}
	if nret > 2 {
		return nil, "", fmt.Errorf("remote methods may return at most one value in addition to error")
	}

	key, paramTypes, retType := methodSigKeyForRaw(rm)

	md := &MethodDescriptor{
		id:                    newIdentifier(),
		name:                  rm.Name,
		parameters:            c.buildTempParams(paramTypes),
		exceptions:            c.buildTempParams([]reflect.Type{remoteFailureType}),
		responseTimeoutMillis: -1,
	}
	if retType != nil {
		md.returnType = c.buildTempParams([]reflect.Type{retType})[0]
	}
	return md, key, nil
}

func (c *Context) buildTempParams(types []reflect.Type) []*ParameterDescriptor {
	out := make([]*ParameterDescriptor, len(types))
	for i, t := range types {
		elem, dims := stripDims(t)
		unshared := isPrimitiveLike(elem) || isRemoteMarked(elem)
		out[i] = c.intern(parameterKey{kind: Value, serializedType: elem, dimensions: dims, unshared: unshared})
	}
	return out
}

// applyAnnotations fills in the behavioral flags, and if ann is also an
// ExceptionAnnotator overrides the default exception list, for every own
// method buildOwnMethods constructed.
func (c *Context) applyAnnotations(candidate reflect.Type, byKey map[string]*MethodDescriptor, ann Annotator) {
	ea, _ := ann.(ExceptionAnnotator)
	for i := 0; i < candidate.NumMethod(); i++ {
		rm := candidate.Method(i)
		if rm.PkgPath != "" {
			continue
		}
		key, _, _ := methodSigKeyForRaw(rm)
		md, ok := byKey[key]
		if !ok {
			continue
		}
		a := ann.Annotate(rm)
		md.asynchronous = a.Asynchronous
		md.idempotent = a.Idempotent
		md.responseTimeoutMillis = a.ResponseTimeoutMillis
		if ea != nil {
			if types := ea.Exceptions(rm); types != nil {
				md.exceptions = c.buildTempParams(types)
			}
		}
	}
}

// mergeParents folds each parent InterfaceDescriptor's methods into byKey,
// intersecting exception sets on collision per the merge algorithm.
//
// The intersection is computed purely over the exception sets the parents
// themselves declare for a given method: byKey's pre-existing entry for a
// key is, at this point, still the candidate's own provisional placeholder
// built by buildOwnMethods, seeded with nothing but the mandatory
// remote-failure exception (or whatever applyAnnotations independently gave
// it). That placeholder never saw either parent's throws clause, so folding
// it into the very first parent's exceptions as a seed would compute
// intersect(placeholder, parentA) before ever consulting parentB, silently
// discarding any exception both parents actually agree on. Instead, each
// key's parent occurrences are accumulated against one another first; the
// placeholder's own exceptions are used only as a fallback for methods no
// parent supplies at all.
func mergeParents(ifaceName string, order *[]string, byKey map[string]*MethodDescriptor, parents []*InterfaceDescriptor) error {
	fromParents := make(map[string]*MethodDescriptor)
	var parentOnlyOrder []string

	for _, parent := range parents {
		for _, pm := range parent.methods {
			paramKeys := make([]string, len(pm.parameters))
			for i, p := range pm.parameters {
				paramKeys[i] = paramKeyString(p)
			}
			key := methodSigKey(pm.name, paramKeys, paramKeyString(pm.returnType))

			seed, ok := fromParents[key]
			if !ok {
				fromParents[key] = pm
				if _, known := byKey[key]; !known {
					parentOnlyOrder = append(parentOnlyOrder, key)
				}
				continue
			}
			if seed.structurallyEqual(pm) && exceptionSetsEqual(seed.exceptions, pm.exceptions) {
				continue
			}
			merged, err := seed.intersectExceptions(pm, ifaceName)
			if err != nil {
				return err
			}
			fromParents[key] = merged
		}
	}

	for key, seed := range fromParents {
		own, ok := byKey[key]
		if !ok {
			byKey[key] = seed
			continue
		}
		merged := *own
		merged.exceptions = seed.exceptions
		byKey[key] = &merged
	}
	*order = append(*order, parentOnlyOrder...)
	return nil
}

// exceptionSetsEqual reports whether a and b hold the same exception
// descriptors, order-independent. ParameterDescriptors are canonical per
// Context, so pointer equality decides membership.
func exceptionSetsEqual(a, b []*ParameterDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for _, e := range a {
		found := false
		for _, o := range b {
			if e == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// validateMethodSet enforces the post-merge rules: every method must declare
// the mandatory remote-failure exception (or a registered supertype of it),
// and an asynchronous method may declare no exception unless it is, or is a
// supertype of, the remote-failure exception itself.
func (c *Context) validateMethodSet(ifaceName string, order []string, byKey map[string]*MethodDescriptor) error {
	failure := c.buildTempParams([]reflect.Type{remoteFailureType})[0]
	for _, key := range order {
		m := byKey[key]
		if !m.DeclaresException(failure) {
			return malformed(ifaceName, m.SignatureString(""), "",
				"method must declare the remote-failure exception or a supertype of it")
		}
		if m.asynchronous {
			if m.returnType != nil {
				return malformed(ifaceName, m.SignatureString(""), "asynchronous",
					"asynchronous method must not declare a return value")
			}
			for _, e := range m.exceptions {
				if e.serializedType == nil || !isSupertypeOrEqual(e.serializedType, remoteFailureType) {
					return malformed(ifaceName, m.SignatureString(""), "asynchronous",
						"asynchronous method may only declare the remote-failure exception or a supertype of it")
				}
			}
		}
	}
	return nil
}
