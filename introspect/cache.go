package introspect

import (
	"context"
	"expvar"
	"reflect"
	"sync"
)

// A Context owns the two process-wide stores described in the package
// design: the interface cache (source interface → InterfaceDescriptor) and
// the parameter interner (canonical ParameterDescriptor set). Callers that
// want independent metadata universes — for instance, two plugin loaders
// that must not share cached descriptors — construct their own Context
// with NewContext; the package-level Examine convenience function uses one
// shared default Context.
type Context struct {
	mu         sync.Mutex
	interfaces map[reflect.Type]*InterfaceDescriptor
	byID       map[Identifier]*InterfaceDescriptor
	params     map[parameterKey]*ParameterDescriptor

	metrics *contextMetrics
}

// NewContext returns a new, empty Context.
func NewContext() *Context {
	return &Context{
		interfaces: make(map[reflect.Type]*InterfaceDescriptor),
		byID:       make(map[Identifier]*InterfaceDescriptor),
		params:     make(map[parameterKey]*ParameterDescriptor),
		metrics:    newContextMetrics(),
	}
}

// InterfaceByID returns the cached InterfaceDescriptor with the given
// Identifier, or ErrNotFound. This is how a decoded wire reference to a
// remote interface (which carries only an Identifier, not a reflect.Type)
// is resolved back to a live descriptor: the receiving side must already
// have examined the interface locally, typically as a side effect of
// binding its own implementation.
func (c *Context) InterfaceByID(id Identifier) (*InterfaceDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byID[id]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

// InternValue returns the canonical Value-kind ParameterDescriptor for the
// given serialized type, dimensions, and unshared flag. It is exported for
// use by decoders (such as the wire package) that reconstruct
// ParameterDescriptors from an encoded form and must re-intern them through
// the same canonical set Examine uses, rather than fabricate new, unshared
// instances.
func (c *Context) InternValue(t reflect.Type, dims int, unshared bool) *ParameterDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intern(parameterKey{kind: Value, serializedType: t, dimensions: dims, unshared: unshared})
}

// InternRemote returns the canonical Remote-kind ParameterDescriptor
// referring to the InterfaceDescriptor named by id, with the given
// dimensions and unshared flag. It reports ErrNotFound if id does not name
// an InterfaceDescriptor already known to c.
func (c *Context) InternRemote(id Identifier, dims int, unshared bool) (*ParameterDescriptor, error) {
	target, err := c.InterfaceByID(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intern(parameterKey{kind: Remote, remoteType: target, dimensions: dims, unshared: unshared}), nil
}

// Metrics returns an expvar map of cache activity counters: examine_hits,
// examine_misses, intern_hits, intern_misses. It is safe for the caller to
// add additional metrics to the map.
func (c *Context) Metrics() *expvar.Map { return c.metrics.emap }

// Forget removes any cached InterfaceDescriptor for iface from the
// interface cache. Remote-kind ParameterDescriptors in c's interner that
// refer to it are not removed, and keep it reachable.
//
// This is the explicit invalidation escape hatch called for by the "weak
// identity map" design note: ordinary compile-time interface types have a
// reflect.Type that lives for the process lifetime, so there is nothing for
// a weak map to collect in the common case, and Forget only matters for
// interface types assembled dynamically (e.g. by a plugin loader) that the
// caller knows it is about to discard.
func (c *Context) Forget(iface reflect.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.interfaces[iface]; ok {
		delete(c.byID, d.id)
	}
	delete(c.interfaces, iface)
}

type reentryKey struct{}

// heldBy reports whether ctx already carries this Context's reentry marker,
// meaning the calling goroutine is already inside an Examine call on c and
// must not attempt to re-acquire c.mu.
func (c *Context) heldBy(ctx context.Context) bool {
	v, _ := ctx.Value(reentryKey{}).(*Context)
	return v == c
}

func (c *Context) withHold(ctx context.Context) context.Context {
	return context.WithValue(ctx, reentryKey{}, c)
}

// intern returns the canonical ParameterDescriptor for key, constructing and
// storing one if key has not been seen before. The caller must hold c.mu (or
// be in a context where reentrant holding makes that unnecessary); intern is
// called from within the Examine pipeline and from InternValue/InternRemote.
func (c *Context) intern(key parameterKey) *ParameterDescriptor {
	if p, ok := c.params[key]; ok {
		c.metrics.internHit.Add(1)
		return p
	}
	c.metrics.internMiss.Add(1)
	p := &ParameterDescriptor{
		kind:           key.kind,
		serializedType: key.serializedType,
		remoteType:     key.remoteType,
		dimensions:     key.dimensions,
		unshared:       key.unshared,
		ctx:            c,
	}
	c.params[key] = p
	return p
}

// internedCount reports how many distinct ParameterDescriptors c has
// interned. Exposed for tests of canonicalization.
func (c *Context) internedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.params)
}

type contextMetrics struct {
	examineHit  expvar.Int
	examineMiss expvar.Int
	internHit   expvar.Int
	internMiss  expvar.Int
	emap        *expvar.Map
}

func newContextMetrics() *contextMetrics {
	m := &contextMetrics{emap: new(expvar.Map)}
	m.emap.Set("examine_hits", &m.examineHit)
	m.emap.Set("examine_misses", &m.examineMiss)
	m.emap.Set("intern_hits", &m.internHit)
	m.emap.Set("intern_misses", &m.internMiss)
	return m
}

// defaultContext is shared by the package-level convenience functions.
var defaultContext = NewContext()
