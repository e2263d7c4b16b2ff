package introspect

import "sync"

// An InterfaceDescriptor aggregates all methods of one remote interface,
// indexed by name and by method Identifier. Instances are immutable once
// resolve has completed and are owned by a Context's interface cache.
type InterfaceDescriptor struct {
	id      Identifier
	name    string
	methods []*MethodDescriptor // first-seen order, preserved across equality

	indexOnce sync.Once
	byName    map[string][]*MethodDescriptor
	byID      map[Identifier]*MethodDescriptor
}

// ID returns the interface's stable Identifier.
func (d *InterfaceDescriptor) ID() Identifier { return d.id }

// Name returns the fully qualified name of the source interface.
func (d *InterfaceDescriptor) Name() string { return d.name }

// Methods returns the interface's methods in first-seen order. The caller
// must not modify the returned slice.
func (d *InterfaceDescriptor) Methods() []*MethodDescriptor { return d.methods }

func (d *InterfaceDescriptor) buildIndexes() {
	d.indexOnce.Do(func() {
		byName := make(map[string][]*MethodDescriptor)
		byID := make(map[Identifier]*MethodDescriptor, len(d.methods))
		for _, m := range d.methods {
			byName[m.name] = append(byName[m.name], m)
			byID[m.id] = m
		}
		d.byName = byName
		d.byID = byID
	})
}

// MethodsByName returns the methods named n, or nil if none match. The
// underlying index is built lazily on first access, exactly once under a
// sync.Once, so concurrent calls are safe.
func (d *InterfaceDescriptor) MethodsByName(n string) []*MethodDescriptor {
	d.buildIndexes()
	return d.byName[n]
}

// MethodByID returns the method with the given Identifier, or ErrNotFound.
func (d *InterfaceDescriptor) MethodByID(id Identifier) (*MethodDescriptor, error) {
	d.buildIndexes()
	if m, ok := d.byID[id]; ok {
		return m, nil
	}
	return nil, ErrNotFound
}

// FindMethod returns the method named n whose parameter list matches
// params exactly (same length, same canonical ParameterDescriptor at each
// index, in order), or ErrNotFound.
func (d *InterfaceDescriptor) FindMethod(n string, params ...*ParameterDescriptor) (*MethodDescriptor, error) {
	for _, m := range d.MethodsByName(n) {
		if len(m.parameters) != len(params) {
			continue
		}
		match := true
		for i, p := range params {
			if m.parameters[i] != p {
				match = false
				break
			}
		}
		if match {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// Equal reports whether d and other describe the same interface: equal name,
// Identifier, and method sets. Methods are compared by pointer identity, in
// order, so two descriptors are equal only if they hold the same
// MethodDescriptor instances; in practice this is equivalent to d == other.
func (d *InterfaceDescriptor) Equal(other *InterfaceDescriptor) bool {
	if d == other {
		return true
	}
	if d == nil || other == nil {
		return false
	}
	if d.name != other.name || d.id != other.id || len(d.methods) != len(other.methods) {
		return false
	}
	for i, m := range d.methods {
		if m != other.methods[i] {
			return false
		}
	}
	return true
}

// String renders a short debugging form of d.
func (d *InterfaceDescriptor) String() string {
	return "InterfaceDescriptor{id=" + d.id.String() + ", name=" + d.name + "}"
}
