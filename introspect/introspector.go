package introspect

import "context"

// resolve converts every provisional Value-kind parameter and return
// descriptor of desc's methods into its final Remote classification where
// applicable, and performs the unshared sweep described in spec §4.2.
//
// resolve runs after desc has already been published into the interface
// cache (under its eventual key), so a self-referential parameter type
// resolves by hitting that same cache entry rather than recursing into
// validate/merge again. Declared exceptions are never reclassified: the
// original design never treats a throwable type as a remote reference, so
// they are left exactly as buildTempParams constructed them.
func (c *Context) resolve(ctx context.Context, desc *InterfaceDescriptor) error {
	for _, m := range desc.methods {
		if err := c.resolveParameters(ctx, m); err != nil {
			return err
		}
		if err := c.resolveReturn(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// resolveParameters performs the unshared sweep and Remote reclassification
// for one method's parameter list. The sweep must run before any parameter
// is reclassified, because it compares provisional serialized types, which
// are still valid for remote-bound parameters at this point; reclassifying a
// parameter earlier in the loop must not disturb a same-typed parameter
// later in the loop that the sweep has not reached yet.
func (c *Context) resolveParameters(ctx context.Context, m *MethodDescriptor) error {
	params := m.parameters
	noneUnshared := false
	for _, p := range params {
		if !p.unshared {
			noneUnshared = true
			break
		}
	}

	for i, p := range params {
		t := p.serializedType
		unshared := !noneUnshared && p.unshared
		if unshared {
			for j := i + 1; j < len(params); j++ {
				if params[j].serializedType == t {
					unshared = false
					params[j] = params[j].WithUnshared(false)
					break
				}
			}
		}

		if isRemoteMarked(t) {
			remoteDesc, err := c.Examine(ctx, t, nil, DefaultAnnotator)
			if err != nil {
				return err
			}
			params[i] = c.intern(parameterKey{kind: Remote, remoteType: remoteDesc, dimensions: p.dimensions, unshared: unshared})
		} else if unshared != p.unshared {
			params[i] = c.intern(parameterKey{kind: Value, serializedType: t, dimensions: p.dimensions, unshared: unshared})
		}
	}
	return nil
}

// resolveReturn reclassifies m's return descriptor, if any, without
// participating in the unshared sweep: the sweep compares sibling
// parameters to decide whether reference sharing between them needs
// tracking, and a return value has no siblings to share state with.
func (c *Context) resolveReturn(ctx context.Context, m *MethodDescriptor) error {
	p := m.returnType
	if p == nil || !isRemoteMarked(p.serializedType) {
		return nil
	}
	remoteDesc, err := c.Examine(ctx, p.serializedType, nil, DefaultAnnotator)
	if err != nil {
		return err
	}
	m.returnType = c.intern(parameterKey{kind: Remote, remoteType: remoteDesc, dimensions: p.dimensions, unshared: p.unshared})
	return nil
}
