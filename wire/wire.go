package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dirmigo/dirmi/introspect"
	"github.com/dirmigo/dirmi/packet"
)

// EncodeIdentifier appends id's wire form — a fixed 8-byte big-endian
// counter value — to b.
func EncodeIdentifier(b *packet.Builder, id introspect.Identifier) error {
	data, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	packet.Raw(data).Encode(b)
	return nil
}

// DecodeIdentifier reads an Identifier's wire form from the head of s.
func DecodeIdentifier(s *packet.Scanner) (introspect.Identifier, error) {
	data, err := packet.Get[[]byte](s, 8)
	if err != nil {
		return introspect.Identifier{}, err
	}
	var id introspect.Identifier
	if err := id.UnmarshalBinary(data); err != nil {
		return introspect.Identifier{}, err
	}
	return id, nil
}

// EncodeParameter appends p's wire form to b: kind, array rank, unshared
// flag, and either the registered name of its serialized type (Value kind)
// or the Identifier of its remote interface (Remote kind).
func EncodeParameter(b *packet.Builder, p *introspect.ParameterDescriptor) error {
	b.Put(byte(p.Kind()))
	b.Vint30(uint32(p.ArrayRank()))
	b.Bool(p.IsUnshared())
	if p.IsRemote() {
		return EncodeIdentifier(b, p.RemoteType().ID())
	}
	b.VPutString(TypeName(p.SerializedType()))
	return nil
}

// DecodeParameter reads a ParameterDescriptor's wire form from the head of
// s and returns the canonical instance for it in ctx, re-interning it
// through ctx's parameter set rather than fabricating an uncanonicalized
// copy. Value-kind parameters are resolved against reg; Remote-kind
// parameters are resolved against ctx's interface cache and require that
// the referenced interface has already been examined on this side.
func DecodeParameter(s *packet.Scanner, ctx *introspect.Context, reg *TypeRegistry) (*introspect.ParameterDescriptor, error) {
	kindByte, err := s.Byte()
	if err != nil {
		return nil, err
	}
	dims, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	unshared, err := s.Bool()
	if err != nil {
		return nil, err
	}

	switch introspect.Kind(kindByte) {
	case introspect.Remote:
		id, err := DecodeIdentifier(s)
		if err != nil {
			return nil, err
		}
		return ctx.InternRemote(id, dims, unshared)
	case introspect.Value:
		name, err := packet.VGet[string](s)
		if err != nil {
			return nil, err
		}
		t, ok := reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("wire: unregistered type %q", name)
		}
		return ctx.InternValue(t, dims, unshared), nil
	default:
		return nil, fmt.Errorf("wire: invalid parameter kind %d", kindByte)
	}
}

func putInt64(b *packet.Builder, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.Put(tmp[:]...)
}

func getInt64(s *packet.Scanner) (int64, error) {
	data, err := packet.Get[[]byte](s, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// A MethodSnapshot is the wire-level rendering of a MethodDescriptor: plain
// data, not a canonical instance, suitable for diffing against a locally
// examined descriptor to validate wire compatibility (spec's stated purpose
// for the metadata model) without requiring the decoding side to fabricate
// a live MethodDescriptor it has no reflect.Type to back.
type MethodSnapshot struct {
	ID                    introspect.Identifier
	Name                  string
	Parameters            []*introspect.ParameterDescriptor
	ReturnType            *introspect.ParameterDescriptor // nil == void
	Exceptions            []*introspect.ParameterDescriptor
	Asynchronous          bool
	Idempotent            bool
	ResponseTimeoutMillis int64
}

// EncodeMethod appends m's wire form to b.
func EncodeMethod(b *packet.Builder, m *introspect.MethodDescriptor) error {
	if err := EncodeIdentifier(b, m.ID()); err != nil {
		return err
	}
	b.VPutString(m.Name())

	ret := m.ReturnType()
	b.Bool(ret != nil)
	if ret != nil {
		if err := EncodeParameter(b, ret); err != nil {
			return err
		}
	}

	b.Vint30(uint32(len(m.Parameters())))
	for _, p := range m.Parameters() {
		if err := EncodeParameter(b, p); err != nil {
			return err
		}
	}

	b.Vint30(uint32(len(m.Exceptions())))
	for _, e := range m.Exceptions() {
		if err := EncodeParameter(b, e); err != nil {
			return err
		}
	}

	b.Bool(m.Asynchronous())
	b.Bool(m.Idempotent())
	putInt64(b, m.ResponseTimeoutMillis())
	return nil
}

// DecodeMethod reads a MethodSnapshot from the head of s.
func DecodeMethod(s *packet.Scanner, ctx *introspect.Context, reg *TypeRegistry) (*MethodSnapshot, error) {
	id, err := DecodeIdentifier(s)
	if err != nil {
		return nil, err
	}
	name, err := packet.VGet[string](s)
	if err != nil {
		return nil, err
	}

	snap := &MethodSnapshot{ID: id, Name: name}

	hasReturn, err := s.Bool()
	if err != nil {
		return nil, err
	}
	if hasReturn {
		if snap.ReturnType, err = DecodeParameter(s, ctx, reg); err != nil {
			return nil, err
		}
	}

	nparams, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	snap.Parameters = make([]*introspect.ParameterDescriptor, nparams)
	for i := range snap.Parameters {
		if snap.Parameters[i], err = DecodeParameter(s, ctx, reg); err != nil {
			return nil, err
		}
	}

	nexc, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	snap.Exceptions = make([]*introspect.ParameterDescriptor, nexc)
	for i := range snap.Exceptions {
		if snap.Exceptions[i], err = DecodeParameter(s, ctx, reg); err != nil {
			return nil, err
		}
	}

	if snap.Asynchronous, err = s.Bool(); err != nil {
		return nil, err
	}
	if snap.Idempotent, err = s.Bool(); err != nil {
		return nil, err
	}
	if snap.ResponseTimeoutMillis, err = getInt64(s); err != nil {
		return nil, err
	}
	return snap, nil
}

// An InterfaceSnapshot is the wire-level rendering of an InterfaceDescriptor.
type InterfaceSnapshot struct {
	ID      introspect.Identifier
	Name    string
	Methods []*MethodSnapshot
}

// EncodeInterface appends d's wire form to b.
func EncodeInterface(b *packet.Builder, d *introspect.InterfaceDescriptor) error {
	if err := EncodeIdentifier(b, d.ID()); err != nil {
		return err
	}
	b.VPutString(d.Name())
	b.Vint30(uint32(len(d.Methods())))
	for _, m := range d.Methods() {
		if err := EncodeMethod(b, m); err != nil {
			return err
		}
	}
	return nil
}

// DecodeInterface reads an InterfaceSnapshot from the head of s.
func DecodeInterface(s *packet.Scanner, ctx *introspect.Context, reg *TypeRegistry) (*InterfaceSnapshot, error) {
	id, err := DecodeIdentifier(s)
	if err != nil {
		return nil, err
	}
	name, err := packet.VGet[string](s)
	if err != nil {
		return nil, err
	}
	n, err := s.Vint30()
	if err != nil {
		return nil, err
	}
	snap := &InterfaceSnapshot{ID: id, Name: name, Methods: make([]*MethodSnapshot, n)}
	for i := range snap.Methods {
		if snap.Methods[i], err = DecodeMethod(s, ctx, reg); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Compatible reports whether d implements every method snap declares, by
// name and by Identifier. It is the concrete check spec.md's purpose
// statement gestures at ("validate wire compatibility"): a peer that
// receives a catalog entry or interface snapshot for a remote object can
// confirm its own locally examined descriptor actually agrees with it
// before issuing any calls.
func (snap *InterfaceSnapshot) Compatible(d *introspect.InterfaceDescriptor) error {
	for _, sm := range snap.Methods {
		local, err := d.MethodByID(sm.ID)
		if err != nil {
			found := d.MethodsByName(sm.Name)
			if len(found) == 0 {
				return fmt.Errorf("wire: %s has no local method named %q", d.Name(), sm.Name)
			}
			return fmt.Errorf("wire: %s.%s: remote Identifier %v unknown locally", d.Name(), sm.Name, sm.ID)
		}
		if local.Name() != sm.Name {
			return fmt.Errorf("wire: Identifier %v names %q locally but %q on the wire", sm.ID, local.Name(), sm.Name)
		}
	}
	return nil
}
