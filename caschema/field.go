package caschema

import (
	"fmt"

	"github.com/otpgo/clientagent/cadgram"
)

// FieldKind describes how a field's value is packed.
// It is one of [AtomicKind], [MolecularKind], [ParameterKind] or [SwitchKind].
type FieldKind interface {
	isFieldKind()
}

// AtomicKind is a field packed as a fixed sequence of parameters.
type AtomicKind struct {
	Params []Parameter
}

// MolecularKind is a field whose value is the concatenation
// of several atomic fields of the same class.
type MolecularKind struct {
	Fields []*Field
}

// ParameterKind is a field holding exactly one parameter.
type ParameterKind struct {
	Param Parameter
}

// SwitchKind is a field whose trailing parameters
// depend on the value of an integer key.
type SwitchKind struct {
	Key Parameter

	Cases []SwitchCase

	// Used when no case matches.
	// If HasDefault is false, an unmatched key is invalid.
	Default    []Parameter
	HasDefault bool
}

// SwitchCase is one arm of a [SwitchKind].
type SwitchCase struct {
	// Key values selecting this case.
	// Unsigned keys are compared by their int64 bit pattern.
	Values []int64

	Params []Parameter
}

func (AtomicKind) isFieldKind()    {}
func (MolecularKind) isFieldKind() {}
func (ParameterKind) isFieldKind() {}
func (SwitchKind) isFieldKind()    {}

func (k SwitchKind) caseFor(key int64) ([]Parameter, bool) {
	for _, c := range k.Cases {
		for _, v := range c.Values {
			if v == key {
				return c.Params, true
			}
		}
	}
	if k.HasDefault {
		return k.Default, true
	}
	return nil, false
}

// Field is a single field of a [Class].
//
// Fields are immutable once their [Schema] is built.
type Field struct {
	// Unique across the whole schema.
	ID uint16

	Name string

	// The class that declared the field.
	// Inherited fields keep pointing at their declaring class.
	Class *Class

	Keywords Keywords

	Kind FieldKind

	defaultValue    []byte
	hasDefaultValue bool
}

func (f *Field) String() string {
	if f.Class == nil {
		return f.Name
	}
	return f.Class.Name + "." + f.Name
}

func (f *Field) Has(k Keywords) bool {
	return f.Keywords.Has(k)
}

// ClientReceives reports whether an update to f
// may be forwarded to a client, given whether the client owns the object.
func (f *Field) ClientReceives(owned bool) bool {
	return f.Has(ClRecv) || f.Has(Broadcast) || (owned && f.Has(OwnRecv))
}

// ClientSends reports whether a client may update f,
// given whether it owns the object.
func (f *Field) ClientSends(owned bool) bool {
	return f.Has(ClSend) || (owned && f.Has(OwnSend))
}

// HasDefaultValue reports whether the schema declared an explicit default.
func (f *Field) HasDefaultValue() bool {
	return f.hasDefaultValue
}

// DefaultValue returns the packed default value of f.
// Fields without an explicit default get one built from
// the lowest allowed value of each parameter.
//
// The returned slice must not be modified.
func (f *Field) DefaultValue() []byte {
	return f.defaultValue
}

// TrailingDataError is returned by [*Field.ValidateRanges]
// when a packed value is longer than the field.
type TrailingDataError struct {
	Field string
	N     int
}

func (e TrailingDataError) Error() string {
	return fmt.Sprintf("field %s: %d unexpected trailing bytes", e.Field, e.N)
}

// ValidateRanges checks that packed is exactly one value of f
// and that every parameter satisfies its range constraints.
func (f *Field) ValidateRanges(packed []byte) error {
	it := cadgram.NewIterator(packed)
	if err := f.validate(it); err != nil {
		return err
	}
	if n := it.Len(); n > 0 {
		return TrailingDataError{Field: f.String(), N: n}
	}
	return nil
}

func (f *Field) validate(it *cadgram.Iterator) error {
	name := f.String()

	switch k := f.Kind.(type) {
	case AtomicKind:
		return validateParams(name, k.Params, it)

	case MolecularKind:
		for _, c := range k.Fields {
			if err := c.validate(it); err != nil {
				return err
			}
		}
		return nil

	case ParameterKind:
		return k.Param.validate(name, it)

	case SwitchKind:
		key := readKey(it, k.Key.Type)
		if err := it.Err(); err != nil {
			return fmt.Errorf("field %s switch key: %w", name, err)
		}
		if !k.Key.allowsKey(key) {
			return RangeError{
				Field: name, Param: k.Key.Name,
				Value: fmt.Sprint(key), Allowed: k.Key.constraint().String(),
			}
		}

		params, ok := k.caseFor(key)
		if !ok {
			return fmt.Errorf("field %s: switch key %d matches no case", name, key)
		}
		return validateParams(name, params, it)

	default:
		panic(fmt.Errorf("BUG: field %s has unknown kind %T", name, f.Kind))
	}
}

func validateParams(field string, ps []Parameter, it *cadgram.Iterator) error {
	for _, p := range ps {
		if err := p.validate(field, it); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) packDefault(dst []byte) []byte {
	switch k := f.Kind.(type) {
	case AtomicKind:
		for _, p := range k.Params {
			dst = p.appendDefault(dst)
		}
	case MolecularKind:
		for _, c := range k.Fields {
			dst = append(dst, c.DefaultValue()...)
		}
	case ParameterKind:
		dst = k.Param.appendDefault(dst)
	case SwitchKind:
		start := len(dst)
		dst = k.Key.appendDefault(dst)
		key := readKey(cadgram.NewIterator(dst[start:]), k.Key.Type)

		params, ok := k.caseFor(key)
		if !ok && len(k.Cases) > 0 {
			// Key default selects nothing; use the first case instead.
			c := k.Cases[0]
			dst = appendInt(dst[:start], k.Key.Type, uint64(c.Values[0]))
			params = c.Params
		}
		for _, p := range params {
			dst = p.appendDefault(dst)
		}
	default:
		panic(fmt.Errorf("BUG: field %s has unknown kind %T", f, f.Kind))
	}
	return dst
}
