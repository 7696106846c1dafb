package caschema

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/caschema/numrange"
)

// ParamType is the packed representation of a [Parameter].
type ParamType uint8

const (
	TypeInvalid ParamType = iota

	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64

	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64

	TypeFloat64

	// Strings and blobs carry a uint16 length prefix.
	TypeString
	TypeBlob
)

var paramTypeNames = [...]string{
	TypeInvalid: "invalid",
	TypeInt8:    "int8",
	TypeInt16:   "int16",
	TypeInt32:   "int32",
	TypeInt64:   "int64",
	TypeUint8:   "uint8",
	TypeUint16:  "uint16",
	TypeUint32:  "uint32",
	TypeUint64:  "uint64",
	TypeFloat64: "float64",
	TypeString:  "string",
	TypeBlob:    "blob",
}

func (t ParamType) String() string {
	if int(t) < len(paramTypeNames) {
		return paramTypeNames[t]
	}
	return fmt.Sprintf("ParamType(%d)", uint8(t))
}

// ParseParamType returns the type with the given name.
func ParseParamType(name string) (ParamType, error) {
	for i, n := range paramTypeNames {
		if i != int(TypeInvalid) && n == name {
			return ParamType(i), nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown parameter type %q", name)
}

func (t ParamType) IsSigned() bool   { return t >= TypeInt8 && t <= TypeInt64 }
func (t ParamType) IsUnsigned() bool { return t >= TypeUint8 && t <= TypeUint64 }
func (t ParamType) IsInteger() bool  { return t.IsSigned() || t.IsUnsigned() }
func (t ParamType) IsFloat() bool    { return t == TypeFloat64 }
func (t ParamType) IsVariable() bool { return t == TypeString || t == TypeBlob }

// Parameter is one typed value within a packed field.
type Parameter struct {
	Name string
	Type ParamType

	// Value constraints. Only the set matching Type's family is consulted,
	// and an empty set allows every value.
	Ints   numrange.Set[int64]
	Uints  numrange.Set[uint64]
	Floats numrange.Set[float64]

	// Byte length constraint for strings and blobs.
	Length numrange.Set[uint64]
}

// RangeError reports a packed value outside its parameter's constraints.
type RangeError struct {
	Field, Param string

	Value   string
	Allowed string
}

func (e RangeError) Error() string {
	return fmt.Sprintf(
		"field %s parameter %q: value %s outside allowed range %s",
		e.Field, e.Param, e.Value, e.Allowed,
	)
}

func readSigned(it *cadgram.Iterator, t ParamType) int64 {
	switch t {
	case TypeInt8:
		return int64(int8(it.Uint8()))
	case TypeInt16:
		return int64(int16(it.Uint16()))
	case TypeInt32:
		return int64(int32(it.Uint32()))
	case TypeInt64:
		return int64(it.Uint64())
	}
	panic(fmt.Errorf("BUG: readSigned called with %s", t))
}

func readUnsigned(it *cadgram.Iterator, t ParamType) uint64 {
	switch t {
	case TypeUint8:
		return uint64(it.Uint8())
	case TypeUint16:
		return uint64(it.Uint16())
	case TypeUint32:
		return uint64(it.Uint32())
	case TypeUint64:
		return it.Uint64()
	}
	panic(fmt.Errorf("BUG: readUnsigned called with %s", t))
}

// readKey reads an integer parameter as an int64,
// reinterpreting unsigned 64-bit values.
func readKey(it *cadgram.Iterator, t ParamType) int64 {
	if t.IsSigned() {
		return readSigned(it, t)
	}
	return int64(readUnsigned(it, t))
}

func (p Parameter) allowsKey(key int64) bool {
	if p.Type.IsSigned() {
		return p.Ints.Allows(key)
	}
	return p.Uints.Allows(uint64(key))
}

// constraint returns the value or length constraint matching p.Type.
func (p Parameter) constraint() fmt.Stringer {
	switch {
	case p.Type.IsSigned():
		return p.Ints
	case p.Type.IsUnsigned():
		return p.Uints
	case p.Type.IsFloat():
		return p.Floats
	default:
		return p.Length
	}
}

func (p Parameter) validate(field string, it *cadgram.Iterator) error {
	rangeErr := func(v any, allowed fmt.Stringer) error {
		return RangeError{
			Field: field, Param: p.Name,
			Value: fmt.Sprint(v), Allowed: allowed.String(),
		}
	}

	switch {
	case p.Type.IsSigned():
		v := readSigned(it, p.Type)
		if it.Err() == nil && !p.Ints.Allows(v) {
			return rangeErr(v, p.Ints)
		}
	case p.Type.IsUnsigned():
		v := readUnsigned(it, p.Type)
		if it.Err() == nil && !p.Uints.Allows(v) {
			return rangeErr(v, p.Uints)
		}
	case p.Type.IsFloat():
		v := math.Float64frombits(it.Uint64())
		if it.Err() == nil && !p.Floats.Allows(v) {
			return rangeErr(v, p.Floats)
		}
	case p.Type.IsVariable():
		b := it.Blob()
		if it.Err() == nil && !p.Length.Allows(uint64(len(b))) {
			return rangeErr(fmt.Sprintf("of length %d", len(b)), p.Length)
		}
	default:
		panic(fmt.Errorf("BUG: parameter %q has invalid type %s", p.Name, p.Type))
	}

	if err := it.Err(); err != nil {
		return fmt.Errorf("field %s parameter %q: %w", field, p.Name, err)
	}
	return nil
}

// appendDefault appends the packed default value of p to dst.
// The default is zero when the constraints allow it,
// and otherwise the lowest allowed value.
func (p Parameter) appendDefault(dst []byte) []byte {
	switch {
	case p.Type.IsSigned():
		var v int64
		if !p.Ints.Allows(0) {
			v, _ = p.Ints.Min()
		}
		return appendInt(dst, p.Type, uint64(v))
	case p.Type.IsUnsigned():
		var v uint64
		if !p.Uints.Allows(0) {
			v, _ = p.Uints.Min()
		}
		return appendInt(dst, p.Type, v)
	case p.Type.IsFloat():
		var v float64
		if !p.Floats.Allows(0) {
			v, _ = p.Floats.Min()
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	case p.Type.IsVariable():
		var n uint64
		if !p.Length.Allows(0) {
			n, _ = p.Length.Min()
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(n))
		return append(dst, make([]byte, n)...)
	}
	panic(fmt.Errorf("BUG: parameter %q has invalid type %s", p.Name, p.Type))
}

func appendInt(dst []byte, t ParamType, v uint64) []byte {
	switch t {
	case TypeInt8, TypeUint8:
		return append(dst, uint8(v))
	case TypeInt16, TypeUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	case TypeInt32, TypeUint32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(dst, v)
	}
}
