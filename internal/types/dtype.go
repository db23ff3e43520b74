package types

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType identifies the element representation of a pixel buffer.
type DType uint8

const (
	None DType = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float16
	Float32
	Float64
)

// Number is the set of native element types a DType can describe.
// Half precision has no native Go type and is stored as float16.Float16.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

func (d DType) Bitdepth() int {
	switch d {
	case Int8, Uint8:
		return 8
	case Int16, Uint16, Float16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	default:
		return 0
	}
}

func (d DType) Bytes() int { return d.Bitdepth() / 8 }

func (d DType) Signed() bool {
	switch d {
	case Int8, Int16, Int32, Int64, Float16, Float32, Float64:
		return true
	}
	return false
}

func (d DType) Float() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// String returns the numpy descr of the type, e.g. "<u2".
func (d DType) String() string {
	var kind byte
	switch d {
	case Int8, Int16, Int32, Int64:
		kind = 'i'
	case Uint8, Uint16, Uint32, Uint64:
		kind = 'u'
	case Float16, Float32, Float64:
		kind = 'f'
	default:
		return "none"
	}
	order := byte('<')
	if d.Bytes() == 1 {
		order = '|'
	}
	return fmt.Sprintf("%c%c%d", order, kind, d.Bytes())
}

// ParseDType parses a numpy descr. Only little endian (or byte order
// agnostic) descriptions are accepted.
func ParseDType(descr string) (DType, error) {
	s := strings.TrimSpace(descr)
	if s == "" {
		return None, fmt.Errorf("%w: empty dtype", ErrFormat)
	}
	switch s[0] {
	case '>':
		return None, fmt.Errorf("%w: big endian dtype %q not supported", ErrFormat, descr)
	case '<', '|', '=':
		s = s[1:]
	}
	switch s {
	case "i1":
		return Int8, nil
	case "u1":
		return Uint8, nil
	case "i2":
		return Int16, nil
	case "u2":
		return Uint16, nil
	case "i4":
		return Int32, nil
	case "u4":
		return Uint32, nil
	case "i8":
		return Int64, nil
	case "u8":
		return Uint64, nil
	case "f2":
		return Float16, nil
	case "f4":
		return Float32, nil
	case "f8":
		return Float64, nil
	default:
		return None, fmt.Errorf("%w: unknown dtype %q", ErrFormat, descr)
	}
}

// FromBitdepth maps a detector dynamic range to the unsigned type used to
// store it.
func FromBitdepth(bits int) (DType, error) {
	switch bits {
	case 8:
		return Uint8, nil
	case 16:
		return Uint16, nil
	case 32:
		return Uint32, nil
	case 64:
		return Uint64, nil
	default:
		return None, fmt.Errorf("%w: no dtype for bitdepth %d", ErrConfig, bits)
	}
}

// DTypeOf returns the DType describing T.
func DTypeOf[T Number]() DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case uint8:
		return Uint8
	case int16:
		return Int16
	case uint16:
		return Uint16
	case int32:
		return Int32
	case uint32:
		return Uint32
	case int64:
		return Int64
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		return None
	}
}

// Is reports whether d describes the native type T.
func Is[T Number](d DType) bool { return d != None && DTypeOf[T]() == d }

// HalfToFloat and FloatToHalf convert between IEEE half bits and float64.
func HalfToFloat(bits uint16) float64 {
	return float64(float16.Frombits(bits).Float32())
}

func FloatToHalf(v float64) uint16 {
	return float16.Fromfloat32(float32(v)).Bits()
}
