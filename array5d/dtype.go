package array5d

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType is the element type of an array buffer.
type DType uint8

const (
	Uint8 DType = iota + 1
	Uint16
	Uint32
	Uint64
	Int32
	Int64
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

func (d DType) String() string {
	if name, found := dtypeNames[d]; found {
		return name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ParseDType returns the DType for a name like "uint16".
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", name)
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// IsInteger is true for integer dtypes, which are the only ones usable as labels.
func (d DType) IsInteger() bool {
	return d != Float32 && d != Float64 && d.Size() != 0
}

// MarshalText allows dtypes in JSON meta replies.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// getFloat reads the element at byte offset off.
func (d DType) getFloat(buf []byte, off int) float64 {
	switch d {
	case Uint8:
		return float64(buf[off])
	case Uint16:
		return float64(binary.LittleEndian.Uint16(buf[off:]))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(buf[off:]))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(buf[off:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[off:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(buf[off:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	}
	panic(fmt.Sprintf("bad dtype %s", d))
}

// putFloat writes v at byte offset off, converting to the dtype.
func (d DType) putFloat(buf []byte, off int, v float64) {
	switch d {
	case Uint8:
		buf[off] = uint8(v)
	case Uint16:
		binary.LittleEndian.PutUint16(buf[off:], uint16(v))
	case Uint32:
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	case Uint64:
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
	case Int32:
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
	default:
		panic(fmt.Sprintf("bad dtype %s", d))
	}
}

// getUint64 reads the element at byte offset off as an unsigned label value.
func (d DType) getUint64(buf []byte, off int) uint64 {
	switch d {
	case Uint8:
		return uint64(buf[off])
	case Uint16:
		return uint64(binary.LittleEndian.Uint16(buf[off:]))
	case Uint32:
		return uint64(binary.LittleEndian.Uint32(buf[off:]))
	case Uint64:
		return binary.LittleEndian.Uint64(buf[off:])
	case Int32:
		return uint64(int32(binary.LittleEndian.Uint32(buf[off:])))
	case Int64:
		return binary.LittleEndian.Uint64(buf[off:])
	}
	return uint64(d.getFloat(buf, off))
}

func (d DType) putUint64(buf []byte, off int, v uint64) {
	switch d {
	case Uint8:
		buf[off] = uint8(v)
	case Uint16:
		binary.LittleEndian.PutUint16(buf[off:], uint16(v))
	case Uint32, Int32:
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	case Uint64, Int64:
		binary.LittleEndian.PutUint64(buf[off:], v)
	default:
		d.putFloat(buf, off, float64(v))
	}
}

// Number constrains the Go element types an Array5D can be built from.
type Number interface {
	uint8 | uint16 | uint32 | uint64 | int32 | int64 | float32 | float64
}

func dtypeOf[T Number]() DType {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	panic(fmt.Sprintf("unsupported element type %T", zero))
}

// encode writes typed values into a little-endian buffer.
func encode[T Number](data []T) (DType, []byte) {
	d := dtypeOf[T]()
	size := d.Size()
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		switch d {
		case Float32, Float64:
			d.putFloat(buf, i*size, float64(v))
		case Int32, Int64:
			d.putUint64(buf, i*size, uint64(int64(v)))
		default:
			d.putUint64(buf, i*size, uint64(v))
		}
	}
	return d, buf
}
