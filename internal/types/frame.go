package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Frame is one full detector image. The producer owns it until it is handed
// to a queue; from then on the consumer does.
type Frame struct {
	Number uint64 `json:"frame_number"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	DType  DType  `json:"dtype"`
	Data   []byte `json:"-"`
}

func NewFrame(rows, cols int, dt DType) *Frame {
	return &Frame{
		Rows:  rows,
		Cols:  cols,
		DType: dt,
		Data:  make([]byte, rows*cols*dt.Bytes()),
	}
}

func (f *Frame) Pixels() int { return f.Rows * f.Cols }

func (f *Frame) Bytes() int { return f.Rows * f.Cols * f.DType.Bytes() }

// SameShape reports whether other can be read into f without reallocation.
func (f *Frame) SameShape(other *Frame) bool {
	return f.Rows == other.Rows && f.Cols == other.Cols && f.DType == other.DType
}

// Validate checks that Data matches the declared extents.
func (f *Frame) Validate() error {
	if f.DType == None {
		return fmt.Errorf("%w: frame has no dtype", ErrFormat)
	}
	if len(f.Data) != f.Bytes() {
		return fmt.Errorf("%w: frame buffer is %d bytes, %dx%d %s needs %d",
			ErrFormat, len(f.Data), f.Rows, f.Cols, f.DType, f.Bytes())
	}
	return nil
}

func (f *Frame) PixelAt(row, col int) float64 {
	return decodeValue(f.DType, f.Data, row*f.Cols+col)
}

func (f *Frame) SetPixel(row, col int, v float64) {
	encodeValue(f.DType, f.Data, row*f.Cols+col, v)
}

// Float64Into converts every pixel into dst, which must hold Pixels() values.
func (f *Frame) Float64Into(dst []float64) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if len(dst) < f.Pixels() {
		return fmt.Errorf("%w: destination holds %d values, frame has %d", ErrConfig, len(dst), f.Pixels())
	}
	n := f.Pixels()
	data := f.Data
	switch f.DType {
	case Uint8:
		for i := 0; i < n; i++ {
			dst[i] = float64(data[i])
		}
	case Uint16:
		for i := 0; i < n; i++ {
			dst[i] = float64(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case Uint32:
		for i := 0; i < n; i++ {
			dst[i] = float64(binary.LittleEndian.Uint32(data[i*4:]))
		}
	default:
		for i := 0; i < n; i++ {
			dst[i] = decodeValue(f.DType, data, i)
		}
	}
	return nil
}

func (f *Frame) Clone() *Frame {
	out := *f
	out.Data = append([]byte(nil), f.Data...)
	return &out
}

// CopyFrom copies src into f, reusing f's buffer when the shapes agree.
func (f *Frame) CopyFrom(src *Frame) {
	if !f.SameShape(src) || len(f.Data) != len(src.Data) {
		f.Rows, f.Cols, f.DType = src.Rows, src.Cols, src.DType
		f.Data = make([]byte, len(src.Data))
	}
	copy(f.Data, src.Data)
	f.Number = src.Number
}

func decodeValue(dt DType, data []byte, i int) float64 {
	switch dt {
	case Int8:
		return float64(int8(data[i]))
	case Uint8:
		return float64(data[i])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(data[i*2:])))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(data[i*2:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(data[i*4:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(data[i*4:]))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(data[i*8:])))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(data[i*8:]))
	case Float16:
		return HalfToFloat(binary.LittleEndian.Uint16(data[i*2:]))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	default:
		return 0
	}
}

func encodeValue(dt DType, data []byte, i int, v float64) {
	switch dt {
	case Int8:
		data[i] = byte(int8(v))
	case Uint8:
		data[i] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(data[i*8:], uint64(int64(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	case Float16:
		binary.LittleEndian.PutUint16(data[i*2:], FloatToHalf(v))
	case Float32:
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
}
