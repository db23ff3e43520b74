package numpy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/sbinet/npyio/npy"

	"slsframe-go/internal/types"
)

const (
	magicString = "\x93NUMPY"
	// spare bytes reserved in written headers so the frame count can grow
	// when the header is rewritten on close.
	headerSlack = 24
	headerAlign = 64
)

// Header is the parsed array description at the start of a .npy file.
type Header struct {
	DType        types.DType
	FortranOrder bool
	Shape        []int
}

func (h Header) String() string {
	return fmt.Sprintf("dtype: %s, fortran_order: %t, shape: %v", h.DType, h.FortranOrder, h.Shape)
}

// Elements returns the number of array elements. Shapes whose product does
// not fit in an int are rejected.
func (h Header) Elements() (int, error) {
	n, ok := mulSize(h.Shape...)
	if !ok {
		return 0, fmt.Errorf("%w: shape %v overflows", types.ErrFormat, h.Shape)
	}
	return n, nil
}

// mulSize multiplies non-negative sizes, reporting false on overflow.
func mulSize(dims ...int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// IsNumpy reports whether prefix starts with the numpy magic string.
func IsNumpy(prefix []byte) bool {
	return bytes.HasPrefix(prefix, []byte(magicString))
}

// ReadHeader reads exactly the header from r and returns it with the total
// number of bytes before the array data.
func ReadHeader(r io.Reader) (Header, int, error) {
	prefix := make([]byte, len(magicString)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Header{}, 0, fmt.Errorf("%w: reading numpy magic: %v", types.ErrFormat, err)
	}
	if !IsNumpy(prefix) {
		return Header{}, 0, fmt.Errorf("%w: not a numpy file", types.ErrFormat)
	}
	major := prefix[len(magicString)]

	var lenSize int
	switch major {
	case 1:
		lenSize = 2
	case 2, 3:
		lenSize = 4
	default:
		return Header{}, 0, fmt.Errorf("%w: unsupported numpy version %d", types.ErrFormat, major)
	}
	lenBuf := make([]byte, lenSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Header{}, 0, fmt.Errorf("%w: reading header length: %v", types.ErrFormat, err)
	}
	var dictLen int
	if lenSize == 2 {
		dictLen = int(binary.LittleEndian.Uint16(lenBuf))
	} else {
		dictLen = int(binary.LittleEndian.Uint32(lenBuf))
	}

	raw := make([]byte, len(prefix)+lenSize+dictLen)
	n := copy(raw, prefix)
	n += copy(raw[n:], lenBuf)
	if _, err := io.ReadFull(r, raw[n:]); err != nil {
		return Header{}, 0, fmt.Errorf("%w: reading header dict: %v", types.ErrFormat, err)
	}
	if major == 3 {
		// 3.0 only differs from 2.0 by allowing utf8 in the dict
		raw[len(magicString)] = 2
	}

	nr, err := npy.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Header{}, 0, fmt.Errorf("%w: %v", types.ErrFormat, err)
	}
	descr := nr.Header.Descr
	dt, err := types.ParseDType(descr.Type)
	if err != nil {
		return Header{}, 0, err
	}
	for _, d := range descr.Shape {
		if d < 0 {
			return Header{}, 0, fmt.Errorf("%w: negative dimension in %v", types.ErrFormat, descr.Shape)
		}
	}
	h := Header{DType: dt, FortranOrder: descr.Fortran, Shape: slices.Clone(descr.Shape)}
	return h, len(raw), nil
}

func formatTuple(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// EncodeHeader renders a version 1.0 header (2.0 when it does not fit).
// With size > 0 the result is padded to exactly size bytes, which lets a
// writer rewrite the header in place.
func EncodeHeader(h Header, size int) ([]byte, error) {
	fortran := "False"
	if h.FortranOrder {
		fortran = "True"
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", h.DType, fortran, formatTuple(h.Shape))

	major, lenSize := byte(1), 2
	pre := len(magicString) + 2 + lenSize
	if size == 0 {
		size = align(pre+len(dict)+1+headerSlack, headerAlign)
		if size-pre > 0xffff {
			major, lenSize = 2, 4
			pre = len(magicString) + 2 + lenSize
			size = align(pre+len(dict)+1+headerSlack, headerAlign)
		}
	} else if size-pre > 0xffff {
		major, lenSize = 2, 4
		pre = len(magicString) + 2 + lenSize
	}
	dictLen := size - pre
	if dictLen < len(dict)+1 {
		return nil, fmt.Errorf("%w: header of %d bytes does not fit in %d", types.ErrFormat, pre+len(dict)+1, size)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteString(magicString)
	buf.WriteByte(major)
	buf.WriteByte(0)
	if lenSize == 2 {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(dictLen))
	} else {
		_ = binary.Write(&buf, binary.LittleEndian, uint32(dictLen))
	}
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", dictLen-len(dict)-1))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
