package rawfile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"slsframe-go/internal/types"
)

// HeaderSize is the size of the per-frame detector header in data files.
const HeaderSize = 112

const packetMaskSize = 64

// DetectorHeader is the fixed little-endian record written by the receiver
// in front of every frame part.
type DetectorHeader struct {
	FrameNumber  uint64               `json:"frameNumber"`
	ExpLength    uint32               `json:"expLength"`
	PacketNumber uint32               `json:"packetNumber"`
	BunchID      uint64               `json:"bunchId"`
	Timestamp    uint64               `json:"timestamp"`
	ModID        uint16               `json:"modId"`
	Row          uint16               `json:"row"`
	Column       uint16               `json:"column"`
	Reserved     uint16               `json:"reserved"`
	Debug        uint32               `json:"debug"`
	RoundRNumber uint16               `json:"roundRNumber"`
	DetType      uint8                `json:"detType"`
	Version      uint8                `json:"version"`
	PacketMask   [packetMaskSize]byte `json:"-"`
}

type headerField struct {
	name   string
	offset int
	width  int
}

var headerLayout = []headerField{
	{"FrameNumber", 0, 8},
	{"ExpLength", 8, 4},
	{"PacketNumber", 12, 4},
	{"BunchID", 16, 8},
	{"Timestamp", 24, 8},
	{"ModID", 32, 2},
	{"Row", 34, 2},
	{"Column", 36, 2},
	{"Reserved", 38, 2},
	{"Debug", 40, 4},
	{"RoundRNumber", 44, 2},
	{"DetType", 46, 1},
	{"Version", 47, 1},
	{"PacketMask", 48, packetMaskSize},
}

// headerDecoder reads fields in table order and stops at the first error.
type headerDecoder struct {
	ks    *kaitai.Stream
	field int
	err   error
}

func (d *headerDecoder) next(width int) bool {
	if d.err != nil {
		return false
	}
	if d.field >= len(headerLayout) {
		d.err = fmt.Errorf("read past last header field")
		return false
	}
	f := headerLayout[d.field]
	d.field++
	if f.width != width {
		d.err = fmt.Errorf("field %s is %d bytes, decoded as %d", f.name, f.width, width)
		return false
	}
	pos, err := d.ks.Pos()
	if err != nil {
		d.err = err
		return false
	}
	if int(pos) != f.offset {
		d.err = fmt.Errorf("field %s at offset %d, expected %d", f.name, pos, f.offset)
		return false
	}
	return true
}

func (d *headerDecoder) u8() uint8 {
	if !d.next(1) {
		return 0
	}
	v, err := d.ks.ReadU1()
	d.err = err
	return v
}

func (d *headerDecoder) u16() uint16 {
	if !d.next(2) {
		return 0
	}
	v, err := d.ks.ReadU2le()
	d.err = err
	return v
}

func (d *headerDecoder) u32() uint32 {
	if !d.next(4) {
		return 0
	}
	v, err := d.ks.ReadU4le()
	d.err = err
	return v
}

func (d *headerDecoder) u64() uint64 {
	if !d.next(8) {
		return 0
	}
	v, err := d.ks.ReadU8le()
	d.err = err
	return v
}

func (d *headerDecoder) raw(dst []byte) {
	if !d.next(len(dst)) {
		return
	}
	v, err := d.ks.ReadBytes(len(dst))
	if err != nil {
		d.err = err
		return
	}
	copy(dst, v)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (DetectorHeader, error) {
	if len(b) < HeaderSize {
		return DetectorHeader{}, fmt.Errorf("%w: detector header needs %d bytes, got %d", types.ErrFormat, HeaderSize, len(b))
	}
	d := headerDecoder{ks: kaitai.NewStream(bytes.NewReader(b[:HeaderSize]))}

	var h DetectorHeader
	h.FrameNumber = d.u64()
	h.ExpLength = d.u32()
	h.PacketNumber = d.u32()
	h.BunchID = d.u64()
	h.Timestamp = d.u64()
	h.ModID = d.u16()
	h.Row = d.u16()
	h.Column = d.u16()
	h.Reserved = d.u16()
	h.Debug = d.u32()
	h.RoundRNumber = d.u16()
	h.DetType = d.u8()
	h.Version = d.u8()
	d.raw(h.PacketMask[:])

	if d.err != nil {
		return DetectorHeader{}, fmt.Errorf("%w: detector header: %v", types.ErrFormat, d.err)
	}
	if d.field != len(headerLayout) {
		return DetectorHeader{}, fmt.Errorf("%w: detector header: decoded %d of %d fields", types.ErrFormat, d.field, len(headerLayout))
	}
	return h, nil
}

// Encode writes h into dst at the table offsets. dst must hold HeaderSize
// bytes.
func (h DetectorHeader) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	le := binary.LittleEndian
	le.PutUint64(dst[0:], h.FrameNumber)
	le.PutUint32(dst[8:], h.ExpLength)
	le.PutUint32(dst[12:], h.PacketNumber)
	le.PutUint64(dst[16:], h.BunchID)
	le.PutUint64(dst[24:], h.Timestamp)
	le.PutUint16(dst[32:], h.ModID)
	le.PutUint16(dst[34:], h.Row)
	le.PutUint16(dst[36:], h.Column)
	le.PutUint16(dst[38:], h.Reserved)
	le.PutUint32(dst[40:], h.Debug)
	le.PutUint16(dst[44:], h.RoundRNumber)
	dst[46] = h.DetType
	dst[47] = h.Version
	copy(dst[48:], h.PacketMask[:])
}

func (h DetectorHeader) MarshalBinary() ([]byte, error) {
	out := make([]byte, HeaderSize)
	h.Encode(out)
	return out, nil
}

func (h *DetectorHeader) UnmarshalBinary(b []byte) error {
	v, err := DecodeHeader(b)
	if err != nil {
		return err
	}
	*h = v
	return nil
}
