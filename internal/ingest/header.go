package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"slsframe-go/internal/types"
)

// Encoding is the wire format of a stream header.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	}
	return EncodingJSON, fmt.Errorf("%w: unknown header encoding %q", types.ErrConfig, s)
}

// Flag is a boolean that detectors send as 0/1.
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "1", "true":
		*f = true
	case "0", "false", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", b)
	}
	return nil
}

func (f Flag) MarshalCBOR() ([]byte, error) {
	if f {
		return cbor.Marshal(uint8(1))
	}
	return cbor.Marshal(uint8(0))
}

func (f *Flag) UnmarshalCBOR(b []byte) error {
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*f = Flag(x)
	case uint64:
		*f = x != 0
	case int64:
		*f = x != 0
	case nil:
		*f = false
	default:
		return fmt.Errorf("invalid flag %T", v)
	}
	return nil
}

// ZmqHeader is the metadata message that precedes frame payloads on a
// detector stream.
type ZmqHeader struct {
	// Data is false on the end-of-acquisition message, which carries no
	// payload.
	Data          Flag              `json:"data"`
	JSONVersion   uint32            `json:"jsonversion"`
	DynamicRange  uint32            `json:"dynamicRange"`
	FileIndex     uint64            `json:"fileIndex"`
	NDetX         uint32            `json:"ndetx"`
	NDetY         uint32            `json:"ndety"`
	NPixelsX      uint32            `json:"npixelsx"`
	NPixelsY      uint32            `json:"npixelsy"`
	ImageSize     uint32            `json:"imageSize"`
	AcqIndex      uint64            `json:"acqIndex"`
	FrameIndex    uint64            `json:"frameIndex"`
	Progress      float64           `json:"progress"`
	FileName      string            `json:"fname"`
	FrameNumber   uint64            `json:"frameNumber"`
	ExpLength     uint32            `json:"expLength"`
	PacketNumber  uint32            `json:"packetNumber"`
	DetSpec1      uint64            `json:"detSpec1"`
	Timestamp     uint64            `json:"timestamp"`
	ModID         uint16            `json:"modId"`
	Row           uint16            `json:"row"`
	Column        uint16            `json:"column"`
	DetSpec2      uint16            `json:"detSpec2"`
	DetSpec3      uint32            `json:"detSpec3"`
	DetSpec4      uint16            `json:"detSpec4"`
	DetType       uint8             `json:"detType"`
	Version       uint8             `json:"version"`
	FlipRows      int64             `json:"flipRows"`
	Quad          uint32            `json:"quad"`
	CompleteImage Flag              `json:"completeImage"`
	AddJSONHeader map[string]string `json:"addJsonHeader,omitempty"`
	RxROI         [4]int            `json:"rx_roi"`

	// Image carries the frame inside a CBOR header as a typed array, in
	// which case the message has no payload part.
	Image *cbor.Tag `json:"-" cbor:"image,omitempty"`
}

const defaultDynamicRange = 16

// ExpectedSize is the payload size implied by the pixel count and dynamic
// range.
func (h ZmqHeader) ExpectedSize() int {
	dr := h.DynamicRange
	if dr == 0 {
		dr = defaultDynamicRange
	}
	return int(h.NPixelsX) * int(h.NPixelsY) * int(dr) / 8
}

// DecodeHeader parses a JSON or CBOR header; JSON is recognised by its
// opening brace.
func DecodeHeader(b []byte) (ZmqHeader, Encoding, error) {
	var h ZmqHeader
	trimmed := bytes.TrimRight(b, "\x00")
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) == 0 {
		return h, EncodingJSON, fmt.Errorf("%w: empty stream header", types.ErrFormat)
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return ZmqHeader{}, EncodingJSON, fmt.Errorf("%w: json stream header: %v", types.ErrFormat, err)
		}
		return h, EncodingJSON, nil
	}
	if err := cbor.Unmarshal(b, &h); err != nil {
		return ZmqHeader{}, EncodingCBOR, fmt.Errorf("%w: cbor stream header: %v", types.ErrFormat, err)
	}
	return h, EncodingCBOR, nil
}

func EncodeHeader(h ZmqHeader, enc Encoding) ([]byte, error) {
	if enc == EncodingCBOR {
		return cbor.Marshal(h)
	}
	if h.Image != nil {
		return nil, fmt.Errorf("%w: inline images need a cbor header", types.ErrConfig)
	}
	return json.Marshal(h)
}
