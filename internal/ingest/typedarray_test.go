package ingest

import (
	"testing"

	"github.com/fxamacker/cbor/v2"

	"slsframe-go/internal/types"
)

func TestDecodeMultiDimArrayUint16(t *testing.T) {
	value := cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{uint64(2), uint64(2)},
			cbor.Tag{
				Number:  tagUint16LE,
				Content: []byte{1, 0, 2, 0, 3, 0, 4, 0},
			},
		},
	}

	got, err := decodeMultiDimArray(value)
	if err != nil {
		t.Fatalf("decodeMultiDimArray error: %v", err)
	}
	if got.Rows != 2 || got.Cols != 2 || got.DType != types.Uint16 {
		t.Fatalf("unexpected shape: %dx%d %s", got.Rows, got.Cols, got.DType)
	}
	if got.PixelAt(1, 0) != 3 {
		t.Fatalf("unexpected pixel (1,0): %v", got.PixelAt(1, 0))
	}
}

func TestFrameArraySurvivesCBOR(t *testing.T) {
	frame := types.NewFrame(2, 3, types.Float32)
	frame.SetPixel(1, 2, 2.5)
	tag, err := encodeFrameArray(frame)
	if err != nil {
		t.Fatalf("encodeFrameArray error: %v", err)
	}
	raw, err := cbor.Marshal(tag)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded any
	if err := cbor.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	got, err := decodeMultiDimArray(decoded)
	if err != nil {
		t.Fatalf("decodeMultiDimArray error: %v", err)
	}
	if got.PixelAt(1, 2) != 2.5 {
		t.Fatalf("unexpected pixel: %v", got.PixelAt(1, 2))
	}
}

func TestDecodeMultiDimArrayRejectsMismatch(t *testing.T) {
	value := cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{uint64(3), uint64(3)},
			cbor.Tag{Number: tagUint8, Content: []byte{1, 2}},
		},
	}
	if _, err := decodeMultiDimArray(value); err == nil {
		t.Fatalf("expected dimension mismatch")
	}

	value.Content = []any{[]any{uint64(1), uint64(1)}, cbor.Tag{Number: 999, Content: []byte{1}}}
	if _, err := decodeMultiDimArray(value); err == nil {
		t.Fatalf("expected unsupported tag error")
	}
}
