package ingest

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"slsframe-go/internal/types"
)

// RFC 8746 tags for little-endian typed arrays.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagUint32LE      = 70
	tagUint64LE      = 71
	tagInt8          = 72
	tagInt16LE       = 77
	tagInt32LE       = 78
	tagInt64LE       = 79
	tagFloat16LE     = 84
	tagFloat32LE     = 85
	tagFloat64LE     = 86
)

var typedArrayTags = map[types.DType]uint64{
	types.Uint8:   tagUint8,
	types.Uint16:  tagUint16LE,
	types.Uint32:  tagUint32LE,
	types.Uint64:  tagUint64LE,
	types.Int8:    tagInt8,
	types.Int16:   tagInt16LE,
	types.Int32:   tagInt32LE,
	types.Int64:   tagInt64LE,
	types.Float16: tagFloat16LE,
	types.Float32: tagFloat32LE,
	types.Float64: tagFloat64LE,
}

func dtypeForTag(tag uint64) (types.DType, bool) {
	for dt, t := range typedArrayTags {
		if t == tag {
			return dt, true
		}
	}
	return types.None, false
}

// encodeFrameArray wraps the frame pixels as tag 40 [[rows, cols], typed].
func encodeFrameArray(f *types.Frame) (*cbor.Tag, error) {
	tag, ok := typedArrayTags[f.DType]
	if !ok {
		return nil, fmt.Errorf("%w: no typed array tag for %s", types.ErrConfig, f.DType)
	}
	return &cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{f.Rows, f.Cols},
			cbor.Tag{Number: tag, Content: f.Data},
		},
	}, nil
}

func decodeMultiDimArray(value any) (*types.Frame, error) {
	var tag cbor.Tag
	switch v := value.(type) {
	case cbor.Tag:
		tag = v
	case *cbor.Tag:
		if v == nil {
			return nil, errors.New("nil multidim tag")
		}
		tag = *v
	default:
		return nil, fmt.Errorf("expected multidim tag 40, got %T", value)
	}
	if tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40, got %d", tag.Number)
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return nil, err
	}

	dt, data, err := decodeTypedArray(items[1])
	if err != nil {
		return nil, err
	}
	frame := &types.Frame{Rows: rows, Cols: cols, DType: dt, Data: data}
	if err := frame.Validate(); err != nil {
		return nil, errors.New("dimension mismatch")
	}
	return frame, nil
}

func decodeTypedArray(value any) (types.DType, []byte, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return types.None, nil, fmt.Errorf("expected typed array tag")
	}
	data, ok := tag.Content.([]byte)
	if !ok {
		return types.None, nil, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}
	dt, ok := dtypeForTag(tag.Number)
	if !ok {
		return types.None, nil, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
	return dt, data, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}
