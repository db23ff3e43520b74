package ingest

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

func TestDecodeDetectorJSONHeader(t *testing.T) {
	raw := []byte(`{"jsonversion":4,"dynamicRange":16,"fileIndex":0,"ndetx":1,"ndety":2,
		"npixelsx":1024,"npixelsy":512,"imageSize":1048576,"acqIndex":5,"frameIndex":4,
		"progress":50.0,"fname":"/data/run","data":1,"completeImage":1,"frameNumber":5,
		"expLength":0,"packetNumber":128,"detSpec1":0,"timestamp":1234,"modId":0,"row":1,
		"column":0,"detSpec2":0,"detSpec3":0,"detSpec4":0,"detType":3,"version":2,
		"flipRows":0,"quad":0,"addJsonHeader":{"temp":"22.5"},"rx_roi":[0,1023,0,511]}` + "\x00")

	h, enc, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	assert.True(t, bool(h.Data))
	assert.Equal(t, 1048576, h.ExpectedSize())
	assert.Equal(t, uint32(1048576), h.ImageSize)
	assert.Equal(t, uint16(1), h.Row)
	assert.Equal(t, "22.5", h.AddJSONHeader["temp"])
	assert.Equal(t, [4]int{0, 1023, 0, 511}, h.RxROI)
}

func TestFlagAcceptsBooleans(t *testing.T) {
	h, _, err := DecodeHeader([]byte(`{"data":false,"completeImage":true}`))
	require.NoError(t, err)
	assert.False(t, bool(h.Data))
	assert.True(t, bool(h.CompleteImage))

	raw, err := cbor.Marshal(map[string]any{"data": true, "npixelsx": 2})
	require.NoError(t, err)
	h, enc, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, EncodingCBOR, enc)
	assert.True(t, bool(h.Data))
	assert.Equal(t, uint32(2), h.NPixelsX)
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("{not json"), {0xff, 0x00, 0x13}} {
		_, _, err := DecodeHeader(raw)
		assert.ErrorIs(t, err, types.ErrFormat)
	}
}

func TestEncodeHeaderJSONUsesNumericFlags(t *testing.T) {
	raw, err := EncodeHeader(ZmqHeader{Data: true}, EncodingJSON)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"data":1`)

	_, err = EncodeHeader(ZmqHeader{Image: &cbor.Tag{Number: tagMultiDimArray}}, EncodingJSON)
	assert.ErrorIs(t, err, types.ErrConfig)
}
