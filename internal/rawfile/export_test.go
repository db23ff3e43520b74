package rawfile

import (
	"testing"

	"slsframe-go/internal/types"
)

// WriteMisalignedAcquisition writes a two-module Jungfrau acquisition whose
// second module starts one frame number early and returns the master path.
func WriteMisalignedAcquisition(t *testing.T, frames int) string {
	t.Helper()
	part := PartGeometry{Rows: 2, Cols: 2, DType: types.Uint16}
	numbers := func(module, frame int) uint64 {
		if module == 1 {
			return uint64(frame)
		}
		return uint64(frame + 1)
	}
	a := writeAcquisition(t, types.Jungfrau, part, types.Geometry{Rows: 2, Cols: 1},
		[][2]int{{0, 0}, {1, 0}}, frames, numbers)
	return a.master
}
