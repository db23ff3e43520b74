package rawfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"slsframe-go/internal/types"
)

// writeRecords writes header+part records to path.
func writeRecords(t *testing.T, path string, headers []DetectorHeader, parts [][]byte) {
	t.Helper()
	require.Equal(t, len(headers), len(parts))
	var out []byte
	for i, h := range headers {
		raw, err := h.MarshalBinary()
		require.NoError(t, err)
		out = append(out, raw...)
		out = append(out, parts[i]...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

// patternPart fills a part so every byte identifies module and frame.
func patternPart(g PartGeometry, module, frame int) []byte {
	b := make([]byte, g.Bytes())
	for i := range b {
		b[i] = byte(module*67 + frame*13 + i)
	}
	return b
}

type acquisition struct {
	dir      string
	master   string
	part     PartGeometry
	geometry types.Geometry
	// parts[module][frame] is the stored (untransformed) data
	parts [][][]byte
}

// writeAcquisition writes a JSON master plus one data file per module.
// positions gives each module's (row, col) header fields.
func writeAcquisition(t *testing.T, det types.DetectorType, part PartGeometry, geometry types.Geometry,
	positions [][2]int, frames int, frameNumbers func(module, frame int) uint64) acquisition {
	t.Helper()
	dir := t.TempDir()
	a := acquisition{
		dir:      dir,
		master:   filepath.Join(dir, "run_master_0.json"),
		part:     part,
		geometry: geometry,
	}
	master := map[string]any{
		"Version":             7.2,
		"Detector Type":       det.String(),
		"Timing Mode":         "auto",
		"Geometry":            map[string]int{"x": geometry.Cols, "y": geometry.Rows},
		"Image Size in bytes": part.Bytes(),
		"Pixels":              map[string]int{"x": part.Cols, "y": part.Rows},
		"Max Frames Per File": 10000,
		"Dynamic Range":       part.DType.Bitdepth(),
		"Frames in File":      frames,
	}
	raw, err := json.Marshal(master)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.master, raw, 0o644))

	for m, pos := range positions {
		headers := make([]DetectorHeader, frames)
		parts := make([][]byte, frames)
		for f := 0; f < frames; f++ {
			headers[f] = DetectorHeader{
				FrameNumber: frameNumbers(m, f),
				ModID:       uint16(m),
				Row:         uint16(pos[0]),
				Column:      uint16(pos[1]),
			}
			parts[f] = patternPart(part, m, f)
		}
		a.parts = append(a.parts, parts)
		writeRecords(t, filepath.Join(dir, fmt.Sprintf("run_d%d_f0_0.raw", m)), headers, parts)
	}
	return a
}

func sequential(_ int, frame int) uint64 { return uint64(frame + 1) }
