package output

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"slsframe-go/internal/ndarray"
	"slsframe-go/internal/types"
)

// WriteHitMap writes the non-zero pixels of a hit map as text and returns
// the file name.
func WriteHitMap(outputDir string, runTimestamp string, snap types.HitMapSnapshot) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	if len(snap.Counts) != snap.Rows*snap.Cols {
		return "", fmt.Errorf("%w: hit map has %d counts for %dx%d", types.ErrConfig, len(snap.Counts), snap.Rows, snap.Cols)
	}
	counts, err := ndarray.NewView(snap.Counts, snap.Rows, snap.Cols)
	if err != nil {
		return "", err
	}

	filename := filepath.Join(outputDir, fmt.Sprintf("%s_hitmap.txt", runTimestamp))
	f, err := os.Create(filename)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	_, _ = fmt.Fprintf(w, "# frames=%d hits=%d shape=%dx%d\n", snap.Frames, snap.Hits, snap.Rows, snap.Cols)
	_, _ = fmt.Fprintln(w, "row, col, count")
	for r := range snap.Rows {
		for c, count := range counts.Row(r) {
			if count != 0 {
				_, _ = fmt.Fprintf(w, "%d, %d, %d\n", r, c, count)
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return "", err
	}
	return filename, f.Close()
}
