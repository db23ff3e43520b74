package rawfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"slsframe-go/internal/types"
)

// RawFileConfig adjusts how an acquisition is assembled. The zero value
// reads the files as the detector wrote them.
type RawFileConfig struct {
	// ModuleGapRow and ModuleGapCol insert zero filled pixels between
	// modules.
	ModuleGapRow int
	ModuleGapCol int
	// PixelMap, when set, replaces the default readout order of modules
	// that support one. Entry i is the stored position of image pixel i.
	PixelMap []int
	// Overrides forces the transform of individual modules by index.
	Overrides map[int]TransformKind
}

func (c RawFileConfig) Equal(other RawFileConfig) bool {
	return c.ModuleGapRow == other.ModuleGapRow &&
		c.ModuleGapCol == other.ModuleGapCol &&
		slices.Equal(c.PixelMap, other.PixelMap) &&
		maps.Equal(c.Overrides, other.Overrides)
}

type modulePosition struct {
	Row int
	Col int
}

type module struct {
	pos    modulePosition
	kind   TransformKind
	chunks []*SubFile
}

// RawFile assembles full detector frames from the per-module data files of
// one acquisition. It is not safe for concurrent use.
type RawFile struct {
	master  *MasterFile
	cfg     RawFileConfig
	part    PartGeometry
	modules []module
	rows    int
	cols    int
	total   int
	current int

	partBuf []byte
	indices []int
	numbers []uint64
	log     *slog.Logger
}

// OpenRawFile parses the master file, locates every module from the first
// header of its data file and checks that the acquisition is consistent
// before any frame is read.
func OpenRawFile(masterPath string, cfg RawFileConfig, opts ...Option) (*RawFile, error) {
	o := buildOptions(opts)
	m, err := ParseMasterFile(masterPath)
	if err != nil {
		return nil, err
	}
	dt, err := types.FromBitdepth(m.Bitdepth)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", masterPath, err)
	}
	if m.ImageSize != 0 && m.ImageSize != m.PartBytes() {
		return nil, fmt.Errorf("%w: %s: image size %d does not match %dx%d pixels at %d bit",
			types.ErrConfig, masterPath, m.ImageSize, m.PartCols, m.PartRows, m.Bitdepth)
	}
	if cfg.ModuleGapRow < 0 || cfg.ModuleGapCol < 0 {
		return nil, fmt.Errorf("%w: negative module gap", types.ErrConfig)
	}

	r := &RawFile{
		master: m,
		cfg:    cfg,
		part:   PartGeometry{Rows: m.PartRows, Cols: m.PartCols, DType: dt},
		log:    o.log,
	}
	if err := r.openModules(opts); err != nil {
		r.Close()
		return nil, err
	}

	g := m.Geometry
	r.rows = g.Rows*m.PartRows + (g.Rows-1)*cfg.ModuleGapRow
	r.cols = g.Cols*m.PartCols + (g.Cols-1)*cfg.ModuleGapCol
	if !r.direct() {
		r.partBuf = make([]byte, r.part.Bytes())
	}
	r.indices = make([]int, len(r.modules))
	r.numbers = make([]uint64, len(r.modules))

	r.log.Info("raw file opened",
		"master", masterPath,
		"detector", m.Detector.String(),
		"geometry", g.String(),
		"frames", r.total,
		"rows", r.rows,
		"cols", r.cols,
		"dtype", dt.String())
	return r, nil
}

func (r *RawFile) openModules(opts []Option) error {
	m := r.master
	seen := make(map[modulePosition]int, m.Modules())
	moduleFrames := -1

	for idx := 0; idx < m.Modules(); idx++ {
		h, err := ReadFirstHeader(m.DataPath(idx, 0))
		if err != nil {
			return err
		}
		pos := modulePosition{Row: int(h.Row), Col: int(h.Column)}
		if pos.Row >= m.Geometry.Rows || pos.Col >= m.Geometry.Cols {
			return fmt.Errorf("%w: module %d reports position (%d, %d) outside geometry %s",
				types.ErrConfig, idx, pos.Row, pos.Col, m.Geometry)
		}
		if prev, dup := seen[pos]; dup {
			return fmt.Errorf("%w: modules %d and %d both report position (%d, %d)",
				types.ErrConfig, prev, idx, pos.Row, pos.Col)
		}
		seen[pos] = idx

		kind, ok := r.cfg.Overrides[idx]
		if !ok {
			role := PartRole{BottomHalf: m.Detector == types.Eiger && pos.Row%2 == 1}
			if kind, err = SelectTransform(m.Detector, m.Bitdepth, role, r.cfg.PixelMap); err != nil {
				return err
			}
		}
		r.modules = append(r.modules, module{pos: pos, kind: kind})
		mod := &r.modules[len(r.modules)-1]

		frames := 0
		for c := 0; c < m.Chunks(); c++ {
			sf, err := OpenSubFile(m.DataPath(idx, c), r.part, kind, r.cfg.PixelMap, opts...)
			if err != nil {
				return fmt.Errorf("module %d chunk %d: %w", idx, c, err)
			}
			mod.chunks = append(mod.chunks, sf)
			if c < m.Chunks()-1 && sf.Frames() != m.MaxFramesPerFile {
				return fmt.Errorf("%w: %s holds %d frames, expected %d",
					types.ErrConfig, sf.Path(), sf.Frames(), m.MaxFramesPerFile)
			}
			frames += sf.Frames()
		}

		if moduleFrames >= 0 && frames != moduleFrames {
			return fmt.Errorf("%w: module %d holds %d frames, module 0 holds %d",
				types.ErrConfig, idx, frames, moduleFrames)
		}
		moduleFrames = frames
	}

	r.total = moduleFrames
	if r.total != m.TotalFrames {
		r.log.Warn("data files disagree with master frame count",
			"master", m.TotalFrames, "data", r.total)
		r.total = min(r.total, m.TotalFrames)
	}
	return nil
}

// direct reports whether a frame can be read straight into caller storage.
func (r *RawFile) direct() bool { return len(r.modules) == 1 }

func (r *RawFile) Master() *MasterFile          { return r.master }
func (r *RawFile) Rows() int                    { return r.rows }
func (r *RawFile) Cols() int                    { return r.cols }
func (r *RawFile) DType() types.DType           { return r.part.DType }
func (r *RawFile) TotalFrames() int             { return r.total }
func (r *RawFile) Tell() int                    { return r.current }
func (r *RawFile) Geometry() types.Geometry     { return r.master.Geometry }
func (r *RawFile) Detector() types.DetectorType { return r.master.Detector }
func (r *RawFile) BytesPerFrame() int           { return r.rows * r.cols * r.part.DType.Bytes() }

// Transform returns the transform chosen for module idx.
func (r *RawFile) Transform(idx int) TransformKind { return r.modules[idx].kind }

func (r *RawFile) Seek(index int) error {
	if index < 0 || index > r.total {
		return fmt.Errorf("%w: seek to frame %d of %d", types.ErrConfig, index, r.total)
	}
	r.current = index
	return nil
}

func (r *RawFile) locate(mod, index int) (*SubFile, int) {
	if r.master.MaxFramesPerFile <= 0 {
		return r.modules[mod].chunks[0], index
	}
	chunk := index / r.master.MaxFramesPerFile
	return r.modules[mod].chunks[chunk], index % r.master.MaxFramesPerFile
}

// FrameNumber returns the detector frame number of frame index.
func (r *RawFile) FrameNumber(index int) (uint64, error) {
	if index < 0 || index >= r.total {
		return 0, fmt.Errorf("%w: frame %d of %d", types.ErrConfig, index, r.total)
	}
	sf, local := r.locate(0, index)
	h, err := sf.ReadHeader(local)
	if err != nil {
		return 0, err
	}
	return h.FrameNumber, nil
}

// align fills r.indices with per-module record indices that carry the same
// frame number, advancing lagging modules.
func (r *RawFile) align(index int) error {
	for i := range r.modules {
		r.indices[i] = index
		sf, local := r.locate(i, index)
		h, err := sf.ReadHeader(local)
		if err != nil {
			return err
		}
		r.numbers[i] = h.FrameNumber
	}
	if len(r.modules) == 1 {
		return nil
	}
	for {
		lo, hi := 0, 0
		for i, n := range r.numbers {
			if n < r.numbers[lo] {
				lo = i
			}
			if n > r.numbers[hi] {
				hi = i
			}
		}
		if r.numbers[lo] == r.numbers[hi] {
			return nil
		}
		r.indices[lo]++
		if r.indices[lo] >= r.total {
			r.log.Warn("module ran out of frames while aligning",
				"frame", index, "module", lo, "frame_number", r.numbers[hi])
			return io.EOF
		}
		sf, local := r.locate(lo, r.indices[lo])
		h, err := sf.ReadHeader(local)
		if err != nil {
			return err
		}
		r.numbers[lo] = h.FrameNumber
		r.log.Debug("advanced lagging module", "module", lo, "index", r.indices[lo], "frame_number", h.FrameNumber)
	}
}

// ReadInto assembles the frame at the cursor into dst, which must have the
// file's shape and dtype, and advances the cursor. A frame that fails to
// read is skipped. When a lagging module runs out of records the
// acquisition ends with io.EOF.
func (r *RawFile) ReadInto(dst *types.Frame) error {
	if r.modules == nil {
		return types.ErrClosed
	}
	if r.current >= r.total {
		return io.EOF
	}
	if dst.Rows != r.rows || dst.Cols != r.cols || dst.DType != r.part.DType || len(dst.Data) != r.BytesPerFrame() {
		return fmt.Errorf("%w: destination frame %dx%d %s does not match file %dx%d %s",
			types.ErrConfig, dst.Rows, dst.Cols, dst.DType, r.rows, r.cols, r.part.DType)
	}
	if err := r.align(r.current); err != nil {
		if errors.Is(err, io.EOF) {
			r.current = r.total
		} else {
			r.current++
		}
		return err
	}
	if err := r.assemble(dst); err != nil {
		r.current++
		return err
	}
	dst.Number = r.numbers[0]
	r.current++
	return nil
}

// assemble reads the aligned records into dst.
func (r *RawFile) assemble(dst *types.Frame) error {
	if r.direct() {
		sf, local := r.locate(0, r.indices[0])
		if err := sf.Seek(local); err != nil {
			return err
		}
		if _, err := sf.ReadImpl(dst.Data, 1); err != nil {
			return err
		}
	} else {
		if r.cfg.ModuleGapRow > 0 || r.cfg.ModuleGapCol > 0 {
			clear(dst.Data)
		}
		for i, mod := range r.modules {
			sf, local := r.locate(i, r.indices[i])
			if err := sf.Seek(local); err != nil {
				return err
			}
			if _, err := sf.ReadImpl(r.partBuf, 1); err != nil {
				return err
			}
			r.place(dst.Data, mod.pos)
		}
	}
	return nil
}

// place copies the part buffer into frame at the module position.
func (r *RawFile) place(frame []byte, pos modulePosition) {
	size := r.part.DType.Bytes()
	rowBytes := r.part.Cols * size
	top := pos.Row * (r.part.Rows + r.cfg.ModuleGapRow)
	left := pos.Col * (r.part.Cols + r.cfg.ModuleGapCol)
	for row := 0; row < r.part.Rows; row++ {
		dst := ((top+row)*r.cols + left) * size
		copy(frame[dst:dst+rowBytes], r.partBuf[row*rowBytes:(row+1)*rowBytes])
	}
}

func (r *RawFile) Read() (*types.Frame, error) {
	frame := types.NewFrame(r.rows, r.cols, r.part.DType)
	if err := r.ReadInto(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadN reads up to n frames, stopping early at the end of the acquisition.
func (r *RawFile) ReadN(n int) ([]*types.Frame, error) {
	if remaining := r.total - r.current; n > remaining {
		n = remaining
	}
	out := make([]*types.Frame, 0, n)
	for i := 0; i < n; i++ {
		frame, err := r.Read()
		if err != nil {
			return out, err
		}
		out = append(out, frame)
	}
	return out, nil
}

func (r *RawFile) Close() error {
	var first error
	for _, mod := range r.modules {
		for _, sf := range mod.chunks {
			if err := sf.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.modules = nil
	return first
}
