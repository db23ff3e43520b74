package rawfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"slsframe-go/internal/types"
)

const defaultVersion = "7.2"

// Writer records frames as a single-module acquisition: a JSON master file
// and one or more data files.
type Writer struct {
	master  *MasterFile
	cfg     types.FileConfig
	part    PartGeometry
	inverse []int

	chunk   *os.File
	chunkNo int
	frames  int
	record  []byte
	closed  bool
	log     *slog.Logger
}

// CreateRawFile prepares a new acquisition named by masterPath, which must
// look like <base>_master_<index>.json and must not exist yet.
func CreateRawFile(masterPath string, cfg types.FileConfig, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if filepath.Ext(masterPath) != ".json" {
		return nil, fmt.Errorf("%w: only json master files can be written", types.ErrConfig)
	}
	if cfg.Geometry != (types.Geometry{}) && cfg.Geometry != (types.Geometry{Rows: 1, Cols: 1}) {
		return nil, fmt.Errorf("%w: only single module files can be written, got geometry %s", types.ErrConfig, cfg.Geometry)
	}
	if _, err := os.Stat(masterPath); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", types.ErrConfig, masterPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	base, index, err := splitMasterName(masterPath)
	if err != nil {
		return nil, err
	}

	bitdepth := cfg.DType.Bitdepth()
	kind, err := SelectTransform(cfg.Detector, bitdepth, PartRole{}, nil)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		master: &MasterFile{
			Path:             masterPath,
			BaseDir:          filepath.Dir(masterPath),
			BaseName:         base,
			Index:            index,
			Ext:              ".json",
			Version:          cfg.Version,
			Detector:         cfg.Detector,
			TimingMode:       "auto",
			PartRows:         cfg.Rows,
			PartCols:         cfg.Cols,
			MaxFramesPerFile: cfg.MaxFramesPerFile,
			Bitdepth:         bitdepth,
			Geometry:         types.Geometry{Rows: 1, Cols: 1},
		},
		cfg:  cfg,
		part: PartGeometry{Rows: cfg.Rows, Cols: cfg.Cols, DType: cfg.DType},
		log:  o.log,
	}
	if w.master.Version == "" {
		w.master.Version = defaultVersion
	}
	w.master.ImageSize = w.part.Bytes()
	w.record = make([]byte, HeaderSize+w.part.Bytes())

	// Store frames in readout order so that reading them back through the
	// selected transform reproduces the input.
	switch kind {
	case Normal:
	case Reorder:
		if w.part.Rows != moench03Rows || w.part.Cols != moench03Cols {
			return nil, fmt.Errorf("%w: %s needs %dx%d frames", types.ErrConfig, cfg.Detector, moench03Rows, moench03Cols)
		}
		if w.inverse, err = InvertTable(moench03Table()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: cannot write %s files with transform %s", types.ErrConfig, cfg.Detector, kind)
	}
	return w, nil
}

func (w *Writer) Frames() int { return w.frames }

func (w *Writer) openChunk() error {
	if w.chunk != nil {
		if err := w.chunk.Close(); err != nil {
			return err
		}
		w.chunkNo++
	}
	f, err := os.Create(w.master.DataPath(0, w.chunkNo))
	if err != nil {
		return err
	}
	w.chunk = f
	return nil
}

// Write appends frame using its Number as the detector frame number.
func (w *Writer) Write(frame *types.Frame) error {
	return w.WriteWithHeader(frame, DetectorHeader{
		FrameNumber: frame.Number,
		Timestamp:   uint64(time.Now().UnixNano()),
	})
}

// WriteWithHeader appends frame with an explicit header. Row, Column and
// ModID are forced to the single module position.
func (w *Writer) WriteWithHeader(frame *types.Frame, h DetectorHeader) error {
	if w.closed {
		return types.ErrClosed
	}
	if frame.Rows != w.part.Rows || frame.Cols != w.part.Cols || frame.DType != w.part.DType {
		return fmt.Errorf("%w: frame %dx%d %s does not match file %dx%d %s",
			types.ErrConfig, frame.Rows, frame.Cols, frame.DType, w.part.Rows, w.part.Cols, w.part.DType)
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	if w.chunk == nil || (w.cfg.MaxFramesPerFile > 0 && w.frames > 0 && w.frames%w.cfg.MaxFramesPerFile == 0) {
		if err := w.openChunk(); err != nil {
			return err
		}
	}

	h.ModID, h.Row, h.Column = 0, 0, 0
	h.Encode(w.record[:HeaderSize])
	if w.inverse != nil {
		if err := ApplyTransform(Map, w.record[HeaderSize:], frame.Data, w.part, w.inverse); err != nil {
			return err
		}
	} else {
		copy(w.record[HeaderSize:], frame.Data)
	}
	if _, err := w.chunk.Write(w.record); err != nil {
		return err
	}
	w.frames++
	return nil
}

// Close finishes the last data file and writes the master file with the
// final frame count.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.chunk != nil {
		if err := w.chunk.Close(); err != nil {
			return err
		}
	}
	if w.master.MaxFramesPerFile <= 0 {
		w.master.MaxFramesPerFile = max(w.frames, 1)
	}
	w.master.TotalFrames = w.frames
	if err := w.writeMaster(); err != nil {
		return err
	}
	w.log.Info("raw file written", "master", w.master.Path, "frames", w.frames, "data_files", w.chunkNo+1)
	return nil
}

func (w *Writer) writeMaster() error {
	m := w.master
	version, err := json.Marshal(m.Version)
	if err != nil {
		return err
	}
	frames := m.TotalFrames
	dr := m.Bitdepth
	layout := make(map[string]string, len(headerLayout))
	for _, f := range headerLayout {
		unit := "bytes"
		if f.width == 1 {
			unit = "byte"
		}
		layout[f.name] = fmt.Sprintf("%d %s", f.width, unit)
	}
	doc := struct {
		masterJSON
		FrameHeaderFormat map[string]string `json:"Frame Header Format"`
	}{
		masterJSON: masterJSON{
			Version:          version,
			Timestamp:        time.Now().Format(time.RFC3339),
			DetectorType:     m.Detector.String(),
			TimingMode:       m.TimingMode,
			Geometry:         &xyJSON{X: m.Geometry.Cols, Y: m.Geometry.Rows},
			ImageSize:        m.ImageSize,
			Pixels:           xyJSON{X: m.PartCols, Y: m.PartRows},
			MaxFramesPerFile: m.MaxFramesPerFile,
			DynamicRange:     &dr,
			TotalFrames:      &frames,
			FramesInFile:     &frames,
		},
		FrameHeaderFormat: layout,
	}
	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.Path, out, 0o644)
}
