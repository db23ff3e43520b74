package rawfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"slsframe-go/internal/types"
)

// SubFile reads the records of one data file: a DetectorHeader followed by
// one frame part, repeated. It is not safe for concurrent use.
type SubFile struct {
	f       *os.File
	path    string
	geom    PartGeometry
	kind    TransformKind
	table   []int
	frames  int
	current int
	header  [HeaderSize]byte
	scratch []byte
	log     *slog.Logger
}

// OpenSubFile opens path for reading. The transform is fixed for the
// lifetime of the SubFile.
func OpenSubFile(path string, geom PartGeometry, kind TransformKind, table []int, opts ...Option) (*SubFile, error) {
	o := buildOptions(opts)
	if geom.Rows < 1 || geom.Cols < 1 || geom.DType == types.None {
		return nil, fmt.Errorf("%w: invalid part geometry %dx%d %s", types.ErrConfig, geom.Rows, geom.Cols, geom.DType)
	}
	switch kind {
	case Map:
		if err := checkTable(table, geom.Pixels()); err != nil {
			return nil, err
		}
	case Reorder:
		if geom.Rows != moench03Rows || geom.Cols != moench03Cols || geom.DType.Bytes() != 2 {
			return nil, fmt.Errorf("%w: reorder needs a %dx%d 16 bit part, got %dx%d %s",
				types.ErrConfig, moench03Rows, moench03Cols, geom.Rows, geom.Cols, geom.DType)
		}
	case Normal, Flip:
	default:
		return nil, fmt.Errorf("%w: unknown transform %d", types.ErrConfig, int(kind))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	sf := &SubFile{
		f:     f,
		path:  path,
		geom:  geom,
		kind:  kind,
		table: table,
		log:   o.log,
	}
	record := int64(sf.recordSize())
	sf.frames = int(info.Size() / record)
	if rest := info.Size() % record; rest != 0 {
		sf.log.Warn("data file ends with a partial record", "path", path, "trailing_bytes", rest)
	}
	if kind != Normal {
		sf.scratch = make([]byte, geom.Bytes())
	}
	sf.log.Debug("subfile opened", "path", path, "frames", sf.frames, "transform", kind.String())
	return sf, nil
}

func (s *SubFile) recordSize() int { return HeaderSize + s.geom.Bytes() }

func (s *SubFile) BytesPerPart() int        { return s.geom.Bytes() }
func (s *SubFile) Frames() int              { return s.frames }
func (s *SubFile) Tell() int                { return s.current }
func (s *SubFile) Geometry() PartGeometry   { return s.geom }
func (s *SubFile) Transform() TransformKind { return s.kind }
func (s *SubFile) Path() string             { return s.path }

func (s *SubFile) Seek(index int) error {
	if index < 0 || index > s.frames {
		return fmt.Errorf("%w: seek to record %d of %d in %s", types.ErrConfig, index, s.frames, s.path)
	}
	s.current = index
	return nil
}

// ReadHeader returns the header of record index without moving the cursor.
func (s *SubFile) ReadHeader(index int) (DetectorHeader, error) {
	if index < 0 || index >= s.frames {
		return DetectorHeader{}, fmt.Errorf("%w: header %d requested, %s holds %d records", types.ErrFormat, index, s.path, s.frames)
	}
	var buf [HeaderSize]byte
	if _, err := s.f.ReadAt(buf[:], int64(index)*int64(s.recordSize())); err != nil {
		return DetectorHeader{}, s.readErr(err, index)
	}
	return DecodeHeader(buf[:])
}

// ReadImpl reads frameCount records from the cursor into dst, applying the
// transform, and returns their headers.
func (s *SubFile) ReadImpl(dst []byte, frameCount int) ([]DetectorHeader, error) {
	part := s.geom.Bytes()
	if len(dst) < frameCount*part {
		return nil, fmt.Errorf("%w: destination holds %d bytes, %d parts need %d", types.ErrConfig, len(dst), frameCount, frameCount*part)
	}
	if s.current+frameCount > s.frames {
		return nil, fmt.Errorf("%w: %s truncated: %d records requested at %d, file holds %d",
			types.ErrFormat, s.path, frameCount, s.current, s.frames)
	}

	headers := make([]DetectorHeader, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		off := int64(s.current) * int64(s.recordSize())
		if _, err := s.f.ReadAt(s.header[:], off); err != nil {
			return headers, s.readErr(err, s.current)
		}
		h, err := DecodeHeader(s.header[:])
		if err != nil {
			return headers, err
		}

		out := dst[i*part : (i+1)*part]
		if s.kind == Normal {
			if _, err := s.f.ReadAt(out, off+HeaderSize); err != nil {
				return headers, s.readErr(err, s.current)
			}
		} else {
			if _, err := s.f.ReadAt(s.scratch, off+HeaderSize); err != nil {
				return headers, s.readErr(err, s.current)
			}
			if err := ApplyTransform(s.kind, out, s.scratch, s.geom, s.table); err != nil {
				return headers, err
			}
		}
		headers = append(headers, h)
		s.current++
	}
	return headers, nil
}

func (s *SubFile) readErr(err error, index int) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s truncated at record %d", types.ErrFormat, s.path, index)
	}
	return fmt.Errorf("reading %s record %d: %w", s.path, index, err)
}

func (s *SubFile) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadFirstHeader decodes the header of the first record in path.
func ReadFirstHeader(path string) (DetectorHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return DetectorHeader{}, err
	}
	defer f.Close()
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return DetectorHeader{}, fmt.Errorf("%w: %s: reading first header: %v", types.ErrFormat, path, err)
	}
	return DecodeHeader(buf[:])
}
