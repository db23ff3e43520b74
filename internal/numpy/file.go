package numpy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"slsframe-go/internal/types"
)

type Option func(*File)

func WithLogger(l *slog.Logger) Option {
	return func(f *File) {
		if l != nil {
			f.log = l
		}
	}
}

// File reads or writes a stack of 2-D frames stored as a C-ordered .npy
// array of shape (frames, rows, cols). One- and two-dimensional arrays are
// read as a single frame.
type File struct {
	f          *os.File
	path       string
	writable   bool
	header     Header
	headerLen  int
	rows       int
	cols       int
	frames     int
	frameBytes int
	current    int
	closed     bool
	log        *slog.Logger
}

// Open opens an existing .npy file for reading.
func Open(path string, opts ...Option) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, headerLen, err := ReadHeader(fh)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	nf := &File{f: fh, path: path, header: h, headerLen: headerLen, log: slog.Default()}
	for _, opt := range opts {
		opt(nf)
	}
	if err := nf.loadShape(); err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	info, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, err
	}
	data, ok := mulSize(nf.frames, nf.frameBytes)
	if !ok || int64(data) > info.Size()-int64(headerLen) {
		fh.Close()
		return nil, fmt.Errorf("%w: %s truncated: %d bytes, header declares %v of %s",
			types.ErrFormat, path, info.Size(), h.Shape, h.DType)
	}
	nf.log.Debug("numpy file opened", "path", path, "header", h.String())
	return nf, nil
}

func (f *File) loadShape() error {
	h := f.header
	if h.FortranOrder && len(h.Shape) > 1 {
		return fmt.Errorf("%w: fortran_order arrays are not supported", types.ErrFormat)
	}
	switch len(h.Shape) {
	case 1:
		f.frames, f.rows, f.cols = 1, 1, h.Shape[0]
	case 2:
		f.frames, f.rows, f.cols = 1, h.Shape[0], h.Shape[1]
	case 3:
		f.frames, f.rows, f.cols = h.Shape[0], h.Shape[1], h.Shape[2]
	default:
		return fmt.Errorf("%w: unsupported numpy shape %v", types.ErrFormat, h.Shape)
	}
	size, ok := mulSize(f.rows, f.cols, h.DType.Bytes())
	if !ok {
		return fmt.Errorf("%w: frame shape %dx%d overflows", types.ErrFormat, f.rows, f.cols)
	}
	f.frameBytes = size
	return nil
}

// Create writes a new .npy file. The frame count in the header is updated
// on Close.
func Create(path string, cfg types.FileConfig, opts ...Option) (*File, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := Header{DType: cfg.DType, Shape: []int{0, cfg.Rows, cfg.Cols}}
	// size for the largest frame count a 64-bit int can spell so the header
	// never grows on rewrite.
	sizing := Header{DType: cfg.DType, Shape: []int{1 << 62, cfg.Rows, cfg.Cols}}
	sized, err := EncodeHeader(sizing, 0)
	if err != nil {
		return nil, err
	}
	raw, err := EncodeHeader(h, len(sized))
	if err != nil {
		return nil, err
	}

	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := fh.Write(raw); err != nil {
		fh.Close()
		return nil, err
	}
	nf := &File{
		f:          fh,
		path:       path,
		writable:   true,
		header:     h,
		headerLen:  len(raw),
		rows:       cfg.Rows,
		cols:       cfg.Cols,
		frameBytes: cfg.Rows * cfg.Cols * cfg.DType.Bytes(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(nf)
	}
	return nf, nil
}

func (f *File) Header() Header     { return f.header }
func (f *File) Rows() int          { return f.rows }
func (f *File) Cols() int          { return f.cols }
func (f *File) DType() types.DType { return f.header.DType }
func (f *File) TotalFrames() int   { return f.frames }
func (f *File) Tell() int          { return f.current }
func (f *File) BytesPerFrame() int { return f.frameBytes }
func (f *File) Path() string       { return f.path }

func (f *File) Seek(index int) error {
	if f.closed {
		return types.ErrClosed
	}
	if index < 0 || index > f.frames {
		return fmt.Errorf("%w: seek to frame %d of %d", types.ErrConfig, index, f.frames)
	}
	f.current = index
	return nil
}

// Read returns the frame at the cursor and advances it.
func (f *File) Read() (*types.Frame, error) {
	frame := types.NewFrame(f.rows, f.cols, f.header.DType)
	if err := f.ReadInto(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// ReadN reads up to n frames. It stops early at end of file.
func (f *File) ReadN(n int) ([]*types.Frame, error) {
	if remaining := f.frames - f.current; n > remaining {
		n = remaining
	}
	out := make([]*types.Frame, 0, n)
	for i := 0; i < n; i++ {
		frame, err := f.Read()
		if err != nil {
			return out, err
		}
		out = append(out, frame)
	}
	return out, nil
}

// ReadInto fills dst, which must already have the file's shape and dtype.
func (f *File) ReadInto(dst *types.Frame) error {
	if f.closed {
		return types.ErrClosed
	}
	if f.current >= f.frames {
		return io.EOF
	}
	if dst.Rows != f.rows || dst.Cols != f.cols || dst.DType != f.header.DType || len(dst.Data) != f.BytesPerFrame() {
		return fmt.Errorf("%w: destination frame %dx%d %s does not match file %dx%d %s",
			types.ErrConfig, dst.Rows, dst.Cols, dst.DType, f.rows, f.cols, f.header.DType)
	}
	off := int64(f.headerLen) + int64(f.current)*int64(f.BytesPerFrame())
	if _, err := f.f.ReadAt(dst.Data, off); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s truncated at frame %d", types.ErrFormat, f.path, f.current)
		}
		return err
	}
	dst.Number = uint64(f.current)
	f.current++
	return nil
}

// Write appends a frame. The frame must match the shape given to Create.
func (f *File) Write(frame *types.Frame) error {
	if f.closed {
		return types.ErrClosed
	}
	if !f.writable {
		return fmt.Errorf("%w: %s opened read-only", types.ErrConfig, f.path)
	}
	if frame.Rows != f.rows || frame.Cols != f.cols || frame.DType != f.header.DType {
		return fmt.Errorf("%w: frame %dx%d %s does not match file %dx%d %s",
			types.ErrConfig, frame.Rows, frame.Cols, frame.DType, f.rows, f.cols, f.header.DType)
	}
	off := int64(f.headerLen) + int64(f.frames)*int64(f.BytesPerFrame())
	if _, err := f.f.WriteAt(frame.Data, off); err != nil {
		return err
	}
	f.frames++
	return nil
}

func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.writable {
		f.header.Shape[0] = f.frames
		raw, err := EncodeHeader(f.header, f.headerLen)
		if err != nil {
			f.f.Close()
			return err
		}
		if _, err := f.f.WriteAt(raw, 0); err != nil {
			f.f.Close()
			return err
		}
		f.log.Debug("numpy file written", "path", f.path, "frames", f.frames)
	}
	return f.f.Close()
}

// LoadArray reads a whole .npy file into memory.
func LoadArray(path string) (Header, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, err
	}
	h, headerLen, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.FortranOrder && len(h.Shape) > 1 {
		return Header{}, nil, fmt.Errorf("%w: %s: fortran_order arrays are not supported", types.ErrFormat, path)
	}
	elems, err := h.Elements()
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	need, ok := mulSize(elems, h.DType.Bytes())
	if !ok || len(raw)-headerLen < need {
		return Header{}, nil, fmt.Errorf("%w: %s truncated", types.ErrFormat, path)
	}
	return h, raw[headerLen : headerLen+need], nil
}

// SaveArray writes data as a .npy file with the given shape.
func SaveArray(path string, dt types.DType, shape []int, data []byte) error {
	h := Header{DType: dt, Shape: shape}
	elems, err := h.Elements()
	if err != nil {
		return err
	}
	if size, ok := mulSize(elems, dt.Bytes()); !ok || size != len(data) {
		return fmt.Errorf("%w: %d bytes do not match shape %v of %s", types.ErrConfig, len(data), shape, dt)
	}
	raw, err := EncodeHeader(h, 0)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, data...), 0o644)
}
