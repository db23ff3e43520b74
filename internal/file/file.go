// Package file opens detector frame files without the caller knowing the
// on-disk format.
package file

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"slsframe-go/internal/numpy"
	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

// Reader is the frame access shared by every supported format.
type Reader interface {
	Read() (*types.Frame, error)
	ReadN(n int) ([]*types.Frame, error)
	ReadInto(dst *types.Frame) error
	Seek(index int) error
	Tell() int
	Rows() int
	Cols() int
	DType() types.DType
	TotalFrames() int
	Close() error
}

// Format names the backend chosen by Open.
type Format string

const (
	FormatNumpy Format = "numpy"
	FormatRaw   Format = "raw"
)

type options struct {
	log    *slog.Logger
	rawCfg rawfile.RawFileConfig
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRawConfig sets how raw acquisitions are assembled.
func WithRawConfig(cfg rawfile.RawFileConfig) Option {
	return func(o *options) { o.rawCfg = cfg }
}

// File wraps the backend selected once at open time.
type File struct {
	Reader
	path   string
	format Format
}

func (f *File) Path() string   { return f.path }
func (f *File) Format() Format { return f.format }

// BytesPerFrame is the size of one frame in memory.
func (f *File) BytesPerFrame() int { return f.Rows() * f.Cols() * f.DType().Bytes() }

// Open detects the format from the file signature, falling back to the
// name, and opens the matching backend.
func Open(path string, opts ...Option) (*File, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}

	var r Reader
	switch format {
	case FormatNumpy:
		r, err = numpy.Open(path, numpy.WithLogger(o.log))
	case FormatRaw:
		r, err = rawfile.OpenRawFile(path, o.rawCfg, rawfile.WithLogger(o.log))
	}
	if err != nil {
		return nil, err
	}
	return &File{Reader: r, path: path, format: format}, nil
}

// Detect reports which backend can read path.
func Detect(path string) (Format, error) {
	if rawfile.IsMasterFile(path) {
		return FormatRaw, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	prefix := make([]byte, 6)
	n, err := io.ReadFull(f, prefix)
	if err == nil && numpy.IsNumpy(prefix[:n]) {
		return FormatNumpy, nil
	}
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		return "", fmt.Errorf("%w: %s has a .npy name but no numpy signature", types.ErrFormat, path)
	}
	return "", fmt.Errorf("%w: cannot tell the format of %s", types.ErrFormat, path)
}

// Create opens a writable numpy file. Raw acquisitions are written with
// rawfile.CreateRawFile.
func Create(path string, cfg types.FileConfig, opts ...Option) (*numpy.File, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if !strings.EqualFold(filepath.Ext(path), ".npy") {
		return nil, fmt.Errorf("%w: %s: only .npy files can be created here", types.ErrConfig, path)
	}
	return numpy.Create(path, cfg, numpy.WithLogger(o.log))
}
