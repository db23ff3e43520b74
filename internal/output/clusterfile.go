package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"slsframe-go/internal/types"
)

// clusterSize is the encoded size of one Cluster: two int16 coordinates
// followed by nine int32 values.
const clusterSize = 2 + 2 + 9*4

// Cluster is a 3x3 window around a seed pixel as stored in a cluster file.
// Data is row-major starting at (Y-1, X-1); the seed is Data[4].
type Cluster struct {
	X    int16    `json:"x"`
	Y    int16    `json:"y"`
	Data [9]int32 `json:"data"`
}

// ClusterFrame is the clusters found in one frame.
type ClusterFrame struct {
	Number   int32     `json:"frame_number"`
	Clusters []Cluster `json:"clusters"`
}

// ClusterFromHit converts a hit found with a 3x3 window.
func ClusterFromHit(h types.Hit) (Cluster, error) {
	if len(h.Pixels) != 9 {
		return Cluster{}, fmt.Errorf("%w: cluster file needs a 3x3 window, hit has %d pixels", types.ErrConfig, len(h.Pixels))
	}
	if h.Row > math.MaxInt16 || h.Col > math.MaxInt16 || h.Row < 0 || h.Col < 0 {
		return Cluster{}, fmt.Errorf("%w: hit at (%d, %d) does not fit a cluster", types.ErrConfig, h.Row, h.Col)
	}
	c := Cluster{X: int16(h.Col), Y: int16(h.Row)}
	for i, v := range h.Pixels {
		c.Data[i] = int32(max(min(math.Round(v), math.MaxInt32), math.MinInt32))
	}
	return c, nil
}

// ClusterFileWriter writes frames of clusters in the little-endian layout
// [int32 frame][uint32 n] followed by n clusters. It is safe for
// concurrent use.
type ClusterFileWriter struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	path     string
	buf      []byte
	frames   uint64
	clusters uint64
}

func CreateClusterFile(path string) (*ClusterFileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &ClusterFileWriter{
		f:    f,
		w:    bufio.NewWriterSize(f, 1024*1024),
		path: path,
	}, nil
}

func (c *ClusterFileWriter) Path() string { return c.path }

func (c *ClusterFileWriter) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *ClusterFileWriter) Clusters() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusters
}

func (c *ClusterFileWriter) WriteFrame(fr ClusterFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return fmt.Errorf("cluster file: %w", types.ErrClosed)
	}
	b := c.buf[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(fr.Number))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(fr.Clusters)))
	for _, cl := range fr.Clusters {
		b = binary.LittleEndian.AppendUint16(b, uint16(cl.X))
		b = binary.LittleEndian.AppendUint16(b, uint16(cl.Y))
		for _, v := range cl.Data {
			b = binary.LittleEndian.AppendUint32(b, uint32(v))
		}
	}
	c.buf = b
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	c.frames++
	c.clusters += uint64(len(fr.Clusters))
	return c.w.Flush()
}

// Consume writes every frame, including frames without hits. Frame numbers
// are truncated to int32.
func (c *ClusterFileWriter) Consume(frame *types.Frame, hits []types.Hit) error {
	fr := ClusterFrame{Number: int32(frame.Number), Clusters: make([]Cluster, 0, len(hits))}
	for _, h := range hits {
		cl, err := ClusterFromHit(h)
		if err != nil {
			return err
		}
		fr.Clusters = append(fr.Clusters, cl)
	}
	return c.WriteFrame(fr)
}

func (c *ClusterFileWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	if err := c.w.Flush(); err != nil {
		_ = c.f.Close()
		c.w = nil
		return err
	}
	err := c.f.Close()
	c.w = nil
	return err
}

// ClusterFileReader reads a cluster file either frame by frame or as a flat
// run of clusters.
type ClusterFileReader struct {
	f     *os.File
	ks    *kaitai.Stream
	frame int32
	left  uint32
}

func OpenClusterFile(path string) (*ClusterFileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &ClusterFileReader{f: f, ks: kaitai.NewStream(f)}, nil
}

// Frame is the number of the frame whose clusters are being read.
func (c *ClusterFileReader) Frame() int32 { return c.frame }

// ReadFrame returns the next frame. It fails if ReadClusters left part of
// the current frame unread and returns io.EOF at a clean end of file.
func (c *ClusterFileReader) ReadFrame() (ClusterFrame, error) {
	if c.left != 0 {
		return ClusterFrame{}, fmt.Errorf("%w: %d clusters of frame %d left unread", types.ErrFormat, c.left, c.frame)
	}
	if err := c.nextFrame(); err != nil {
		return ClusterFrame{}, err
	}
	fr := ClusterFrame{Number: c.frame, Clusters: make([]Cluster, 0, c.left)}
	for c.left > 0 {
		cl, err := c.readCluster()
		if err != nil {
			return ClusterFrame{}, err
		}
		fr.Clusters = append(fr.Clusters, cl)
		c.left--
	}
	return fr, nil
}

// ReadClusters returns up to n clusters, continuing into following frames
// as needed. It returns fewer than n only at the end of the file.
func (c *ClusterFileReader) ReadClusters(n int) ([]Cluster, error) {
	out := make([]Cluster, 0, n)
	for len(out) < n {
		if c.left == 0 {
			err := c.nextFrame()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return out, err
			}
			continue
		}
		cl, err := c.readCluster()
		if err != nil {
			return out, err
		}
		out = append(out, cl)
		c.left--
	}
	return out, nil
}

func (c *ClusterFileReader) Close() error { return c.f.Close() }

func (c *ClusterFileReader) nextFrame() error {
	eof, err := c.ks.EOF()
	if err != nil {
		return err
	}
	if eof {
		return io.EOF
	}
	number, err := c.ks.ReadS4le()
	if err != nil {
		return fmt.Errorf("%w: truncated frame header", types.ErrFormat)
	}
	n, err := c.ks.ReadU4le()
	if err != nil {
		return fmt.Errorf("%w: truncated frame header", types.ErrFormat)
	}
	c.frame, c.left = number, n
	return nil
}

func (c *ClusterFileReader) readCluster() (Cluster, error) {
	b, err := c.ks.ReadBytes(clusterSize)
	if err != nil {
		return Cluster{}, fmt.Errorf("%w: truncated cluster in frame %d", types.ErrFormat, c.frame)
	}
	cl := Cluster{
		X: int16(binary.LittleEndian.Uint16(b[0:2])),
		Y: int16(binary.LittleEndian.Uint16(b[2:4])),
	}
	for i := range cl.Data {
		cl.Data[i] = int32(binary.LittleEndian.Uint32(b[4+4*i:]))
	}
	return cl, nil
}
