package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"slsframe-go/internal/types"
)

const hitLogMagic = "SLSHITS1"

// maxRecordSize bounds a single record so a corrupt length cannot trigger
// a huge allocation.
const maxRecordSize = 64 << 20

// HitRecord is the hits of one frame as stored in a hit log.
type HitRecord struct {
	Frame uint64      `cbor:"frame" json:"frame"`
	Hits  []types.Hit `cbor:"hits" json:"hits"`
}

// HitLogWriter appends CBOR hit records to a file that starts with the
// magic and a run id. It is safe for concurrent use.
type HitLogWriter struct {
	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	path  string
	runID uuid.UUID
	count uint64
}

func NewHitLogWriter(outputDir string, prefix string) (*HitLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	runID := uuid.New()
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(hitLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := w.Write(runID[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &HitLogWriter{
		f:     f,
		w:     w,
		path:  filename,
		runID: runID,
	}, nil
}

func (h *HitLogWriter) Path() string     { return h.path }
func (h *HitLogWriter) RunID() uuid.UUID { return h.runID }

func (h *HitLogWriter) Records() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *HitLogWriter) Write(rec HitRecord) error {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.w == nil {
		return fmt.Errorf("hit log: %w", types.ErrClosed)
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := h.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := h.w.Write(payload); err != nil {
		return err
	}
	h.count++
	return h.w.Flush()
}

// Consume records frames that produced at least one hit.
func (h *HitLogWriter) Consume(frame *types.Frame, hits []types.Hit) error {
	if len(hits) == 0 {
		return nil
	}
	return h.Write(HitRecord{Frame: frame.Number, Hits: hits})
}

func (h *HitLogWriter) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.w == nil {
		return nil
	}
	if err := h.w.Flush(); err != nil {
		_ = h.f.Close()
		h.w = nil
		return err
	}
	err := h.f.Close()
	h.w = nil
	return err
}

// HitLogReader reads the records of a hit log in order.
type HitLogReader struct {
	f     *os.File
	r     *bufio.Reader
	runID uuid.UUID
}

func OpenHitLog(path string) (*HitLogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	header := make([]byte, len(hitLogMagic)+len(uuid.UUID{}))
	if _, err := io.ReadFull(r, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: hit log header: %v", types.ErrFormat, err)
	}
	if string(header[:len(hitLogMagic)]) != hitLogMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: unexpected hit log magic %q", types.ErrFormat, header[:len(hitLogMagic)])
	}
	runID, err := uuid.FromBytes(header[len(hitLogMagic):])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: hit log run id: %v", types.ErrFormat, err)
	}
	return &HitLogReader{f: f, r: r, runID: runID}, nil
}

func (h *HitLogReader) RunID() uuid.UUID { return h.runID }

// Next returns the next record and the time it was written. It returns
// io.EOF after the last complete record.
func (h *HitLogReader) Next() (HitRecord, time.Time, error) {
	var meta [12]byte
	if _, err := io.ReadFull(h.r, meta[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return HitRecord{}, time.Time{}, io.EOF
		}
		return HitRecord{}, time.Time{}, fmt.Errorf("%w: truncated record header", types.ErrFormat)
	}
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(meta[:8])))
	size := binary.LittleEndian.Uint32(meta[8:12])
	if size > maxRecordSize {
		return HitRecord{}, ts, fmt.Errorf("%w: record of %d bytes", types.ErrFormat, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(h.r, payload); err != nil {
		return HitRecord{}, ts, fmt.Errorf("%w: truncated record payload", types.ErrFormat)
	}
	var rec HitRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return HitRecord{}, ts, fmt.Errorf("%w: record payload: %v", types.ErrFormat, err)
	}
	return rec, ts, nil
}

func (h *HitLogReader) Close() error { return h.f.Close() }
