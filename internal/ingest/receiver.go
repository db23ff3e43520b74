package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"slsframe-go/internal/ratelog"
	"slsframe-go/internal/types"
)

const (
	defaultHWM       = 4
	defaultFrameSize = 1024 * 1024 * 4
)

// ParseSocketType maps a config name to a receiving socket type.
func ParseSocketType(name string) (zmq4.Type, error) {
	switch strings.ToLower(name) {
	case "", "sub":
		return zmq4.SUB, nil
	case "pull":
		return zmq4.PULL, nil
	}
	return zmq4.SUB, fmt.Errorf("%w: unsupported receive socket type %q", types.ErrConfig, name)
}

// ZmqFrame is one decoded stream message. Frame is nil on the
// end-of-acquisition header.
type ZmqFrame struct {
	Header ZmqHeader
	Frame  *types.Frame
}

// Stats counts receive outcomes. Safe to read while receiving.
type Stats struct {
	Messages       atomic.Uint64
	Frames         atomic.Uint64
	Timeouts       atomic.Uint64
	ProtocolErrors atomic.Uint64
	FormatErrors   atomic.Uint64
	EndOfAcq       atomic.Uint64
}

type StatsSnapshot struct {
	Messages       uint64 `json:"messages"`
	Frames         uint64 `json:"frames"`
	Timeouts       uint64 `json:"timeouts"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	FormatErrors   uint64 `json:"format_errors"`
	EndOfAcq       uint64 `json:"end_of_acquisition"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Messages:       s.Messages.Load(),
		Frames:         s.Frames.Load(),
		Timeouts:       s.Timeouts.Load(),
		ProtocolErrors: s.ProtocolErrors.Load(),
		FormatErrors:   s.FormatErrors.Load(),
		EndOfAcq:       s.EndOfAcq.Load(),
	}
}

// Receiver reads header and payload messages from a detector stream. One
// goroutine owns a Receiver.
type Receiver struct {
	endpoint  string
	sockType  zmq4.Type
	sock      *zmq4.Socket
	timeout   time.Duration
	hwm       int
	frameSize int

	// payload parts that arrived in the same message as the last header
	pending [][]byte
	// bundled is set when the last header carried its payloads in its own
	// message; such a frame never reads further messages.
	bundled bool
	// held is a message that started a new frame while payloads of the
	// previous header were expected. ReceiveHeader consumes it first.
	held [][]byte

	log   *slog.Logger
	every *ratelog.Logger
	stats Stats
}

type Option func(*Receiver)

func WithSocketType(t zmq4.Type) Option {
	return func(r *Receiver) { r.sockType = t }
}

// WithTimeout bounds every blocking receive. Zero blocks forever.
func WithTimeout(d time.Duration) Option {
	return func(r *Receiver) { r.timeout = d }
}

func WithHWM(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.hwm = n
		}
	}
}

// WithFrameSize sets the expected payload size used to size the kernel
// receive buffer.
func WithFrameSize(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.frameSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLogEvery logs only every nth receive error.
func WithLogEvery(n int) Option {
	return func(r *Receiver) { r.every = ratelog.New(r.log, n) }
}

func NewReceiver(endpoint string, opts ...Option) *Receiver {
	r := &Receiver{
		endpoint:  endpoint,
		sockType:  zmq4.SUB,
		hwm:       defaultHWM,
		frameSize: defaultFrameSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.every == nil {
		r.every = ratelog.New(r.log, 1)
	}
	return r
}

func (r *Receiver) Endpoint() string { return r.endpoint }
func (r *Receiver) Stats() *Stats    { return &r.stats }

func (r *Receiver) newSocket() error {
	if r.sock != nil {
		return fmt.Errorf("%w: receiver for %s already open", types.ErrConfig, r.endpoint)
	}
	sock, err := zmq4.NewSocket(r.sockType)
	if err != nil {
		return err
	}
	if err := sock.SetRcvhwm(r.hwm); err != nil {
		_ = sock.Close()
		return fmt.Errorf("set RCVHWM: %w", err)
	}
	if err := sock.SetRcvbuf(r.frameSize * r.hwm); err != nil {
		_ = sock.Close()
		return fmt.Errorf("set RCVBUF: %w", err)
	}
	if r.timeout > 0 {
		if err := sock.SetRcvtimeo(r.timeout); err != nil {
			_ = sock.Close()
			return fmt.Errorf("set RCVTIMEO: %w", err)
		}
	}
	if r.sockType == zmq4.SUB {
		if err := sock.SetSubscribe(""); err != nil {
			_ = sock.Close()
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	r.sock = sock
	return nil
}

// Connect opens the socket and connects to a publishing detector.
func (r *Receiver) Connect() error {
	if err := r.newSocket(); err != nil {
		return err
	}
	if err := r.sock.Connect(r.endpoint); err != nil {
		_ = r.Close()
		return fmt.Errorf("connect %s: %w", r.endpoint, err)
	}
	r.log.Info("receiver connected", "endpoint", r.endpoint, "socket", r.sockType.String(), "hwm", r.hwm, "timeout", r.timeout)
	return nil
}

// Bind opens the socket and waits for senders to connect.
func (r *Receiver) Bind() error {
	if err := r.newSocket(); err != nil {
		return err
	}
	if err := r.sock.Bind(r.endpoint); err != nil {
		_ = r.Close()
		return fmt.Errorf("bind %s: %w", r.endpoint, err)
	}
	r.log.Info("receiver bound", "endpoint", r.endpoint, "socket", r.sockType.String())
	return nil
}

func (r *Receiver) Close() error {
	r.pending, r.held = nil, nil
	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil
	return err
}

func isTimeout(err error) bool {
	return zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}

// recv reads one whole multipart message.
func (r *Receiver) recv() ([][]byte, error) {
	if r.sock == nil {
		return nil, types.ErrClosed
	}
	parts, err := r.sock.RecvMessageBytes(0)
	if err != nil {
		if isTimeout(err) {
			r.stats.Timeouts.Add(1)
			return nil, types.ErrNoData
		}
		r.every.Warn("zmq receive failed", "endpoint", r.endpoint, "err", err)
		return nil, fmt.Errorf("receive from %s: %w", r.endpoint, err)
	}
	r.stats.Messages.Add(1)
	return parts, nil
}

// next returns the held message, if any, or reads a new one.
func (r *Receiver) next() ([][]byte, error) {
	if r.held != nil {
		parts := r.held
		r.held = nil
		return parts, nil
	}
	return r.recv()
}

// ReceiveHeader reads the next message and decodes its first part. Payload
// parts of the same message are kept for ReceiveData.
func (r *Receiver) ReceiveHeader() (ZmqHeader, error) {
	if len(r.pending) > 0 {
		r.every.Warn("discarding unread payload parts", "parts", len(r.pending))
		r.pending = nil
	}
	parts, err := r.next()
	if err != nil {
		return ZmqHeader{}, err
	}
	h, _, err := DecodeHeader(parts[0])
	if err != nil {
		r.stats.FormatErrors.Add(1)
		r.every.Warn("bad stream header", "parts", len(parts), "bytes", len(parts[0]), "err", err)
		return ZmqHeader{}, err
	}
	r.pending = parts[1:]
	r.bundled = len(parts) > 1
	if !h.Data {
		r.stats.EndOfAcq.Add(1)
		r.pending = nil
	}
	return h, nil
}

// nextPayload returns the next payload part. Parts bundled with the header
// come first; a header that arrived alone takes its payloads from the
// following single-part messages. A message that is not a payload of size
// bytes but decodes as a header is held for the next ReceiveHeader.
func (r *Receiver) nextPayload(size int) ([]byte, error) {
	if len(r.pending) > 0 {
		p := r.pending[0]
		r.pending = r.pending[1:]
		return p, nil
	}
	if r.bundled {
		return nil, fmt.Errorf("%w: message ran out of payload parts", types.ErrProtocol)
	}
	parts, err := r.recv()
	if err != nil {
		return nil, err
	}
	if len(parts) > 1 || (len(parts[0]) != size && isHeader(parts[0])) {
		r.held = parts
		return nil, fmt.Errorf("%w: next header arrived before the payload", types.ErrProtocol)
	}
	return parts[0], nil
}

func isHeader(b []byte) bool {
	_, _, err := DecodeHeader(b)
	return err == nil
}

// ReceiveData copies the next payload into dst and returns its length. A
// payload that does not fit is a protocol error and dst is left untouched.
func (r *Receiver) ReceiveData(dst []byte) (int, error) {
	p, err := r.nextPayload(len(dst))
	if err != nil {
		if errors.Is(err, types.ErrProtocol) {
			r.stats.ProtocolErrors.Add(1)
		}
		return 0, err
	}
	if len(p) > len(dst) {
		r.stats.ProtocolErrors.Add(1)
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds buffer of %d", types.ErrProtocol, len(p), len(dst))
	}
	return copy(dst, p), nil
}

// checkHeader validates the declared sizes and returns the frame layout of
// one payload part.
func (r *Receiver) checkHeader(h *ZmqHeader) (types.DType, error) {
	if h.NPixelsX == 0 || h.NPixelsY == 0 {
		r.every.Warn("stream header without pixel extents", "frame", h.FrameNumber)
	}
	if h.DynamicRange == 0 {
		r.every.Warn("stream header without dynamic range, assuming 16 bit", "frame", h.FrameNumber)
		h.DynamicRange = defaultDynamicRange
	}
	dt, err := types.FromBitdepth(int(h.DynamicRange))
	if err != nil {
		return types.None, fmt.Errorf("%w: unsupported dynamic range %d", types.ErrProtocol, h.DynamicRange)
	}
	if int(h.ImageSize) != h.ExpectedSize() {
		return types.None, fmt.Errorf("%w: header declares %d bytes, %dx%d pixels at %d bit need %d",
			types.ErrProtocol, h.ImageSize, h.NPixelsX, h.NPixelsY, h.DynamicRange, h.ExpectedSize())
	}
	return dt, nil
}

// ReceiveZmqFrame reads a header and its payload. On a protocol error the
// rest of the message is consumed and no frame is returned.
func (r *Receiver) ReceiveZmqFrame() (ZmqFrame, error) {
	return r.ReceiveN(1)
}

// ReceiveN reads one header followed by n payload parts of equal size and
// stacks them row-wise into a single frame.
func (r *Receiver) ReceiveN(n int) (ZmqFrame, error) {
	if n < 1 {
		return ZmqFrame{}, fmt.Errorf("%w: receive of %d parts", types.ErrConfig, n)
	}
	h, err := r.ReceiveHeader()
	if err != nil {
		return ZmqFrame{}, err
	}
	if !h.Data {
		return ZmqFrame{Header: h}, nil
	}

	dt, err := r.checkHeader(&h)
	if h.Image != nil {
		var frame *types.Frame
		if err == nil {
			frame, err = r.inlineFrame(h, dt, n)
		}
		if err != nil {
			r.pending = nil
			return ZmqFrame{}, r.protocolError(err)
		}
		return ZmqFrame{Header: h, Frame: frame}, nil
	}
	if err == nil && r.bundled && len(r.pending) != n {
		err = fmt.Errorf("%w: message carries %d payload parts, expected %d", types.ErrProtocol, len(r.pending), n)
	}
	if err != nil {
		r.drain(n, int(h.ImageSize))
		return ZmqFrame{}, r.protocolError(err)
	}

	partBytes := int(h.ImageSize)
	frame := types.NewFrame(n*int(h.NPixelsY), int(h.NPixelsX), dt)
	frame.Number = h.FrameNumber
	for i := 0; i < n; i++ {
		p, err := r.nextPayload(partBytes)
		if errors.Is(err, types.ErrProtocol) {
			r.drain(n-i-1, partBytes)
			return ZmqFrame{}, r.protocolError(err)
		}
		if err != nil {
			return ZmqFrame{}, err
		}
		if len(p) != partBytes {
			r.drain(n-i-1, partBytes)
			return ZmqFrame{}, r.protocolError(fmt.Errorf("%w: part %d is %d bytes, header declares %d",
				types.ErrProtocol, i, len(p), partBytes))
		}
		copy(frame.Data[i*partBytes:], p)
	}
	r.stats.Frames.Add(1)
	return ZmqFrame{Header: h, Frame: frame}, nil
}

func (r *Receiver) inlineFrame(h ZmqHeader, dt types.DType, n int) (*types.Frame, error) {
	if n != 1 {
		return nil, fmt.Errorf("%w: inline image with %d expected parts", types.ErrProtocol, n)
	}
	frame, err := decodeMultiDimArray(h.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: inline image: %v", types.ErrProtocol, err)
	}
	if frame.Rows != int(h.NPixelsY) || frame.Cols != int(h.NPixelsX) || frame.DType != dt {
		return nil, fmt.Errorf("%w: inline image %dx%d %s does not match header %dx%d %s",
			types.ErrProtocol, frame.Rows, frame.Cols, frame.DType, h.NPixelsY, h.NPixelsX, dt)
	}
	frame.Number = h.FrameNumber
	r.pending = nil
	r.stats.Frames.Add(1)
	return frame, nil
}

// drain discards the rest of a rejected frame. Bundled parts are dropped
// without reading; otherwise up to n payload messages are read, stopping
// early at a timeout or at a message that starts the next frame.
func (r *Receiver) drain(n, size int) {
	if r.bundled {
		r.pending = nil
		return
	}
	for range n {
		if r.held != nil {
			return
		}
		if _, err := r.nextPayload(size); err != nil {
			return
		}
	}
}

func (r *Receiver) protocolError(err error) error {
	r.stats.ProtocolErrors.Add(1)
	r.every.Warn("dropping stream message", "err", err)
	if !errors.Is(err, types.ErrProtocol) {
		return fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}
	return err
}
