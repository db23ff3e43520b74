package ingest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pebbe/zmq4"

	"slsframe-go/internal/types"
)

// Sender publishes frames in the detector stream format. It is used by the
// simulator and by tests.
type Sender struct {
	endpoint string
	sockType zmq4.Type
	sock     *zmq4.Socket
	encoding Encoding
	inline   bool
	hwm      int
	log      *slog.Logger
	sent     uint64
}

type SenderOption func(*Sender)

// WithSenderSocketType selects PUB (default) or PUSH.
func WithSenderSocketType(t zmq4.Type) SenderOption {
	return func(s *Sender) { s.sockType = t }
}

func WithEncoding(e Encoding) SenderOption {
	return func(s *Sender) { s.encoding = e }
}

// WithInlineFrames sends pixels inside a CBOR header instead of as a
// separate payload part.
func WithInlineFrames() SenderOption {
	return func(s *Sender) {
		s.inline = true
		s.encoding = EncodingCBOR
	}
}

func WithSenderHWM(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.hwm = n
		}
	}
}

func WithSenderLogger(l *slog.Logger) SenderOption {
	return func(s *Sender) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSender(endpoint string, opts ...SenderOption) *Sender {
	s := &Sender{
		endpoint: endpoint,
		sockType: zmq4.PUB,
		hwm:      1000,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) open() error {
	if s.sock != nil {
		return fmt.Errorf("%w: sender for %s already open", types.ErrConfig, s.endpoint)
	}
	sock, err := zmq4.NewSocket(s.sockType)
	if err != nil {
		return err
	}
	if err := sock.SetSndhwm(s.hwm); err != nil {
		_ = sock.Close()
		return err
	}
	if err := sock.SetLinger(time.Second); err != nil {
		_ = sock.Close()
		return err
	}
	s.sock = sock
	return nil
}

func (s *Sender) Bind() error {
	if err := s.open(); err != nil {
		return err
	}
	if err := s.sock.Bind(s.endpoint); err != nil {
		_ = s.Close()
		return fmt.Errorf("bind %s: %w", s.endpoint, err)
	}
	s.log.Info("sender bound", "endpoint", s.endpoint, "socket", s.sockType.String(), "encoding", s.encoding.String())
	return nil
}

func (s *Sender) Connect() error {
	if err := s.open(); err != nil {
		return err
	}
	if err := s.sock.Connect(s.endpoint); err != nil {
		_ = s.Close()
		return fmt.Errorf("connect %s: %w", s.endpoint, err)
	}
	return nil
}

func (s *Sender) Close() error {
	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	return err
}

// HeaderFor fills the size fields of h from a payload part of frame's shape.
func HeaderFor(h ZmqHeader, f *types.Frame) ZmqHeader {
	h.Data = true
	h.JSONVersion = 4
	h.DynamicRange = uint32(f.DType.Bitdepth())
	h.NPixelsX = uint32(f.Cols)
	h.NPixelsY = uint32(f.Rows)
	h.ImageSize = uint32(f.Bytes())
	h.FrameNumber = f.Number
	h.CompleteImage = true
	if h.NDetX == 0 {
		h.NDetX = 1
	}
	if h.NDetY == 0 {
		h.NDetY = 1
	}
	return h
}

// SendFrame sends one header and the frame as its payload.
func (s *Sender) SendFrame(h ZmqHeader, f *types.Frame) error {
	h = HeaderFor(h, f)
	if s.inline {
		tag, err := encodeFrameArray(f)
		if err != nil {
			return err
		}
		h.Image = tag
		return s.SendParts(h)
	}
	return s.SendParts(h, f.Data)
}

// SendParts sends h and the given payload parts as one multipart message.
func (s *Sender) SendParts(h ZmqHeader, parts ...[]byte) error {
	raw, err := EncodeHeader(h, s.encoding)
	if err != nil {
		return err
	}
	return s.SendRaw(append([][]byte{raw}, parts...)...)
}

// SendEnd sends the end-of-acquisition header.
func (s *Sender) SendEnd(h ZmqHeader) error {
	h.Data = false
	return s.SendParts(h)
}

// SendRaw sends arbitrary parts as one message.
func (s *Sender) SendRaw(parts ...[]byte) error {
	if s.sock == nil {
		return types.ErrClosed
	}
	msg := make([]any, len(parts))
	for i, p := range parts {
		msg[i] = p
	}
	if _, err := s.sock.SendMessage(msg...); err != nil {
		return fmt.Errorf("send to %s: %w", s.endpoint, err)
	}
	s.sent++
	return nil
}

func (s *Sender) Sent() uint64 { return s.sent }
