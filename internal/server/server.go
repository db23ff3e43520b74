package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"slsframe-go/internal/config"
)

type Server struct {
	upgrader   websocket.Upgrader
	clients    map[*client]struct{}
	mu         sync.Mutex
	cfg        config.AppConfig
	statusFn   func() map[string]any
	snapshotFn func() any
	dropped    atomic.Uint64
	log        *slog.Logger
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// pendingReplies bounds the answers queued for one client.
	pendingReplies = 4
)

// client is one websocket connection. Its write loop is the only writer
// on conn. latest holds at most one hit map update, so a slow client
// skips to the newest map instead of falling behind.
type client struct {
	conn    *websocket.Conn
	latest  chan []byte
	replies chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// offer queues an update, replacing one the client has not sent yet. It
// reports whether an older update was discarded.
func (c *client) offer(payload []byte) bool {
	replaced := false
	for {
		select {
		case c.latest <- payload:
			return replaced
		default:
		}
		select {
		case <-c.latest:
			replaced = true
		default:
		}
	}
}

// request is a message sent by a websocket client.
type request struct {
	Type string `json:"type"`
}

// New builds a server. statusFn feeds /status and snapshotFn answers
// snapshot requests from websocket clients; either may be nil.
func New(cfg config.AppConfig, statusFn func() map[string]any, snapshotFn func() any, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]struct{}),
		cfg:        cfg,
		statusFn:   statusFn,
		snapshotFn: snapshotFn,
		log:        log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves HTTP on cfg.Port and broadcasts every message to websocket
// clients until ctx is done.
func Run(ctx context.Context, cfg config.AppConfig, messages <-chan any, statusFn func() map[string]any, snapshotFn func() any, log *slog.Logger) error {
	srv := New(cfg, statusFn, snapshotFn, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go srv.Broadcast(ctx, messages)

	srv.log.Info("serving", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) configPayload() map[string]any {
	return map[string]any{
		"type":      "config",
		"rows":      s.cfg.Rows,
		"cols":      s.cfg.Cols,
		"window":    s.cfg.Window,
		"threshold": s.cfg.Threshold,
		"endpoint":  s.cfg.Endpoint,
		"input":     s.cfg.Input,
		"port":      s.cfg.Port,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &client{
		conn:    conn,
		latest:  make(chan []byte, 1),
		replies: make(chan []byte, pendingReplies),
		done:    make(chan struct{}),
	}
	hello, err := json.Marshal(s.configPayload())
	if err != nil {
		_ = conn.Close()
		return
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("websocket client connected", "remote", r.RemoteAddr)

	go s.writeLoop(c, hello)
	go s.readLoop(c)
}

// writeLoop sends the config message, then replies and hit map updates
// until the client goes away.
func (s *Server) writeLoop(c *client, hello []byte) {
	defer s.removeClient(c)
	if err := writeMessage(c.conn, websocket.TextMessage, hello); err != nil {
		return
	}
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-c.done:
			return
		case payload := <-c.replies:
			err = writeMessage(c.conn, websocket.TextMessage, payload)
		case payload := <-c.latest:
			err = writeMessage(c.conn, websocket.TextMessage, payload)
		case <-ticker.C:
			err = writeMessage(c.conn, websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}
		var reply any
		switch req.Type {
		case "snapshot_request":
			if s.snapshotFn != nil {
				reply = s.snapshotFn()
			}
		case "status_request":
			reply = s.statusPayload()
		}
		if reply == nil {
			continue
		}
		encoded, err := json.Marshal(reply)
		if err != nil {
			s.log.Warn("dropping unencodable reply", "type", req.Type, "err", err)
			continue
		}
		select {
		case c.replies <- encoded:
		case <-c.done:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.configPayload())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusPayload())
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	target := payload
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		target = metrics
	}
	target["ws_clients"] = s.clientCount()
	target["ws_skipped_updates"] = s.dropped.Load()
	return payload
}

// Broadcast encodes each hit map update once and hands it to every
// connected client until messages is closed or ctx is done.
func (s *Server) Broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				s.log.Warn("dropping unencodable broadcast", "err", err)
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				if c.offer(payload) {
					s.dropped.Add(1)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	if ok {
		s.log.Debug("websocket client gone", "remote", c.conn.RemoteAddr().String())
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func writeMessage(conn *websocket.Conn, messageType int, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
