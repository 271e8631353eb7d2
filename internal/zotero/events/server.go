package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType tags the envelope written to stream clients.
type MessageType string

const (
	// MessageTypeHello is sent once to each new client and carries the
	// most recent outcomes it is subscribed to.
	MessageTypeHello MessageType = "hello"

	// MessageTypeOutcome carries one Outcome.
	MessageTypeOutcome MessageType = "outcome"
)

// Message is the envelope written to stream clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default: 127.0.0.1:8377). Use port 0 for a random
	// free port.
	Addr string

	// Recent is how many outcomes are kept for replay (default 20).
	Recent int

	// Queue is the per-client send buffer (default 32). A client that falls
	// this far behind is disconnected.
	Queue int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultServerConfig returns the default server settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:   "127.0.0.1:8377",
		Recent: 20,
		Queue:  32,
	}
}

// subscriber is one connected stream client. An empty library receives
// every outcome.
type subscriber struct {
	conn    *websocket.Conn
	library string
	send    chan []byte
}

func (sub *subscriber) wants(o Outcome) bool {
	return sub.library == "" || sub.library == o.Library
}

// Server streams outcome records to WebSocket clients on /ws. A client may
// pass ?library=users/1 to follow a single library. It implements Publisher.
type Server struct {
	cfg    ServerConfig
	ln     net.Listener
	http   *http.Server
	logger *log.Logger

	mu        sync.Mutex
	subs      map[*subscriber]struct{}
	recent    []Outcome
	published int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(config *ServerConfig) *Server {
	cfg := *DefaultServerConfig()
	if config != nil {
		if config.Addr != "" {
			cfg.Addr = config.Addr
		}
		if config.Recent > 0 {
			cfg.Recent = config.Recent
		}
		if config.Queue > 0 {
			cfg.Queue = config.Queue
		}
		cfg.Logger = config.Logger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/recent", s.handleRecent)

	// No read/write timeouts: they would outlive the upgrade and cut
	// long-lived streams.
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Event server listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	var conns []*websocket.Conn
	for sub := range s.subs {
		s.detach(sub)
		conns = append(conns, sub.conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Event server stopped")
	return err
}

// Publish implements Publisher. The outcome is kept for replay and queued
// for every subscribed client; a client whose queue is full is dropped.
func (s *Server) Publish(o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	frame, err := encode(MessageTypeOutcome, o.Timestamp, o)
	if err != nil {
		s.logger.Printf("Failed to encode %s outcome: %v", o.Kind, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.published++
	s.recent = append(s.recent, o)
	if over := len(s.recent) - s.cfg.Recent; over > 0 {
		s.recent = s.recent[over:]
	}

	for sub := range s.subs {
		if !sub.wants(o) {
			continue
		}
		select {
		case sub.send <- frame:
		default:
			s.logger.Printf("Warning: client for %q is %d outcomes behind, disconnecting", sub.library, s.cfg.Queue)
			s.detach(sub)
			go sub.conn.Close(websocket.StatusPolicyViolation, "too slow")
		}
	}
}

// Attach forwards every outcome published on bus until the server stops.
func (s *Server) Attach(bus *Bus) {
	ch, unsubscribe := bus.Subscribe(s.cfg.Queue)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-s.ctx.Done():
				return
			case o, ok := <-ch:
				if !ok {
					return
				}
				s.Publish(o)
			}
		}
	}()
}

// Recent returns the replay buffer, oldest first, restricted to library
// unless it is empty.
func (s *Server) Recent(library string) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked(library)
}

func (s *Server) recentLocked(library string) []Outcome {
	out := []Outcome{}
	for _, o := range s.recent {
		if library == "" || o.Library == library {
			out = append(out, o)
		}
	}
	return out
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	sub := &subscriber{
		conn:    conn,
		library: r.URL.Query().Get("library"),
		send:    make(chan []byte, s.cfg.Queue),
	}

	// Register and queue the hello under one lock so no outcome can be
	// queued ahead of the replay.
	s.mu.Lock()
	hello, err := encode(MessageTypeHello, time.Now(), s.recentLocked(sub.library))
	if err == nil {
		sub.send <- hello
		s.subs[sub] = struct{}{}
	}
	n := len(s.subs)
	s.mu.Unlock()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failed")
		return
	}
	s.logger.Printf("Client connected for %q (total: %d)", sub.library, n)
	s.pump(sub)
}

// track registers a stream handler with s.wg unless Stop has begun. The
// check and the Add happen under s.mu, which Stop takes after cancelling
// and before waiting, so no Add can race with the Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

// pump writes queued frames until the client goes away, its queue is
// closed, or the server stops. Incoming frames are discarded.
func (s *Server) pump(sub *subscriber) {
	gone := sub.conn.CloseRead(s.ctx)
	defer s.remove(sub)

	for {
		select {
		case <-gone.Done():
			return
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := sub.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

// detach unregisters sub and closes its queue. Callers hold s.mu.
func (s *Server) detach(sub *subscriber) bool {
	if _, ok := s.subs[sub]; !ok {
		return false
	}
	delete(s.subs, sub)
	close(sub.send)
	return true
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	removed := s.detach(sub)
	n := len(s.subs)
	s.mu.Unlock()

	_ = sub.conn.Close(websocket.StatusNormalClosure, "")
	if removed {
		s.logger.Printf("Client disconnected (total: %d)", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := map[string]any{
		"status":    "ok",
		"clients":   len(s.subs),
		"published": s.published,
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Recent(r.URL.Query().Get("library")))
}

func encode(t MessageType, ts time.Time, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: t, Timestamp: ts, Data: data})
}
