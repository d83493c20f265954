// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/transport"
)

const (
	// DefaultPath is the default upgrade route.
	DefaultPath = "/"

	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ServerConfig holds configuration for the WebSocket server transport.
type ServerConfig struct {
	Host      string
	Port      string
	Path      string
	TLSConfig *tls.Config
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the WebSocket server transport. It accepts any number of
// peers on the configured path, receives frames from all of them and
// broadcasts Send to every connected socket as a binary frame.
type Server struct {
	transport.Lifecycle

	cfg      ServerConfig
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	registry *transport.Registry

	// Per-connection read loops feed a single pump goroutine which
	// exclusively owns closing the receive channel.
	ingest   chan []byte
	recv     chan []byte
	done     chan struct{}
	pumpDone chan struct{}
	stopOnce sync.Once
}

var _ transport.ServerTransport = (*Server)(nil)

// NewServer creates a WebSocket server transport.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The bridge is payload-agnostic and unauthenticated;
				// origin filtering belongs to a fronting proxy.
				return true
			},
		},
		registry: transport.NewRegistry(),
		ingest:   make(chan []byte, 16),
		recv:     make(chan []byte, 16),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Start binds the listener and begins accepting upgrades. Port "0"
// binds an ephemeral port; Addr reports the bound address afterwards.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Starting(); err != nil {
		return err
	}

	address := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.Stopping()
		close(s.recv)
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if s.cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, s.cfg.TLSConfig)
		s.cfg.Logger.Info("TLS enabled", slog.String("address", address))
	}
	s.listener = listener

	s.server = &http.Server{
		Handler: http.HandlerFunc(s.handleUpgrade),
	}

	go s.pump()
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	s.cfg.Logger.Info("WebSocket server transport started",
		slog.String("address", s.Addr()),
		slog.String("path", s.cfg.Path))
	return nil
}

// Stop closes every connected socket, shuts the server down and closes
// the receive channel.
func (s *Server) Stop() error {
	if !s.Stopping() {
		return nil
	}

	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.registry.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := s.server.Shutdown(shutdownCtx); serr != nil {
			s.cfg.Logger.Warn("forcing WebSocket server closure", slog.String("error", serr.Error()))
			err = s.server.Close()
		}

		<-s.pumpDone
		s.cfg.Logger.Info("WebSocket server transport stopped")
	})
	return err
}

// Send broadcasts the payload to every connected peer as a binary
// frame. Per-peer failures are logged and do not abort the others.
func (s *Server) Send(payload []byte) error {
	if err := s.CheckRunning(); err != nil {
		return err
	}

	for id, err := range s.registry.Broadcast(payload) {
		s.cfg.Logger.Warn("failed to write to peer",
			slog.String("connection", id),
			slog.String("error", err.Error()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SendErrors.WithLabelValues("websocket", "broadcast").Inc()
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesSent.WithLabelValues("websocket").Inc()
		s.cfg.Metrics.MessageSize.WithLabelValues("websocket", "out").Observe(float64(len(payload)))
	}
	return nil
}

// Receive returns the produced message channel.
func (s *Server) Receive() <-chan []byte {
	return s.recv
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Peers returns the number of connected sockets.
func (s *Server) Peers() int {
	return s.registry.Len()
}

// pump is the single owner of the receive channel.
func (s *Server) pump() {
	defer close(s.pumpDone)
	defer close(s.recv)

	for {
		select {
		case payload := <-s.ingest:
			select {
			case s.recv <- payload:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// handleUpgrade upgrades the connection and runs its read loop. Any
// request that is not a WebSocket upgrade on the configured path gets
// a 400 response.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.cfg.Path || !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.cfg.Logger.Error("failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	id := uuid.New().String()
	sink := &connSink{conn: conn}
	s.registry.Add(id, sink)
	defer s.registry.Remove(id)
	defer conn.Close()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActivePeers.WithLabelValues("websocket").Inc()
		defer s.cfg.Metrics.ActivePeers.WithLabelValues("websocket").Dec()
	}

	s.cfg.Logger.Debug("peer connected",
		slog.String("connection", id),
		slog.String("remote", r.RemoteAddr))

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.cfg.Logger.Debug("peer disconnected",
				slog.String("connection", id),
				slog.String("error", err.Error()))
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		select {
		case s.ingest <- data:
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.MessagesReceived.WithLabelValues("websocket").Inc()
				s.cfg.Metrics.MessageSize.WithLabelValues("websocket", "in").Observe(float64(len(data)))
			}
		case <-s.done:
			return
		}
	}
}

// connSink serializes writes to one socket. gorilla/websocket allows
// at most one concurrent writer per connection.
type connSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ transport.Sink = (*connSink)(nil)

func (s *connSink) Push(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *connSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
	return s.conn.Close()
}
