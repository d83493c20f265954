// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/ratelimit"
	"github.com/absmach/mbridge/pkg/transport"
)

const (
	// DefaultInPath is the default ingest route.
	DefaultInPath = "/in"
	// DefaultOutPath is the default broadcast stream route.
	DefaultOutPath = "/out"

	// sinkBuffer is the per-subscriber queue depth. A subscriber whose
	// queue is full misses messages rather than stalling the broadcast.
	sinkBuffer = 64

	shutdownTimeout = 5 * time.Second
)

// ServerConfig holds configuration for the HTTP server transport.
type ServerConfig struct {
	Host      string
	Port      string
	InPath    string
	OutPath   string
	TLSConfig *tls.Config

	// Limiter optionally rate limits the ingest endpoint per peer.
	Limiter *ratelimit.Limiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP server transport. POSTs to the ingest route become
// received messages; Send broadcasts one chunk to every reader of the
// stream route.
type Server struct {
	transport.Lifecycle

	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	registry *transport.Registry

	// Ingest handlers run on arbitrary request goroutines, so they
	// feed a single pump goroutine which exclusively owns closing the
	// receive channel.
	ingest   chan []byte
	recv     chan []byte
	done     chan struct{}
	pumpDone chan struct{}
	stopOnce sync.Once
}

var _ transport.ServerTransport = (*Server)(nil)

// NewServer creates an HTTP server transport.
func NewServer(cfg ServerConfig) *Server {
	if cfg.InPath == "" {
		cfg.InPath = DefaultInPath
	}
	if cfg.OutPath == "" {
		cfg.OutPath = DefaultOutPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		registry: transport.NewRegistry(),
		ingest:   make(chan []byte, 16),
		recv:     make(chan []byte, 16),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Start binds the listener and begins serving. Port "0" binds an
// ephemeral port; Addr reports the bound address afterwards.
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
		Handler: http.HandlerFunc(s.route),
	}

	go s.pump()
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.cfg.Logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	s.cfg.Logger.Info("HTTP server transport started",
		slog.String("address", s.Addr()),
		slog.String("in", s.cfg.InPath),
		slog.String("out", s.cfg.OutPath))
	return nil
}

// Stop closes every stream subscriber, shuts the server down and
// closes the receive channel.
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
			s.cfg.Logger.Warn("forcing HTTP server closure", slog.String("error", serr.Error()))
			err = s.server.Close()
		}

		<-s.pumpDone
		s.cfg.Logger.Info("HTTP server transport stopped")
	})
	return err
}

// Send broadcasts the payload as one chunk to every connected stream
// reader. Per-peer failures are logged and do not abort the others.
func (s *Server) Send(payload []byte) error {
	if err := s.CheckRunning(); err != nil {
		return err
	}

	for id, err := range s.registry.Broadcast(payload) {
		s.cfg.Logger.Warn("failed to push to stream subscriber",
			slog.String("connection", id),
			slog.String("error", err.Error()))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SendErrors.WithLabelValues("http", "broadcast").Inc()
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesSent.WithLabelValues("http").Inc()
		s.cfg.Metrics.MessageSize.WithLabelValues("http", "out").Observe(float64(len(payload)))
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

// Subscribers returns the number of connected stream readers.
func (s *Server) Subscribers() int {
	return s.registry.Len()
}

// pump is the single owner of the receive channel: it moves ingested
// payloads onto it and closes it when the transport stops.
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

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == s.cfg.InPath:
		s.handleIngest(w, r)
	case r.Method == http.MethodGet && r.URL.Path == s.cfg.OutPath:
		s.handleStream(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	}
}

// handleIngest treats the request body as one message. The response is
// acknowledged immediately, independent of the forwarding outcome.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Limiter != nil {
		peer, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			peer = r.RemoteAddr
		}
		if !s.cfg.Limiter.Allow(peer) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RateLimitedRequests.WithLabelValues("http").Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": ratelimit.ErrRateLimitExceeded.Error()})
			return
		}
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.cfg.Logger.Error("failed to read request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		return
	}

	select {
	case s.ingest <- payload:
	case <-s.done:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesReceived.WithLabelValues("http").Inc()
		s.cfg.Metrics.MessageSize.WithLabelValues("http", "in").Observe(float64(len(payload)))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// handleStream upgrades the connection to an unbounded chunked stream
// and registers it for broadcast until the client disconnects or the
// transport stops.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sink := newStreamSink()
	id := uuid.New().String()
	s.registry.Add(id, sink)
	defer s.registry.Remove(id)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActivePeers.WithLabelValues("http").Inc()
		defer s.cfg.Metrics.ActivePeers.WithLabelValues("http").Dec()
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.cfg.Logger.Debug("stream subscriber connected",
		slog.String("connection", id),
		slog.String("remote", r.RemoteAddr))

	for {
		select {
		case payload := <-sink.ch:
			if _, err := w.Write(payload); err != nil {
				s.cfg.Logger.Debug("stream subscriber write failed",
					slog.String("connection", id),
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-sink.closed:
			return
		case <-r.Context().Done():
			s.cfg.Logger.Debug("stream subscriber disconnected",
				slog.String("connection", id))
			return
		}
	}
}

// streamSink queues payloads for one chunked-stream subscriber.
type streamSink struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
}

var _ transport.Sink = (*streamSink)(nil)

func newStreamSink() *streamSink {
	return &streamSink{
		ch:     make(chan []byte, sinkBuffer),
		closed: make(chan struct{}),
	}
}

func (s *streamSink) Push(payload []byte) error {
	select {
	case s.ch <- payload:
		return nil
	case <-s.closed:
		return fmt.Errorf("subscriber closed")
	default:
		return fmt.Errorf("subscriber queue full, dropping %d bytes", len(payload))
	}
}

func (s *streamSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
