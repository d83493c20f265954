// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/transport"
)

const defaultHandshakeTimeout = 10 * time.Second

// ClientConfig holds configuration for the WebSocket client transport.
type ClientConfig struct {
	// URL is the remote socket endpoint, ws:// or wss://.
	URL string

	// PingInterval enables a protocol-level keepalive ping at the given
	// cadence. Zero disables pings.
	PingInterval time.Duration

	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Client is the WebSocket client transport: one connection, frames in
// both directions, optional keepalive pings. It does not reconnect on
// disconnect; the produced sequence simply closes.
type Client struct {
	transport.Lifecycle

	cfg  ClientConfig
	conn *websocket.Conn

	// recv is closed by the read loop only; Stop closes the socket to
	// unblock it and waits for the loop to exit.
	recv     chan []byte
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	wmu sync.Mutex
}

var _ transport.ClientTransport = (*Client)(nil)

// NewClient creates a WebSocket client transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:      cfg,
		recv:     make(chan []byte, 16),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start dials the remote endpoint and launches the read loop and,
// when configured, the ping loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Starting(); err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		TLSClientConfig:  c.cfg.TLSConfig,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.Stopping()
		close(c.recv)
		return errors.New("start", "websocket_client", c.cfg.URL,
			errors.Wrap(errors.ErrConnectionFailed, err.Error()))
	}
	c.conn = conn

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.pingLoop()
	}

	c.cfg.Logger.Info("WebSocket client transport started", slog.String("remote", c.cfg.URL))
	return nil
}

// Stop closes the connection and waits for the read loop to close the
// receive channel.
func (c *Client) Stop() error {
	if !c.Stopping() {
		return nil
	}
	c.stopOnce.Do(func() {
		close(c.done)

		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.wmu.Unlock()

		c.conn.Close()
		<-c.loopDone
		c.cfg.Logger.Info("WebSocket client transport stopped")
	})
	return nil
}

// Send writes the payload to the socket as a binary frame.
func (c *Client) Send(payload []byte) error {
	if err := c.CheckRunning(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SendErrors.WithLabelValues("websocket_client", "write").Inc()
		}
		return errors.New("send", "websocket_client", c.cfg.URL,
			errors.Wrap(errors.ErrSendFailed, err.Error()))
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MessagesSent.WithLabelValues("websocket_client").Inc()
		c.cfg.Metrics.MessageSize.WithLabelValues("websocket_client", "out").Observe(float64(len(payload)))
	}
	return nil
}

// Receive returns the produced message channel.
func (c *Client) Receive() <-chan []byte {
	return c.recv
}

// RemoteAddr reports the remote endpoint URL.
func (c *Client) RemoteAddr() string {
	return c.cfg.URL
}

// readLoop feeds received frames to the produced sequence until the
// connection errors or closes. Connection closure is terminal: the
// sequence closes and no reconnect is attempted.
func (c *Client) readLoop() {
	defer close(c.loopDone)
	defer close(c.recv)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() == transport.StateRunning {
				c.cfg.Logger.Debug("connection closed",
					slog.String("remote", c.cfg.URL),
					slog.String("error", err.Error()))
			}
			c.Stopping()
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		select {
		case c.recv <- data:
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.MessagesReceived.WithLabelValues("websocket_client").Inc()
				c.cfg.Metrics.MessageSize.WithLabelValues("websocket_client", "in").Observe(float64(len(data)))
			}
		case <-c.done:
			return
		}
	}
}

// pingLoop sends keepalive pings at the configured cadence. Ping
// failures are logged, not escalated: the read loop is the authority
// on connection liveness.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.wmu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				c.cfg.Logger.Warn("ping failed",
					slog.String("remote", c.cfg.URL),
					slog.String("error", err.Error()))
			}
		case <-c.done:
			return
		case <-c.loopDone:
			return
		}
	}
}
