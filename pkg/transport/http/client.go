// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/transport"
)

const (
	// chunkThreshold is the accumulated-size bound for re-chunking the
	// broadcast stream when no newline shows up.
	chunkThreshold = 4096

	// DefaultRetryInterval is the pause between stream reconnect
	// attempts. The remote broadcast endpoint may not be up yet, or may
	// restart; reconnecting indefinitely is the intended policy.
	DefaultRetryInterval = time.Second
)

// ClientConfig holds configuration for the HTTP client transport.
type ClientConfig struct {
	// BaseURL is the remote server root, e.g. "http://localhost:8080".
	BaseURL string
	InPath  string
	OutPath string

	// Timeout bounds each ingest POST. Zero means no timeout.
	Timeout time.Duration

	// RetryInterval is the pause between stream reconnect attempts.
	RetryInterval time.Duration

	TLSConfig *tls.Config
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Client is the HTTP client transport. Send POSTs payloads to the
// remote ingest endpoint; a background loop streams the remote
// broadcast endpoint and reconnects for as long as the transport runs.
type Client struct {
	transport.Lifecycle

	cfg          ClientConfig
	postClient   *http.Client
	streamClient *http.Client

	// recv is closed by the stream loop only; Stop cancels the loop and
	// waits for it so the closure is observable when Stop returns.
	recv     chan []byte
	loopDone chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

var _ transport.ClientTransport = (*Client)(nil)

// NewClient creates an HTTP client transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.InPath == "" {
		cfg.InPath = DefaultInPath
	}
	if cfg.OutPath == "" {
		cfg.OutPath = DefaultOutPath
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var rt http.RoundTripper
	if cfg.TLSConfig != nil {
		rt = &http.Transport{TLSClientConfig: cfg.TLSConfig}
	}

	return &Client{
		cfg: cfg,
		postClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: rt,
		},
		// The stream request is deliberately unbounded: it is a
		// long-lived connection that produces data until the remote
		// side goes away.
		streamClient: &http.Client{
			Transport: rt,
		},
		recv:     make(chan []byte, 16),
		loopDone: make(chan struct{}),
	}
}

// Start launches the broadcast stream loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Starting(); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.streamLoop(streamCtx)

	c.cfg.Logger.Info("HTTP client transport started", slog.String("remote", c.cfg.BaseURL))
	return nil
}

// Stop cancels the stream loop and closes the receive channel.
func (c *Client) Stop() error {
	if !c.Stopping() {
		return nil
	}
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.loopDone
		c.streamClient.CloseIdleConnections()
		c.postClient.CloseIdleConnections()
		c.cfg.Logger.Info("HTTP client transport stopped")
	})
	return nil
}

// Send POSTs the raw payload to the remote ingest endpoint. Any
// non-2xx status or transport-level failure yields ErrSendFailed.
func (c *Client) Send(payload []byte) error {
	if err := c.CheckRunning(); err != nil {
		return err
	}

	url := c.cfg.BaseURL + c.cfg.InPath
	resp, err := c.postClient.Post(url, "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SendErrors.WithLabelValues("http_client", "request").Inc()
		}
		return errors.New("send", "http_client", url, errors.Wrap(errors.ErrSendFailed, err.Error()))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SendErrors.WithLabelValues("http_client", "status").Inc()
		}
		return errors.New("send", "http_client", url,
			errors.Wrap(errors.ErrSendFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode)))
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MessagesSent.WithLabelValues("http_client").Inc()
		c.cfg.Metrics.MessageSize.WithLabelValues("http_client", "out").Observe(float64(len(payload)))
	}
	return nil
}

// Receive returns the produced message channel.
func (c *Client) Receive() <-chan []byte {
	return c.recv
}

// RemoteAddr reports the remote server root.
func (c *Client) RemoteAddr() string {
	return c.cfg.BaseURL
}

// streamLoop holds a streaming GET against the remote broadcast
// endpoint. Connection failures and non-2xx responses are retried
// indefinitely at the configured interval: the remote endpoint may not
// exist yet, or may itself restart. This is the sole automatic-retry
// policy in the system.
func (c *Client) streamLoop(ctx context.Context) {
	defer close(c.loopDone)
	defer close(c.recv)

	url := c.cfg.BaseURL + c.cfg.OutPath
	retry := &backoff.Backoff{
		Min:    c.cfg.RetryInterval,
		Max:    c.cfg.RetryInterval,
		Jitter: false,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.streamOnce(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.cfg.Logger.Debug("broadcast stream unavailable, retrying",
				slog.String("url", url),
				slog.String("error", err.Error()))
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Reconnects.WithLabelValues("http_client").Inc()
		}

		select {
		case <-time.After(retry.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

// streamOnce performs one GET and re-chunks the response body into
// messages, splitting on newline bytes or the accumulated-size
// threshold. It returns when the stream ends or fails.
func (c *Client) streamOnce(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	c.cfg.Logger.Debug("broadcast stream connected", slog.String("url", url))

	reader := bufio.NewReader(resp.Body)
	chunk := make([]byte, 0, chunkThreshold)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			// Deliver whatever accumulated before the stream ended.
			if len(chunk) > 0 {
				c.deliver(ctx, chunk)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		chunk = append(chunk, b)
		if b == '\n' || len(chunk) >= chunkThreshold {
			c.deliver(ctx, chunk)
			chunk = make([]byte, 0, chunkThreshold)
		}
	}
}

func (c *Client) deliver(ctx context.Context, chunk []byte) {
	msg := make([]byte, len(chunk))
	copy(msg, chunk)

	select {
	case c.recv <- msg:
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.MessagesReceived.WithLabelValues("http_client").Inc()
			c.cfg.Metrics.MessageSize.WithLabelValues("http_client", "in").Observe(float64(len(msg)))
		}
	case <-ctx.Done():
	}
}
