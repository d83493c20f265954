// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mbridge wires environment-driven configuration to concrete
// transports. A bridge endpoint is described by a Config read from a
// prefixed set of environment variables and turned into a transport
// with NewTransport.
package mbridge

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/ratelimit"
	"github.com/absmach/mbridge/pkg/transport"
	mbhttp "github.com/absmach/mbridge/pkg/transport/http"
	"github.com/absmach/mbridge/pkg/transport/process"
	"github.com/absmach/mbridge/pkg/transport/stdio"
	mbws "github.com/absmach/mbridge/pkg/transport/websocket"
)

// defaultMaxPeers caps the per-peer rate limiter state.
const defaultMaxPeers = 10000

// Transport kinds accepted in Config.Kind.
const (
	KindStdio      = "stdio"
	KindHTTP       = "http"
	KindWS         = "ws"
	KindProcess    = "process"
	KindHTTPClient = "http-client"
	KindWSClient   = "ws-client"
)

// Config describes one bridge endpoint. Fields are populated from
// prefixed environment variables, e.g. MBRIDGE_INBOUND_KIND.
type Config struct {
	Kind string `env:"KIND"`

	// Server transports.
	Host     string `env:"HOST"        envDefault:""`
	Port     string `env:"PORT"        envDefault:""`
	InPath   string `env:"IN_PATH"     envDefault:"/in"`
	OutPath  string `env:"OUT_PATH"    envDefault:"/out"`
	WSPath   string `env:"WS_PATH"     envDefault:"/ws"`
	CertFile string `env:"CERT_FILE"   envDefault:""`
	KeyFile  string `env:"KEY_FILE"    envDefault:""`

	// Ingest rate limiting (HTTP server only, 0 disables).
	RateLimit int `env:"RATE_LIMIT" envDefault:"0"`

	// Client transports. URL is the remote server root for http-client
	// (paired with InPath/OutPath) or the full ws:// endpoint for
	// ws-client.
	URL           string        `env:"URL"            envDefault:""`
	Timeout       time.Duration `env:"TIMEOUT"        envDefault:"30s"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"1s"`
	PingInterval  time.Duration `env:"PING_INTERVAL"  envDefault:"0"`

	// Process transport.
	Command string   `env:"COMMAND" envDefault:""`
	Args    []string `env:"ARGS"    envSeparator:" "`
}

// NewConfig reads a Config from the environment using the given
// options (typically an env prefix per endpoint).
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	return c, nil
}

// tlsConfig loads the server certificate pair when both paths are set.
func (c Config) tlsConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// NewTransport builds the transport described by the config. The
// returned transport is not started.
func NewTransport(c Config, mtr *metrics.Metrics, logger *slog.Logger) (transport.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch c.Kind {
	case KindStdio:
		return stdio.New(stdio.Config{Logger: logger}), nil

	case KindHTTP:
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		var limiter *ratelimit.Limiter
		if c.RateLimit > 0 {
			limiter = ratelimit.NewLimiter(int64(c.RateLimit), int64(c.RateLimit), defaultMaxPeers)
		}
		return mbhttp.NewServer(mbhttp.ServerConfig{
			Host:      c.Host,
			Port:      c.Port,
			InPath:    c.InPath,
			OutPath:   c.OutPath,
			TLSConfig: tlsCfg,
			Limiter:   limiter,
			Metrics:   mtr,
			Logger:    logger,
		}), nil

	case KindWS:
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		return mbws.NewServer(mbws.ServerConfig{
			Host:      c.Host,
			Port:      c.Port,
			Path:      c.WSPath,
			TLSConfig: tlsCfg,
			Metrics:   mtr,
			Logger:    logger,
		}), nil

	case KindProcess:
		if c.Command == "" {
			return nil, fmt.Errorf("process transport requires COMMAND")
		}
		return process.New(process.Config{
			Command: c.Command,
			Args:    c.Args,
			Metrics: mtr,
			Logger:  logger,
		}), nil

	case KindHTTPClient:
		if c.URL == "" {
			return nil, fmt.Errorf("http-client transport requires URL")
		}
		return mbhttp.NewClient(mbhttp.ClientConfig{
			BaseURL:       c.URL,
			InPath:        c.InPath,
			OutPath:       c.OutPath,
			Timeout:       c.Timeout,
			RetryInterval: c.RetryInterval,
			Metrics:       mtr,
			Logger:        logger,
		}), nil

	case KindWSClient:
		if c.URL == "" {
			return nil, fmt.Errorf("ws-client transport requires URL")
		}
		return mbws.NewClient(mbws.ClientConfig{
			URL:          c.URL,
			PingInterval: c.PingInterval,
			Metrics:      mtr,
			Logger:       logger,
		}), nil

	case "":
		return nil, fmt.Errorf("transport kind not configured")

	default:
		return nil, fmt.Errorf("unknown transport kind %q", c.Kind)
	}
}
