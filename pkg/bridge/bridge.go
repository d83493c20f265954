// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/absmach/mbridge/pkg/errors"
	"github.com/absmach/mbridge/pkg/metrics"
	"github.com/absmach/mbridge/pkg/transport"
)

// Direction labels for logs and metrics.
const (
	DirectionInToOut = "inbound_to_outbound"
	DirectionOutToIn = "outbound_to_inbound"
)

// Config holds bridge configuration.
type Config struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Bridge forwards messages between an inbound and an outbound
// transport until stopped or until both transports close.
type Bridge struct {
	transport.Lifecycle

	inbound  transport.Transport
	outbound transport.Transport
	mtr      *metrics.Metrics
	logger   *slog.Logger

	pumps    sync.WaitGroup
	stopOnce sync.Once
}

// New creates a bridge over the given transport pair. The bridge
// borrows both transports for the duration of Start/Stop.
func New(inbound, outbound transport.Transport, cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bridge{
		inbound:  inbound,
		outbound: outbound,
		mtr:      cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Start starts the inbound transport, then the outbound transport, and
// launches the two forwarding pumps. Inbound goes first so no message
// sent downstream is dropped before a receiver exists. If the outbound
// start fails, the inbound transport is stopped again so no listener
// is left behind.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.Starting(); err != nil {
		return err
	}

	if err := b.inbound.Start(ctx); err != nil {
		b.Stopping()
		return errors.Wrap(err, "starting inbound transport")
	}
	if err := b.outbound.Start(ctx); err != nil {
		if serr := b.inbound.Stop(); serr != nil {
			b.logger.Error("failed to roll back inbound transport",
				slog.String("error", serr.Error()))
		}
		b.Stopping()
		return errors.Wrap(err, "starting outbound transport")
	}

	b.pumps.Add(2)
	go b.pump(DirectionInToOut, b.inbound, b.outbound)
	go b.pump(DirectionOutToIn, b.outbound, b.inbound)

	b.logger.Info("bridge started")
	return nil
}

// Stop stops both transports and waits for the pumps to drain. It is
// idempotent and a no-op unless the bridge is running.
func (b *Bridge) Stop() error {
	if !b.Stopping() {
		return nil
	}
	b.stopOnce.Do(func() {
		if err := b.inbound.Stop(); err != nil {
			b.logger.Error("failed to stop inbound transport",
				slog.String("error", err.Error()))
		}
		if err := b.outbound.Stop(); err != nil {
			b.logger.Error("failed to stop outbound transport",
				slog.String("error", err.Error()))
		}
		b.pumps.Wait()
		b.logger.Info("bridge stopped")
	})
	return nil
}

// Run starts the bridge and blocks until the context is cancelled or
// both transports close, then stops everything.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		b.pumps.Wait()
		close(drained)
	}()

	select {
	case <-ctx.Done():
	case <-drained:
	}
	return b.Stop()
}

// pump forwards every message from one transport to the other. A
// failed send is logged and the message dropped; the pump only
// terminates when the source's produced sequence closes.
func (b *Bridge) pump(direction string, from, to transport.Transport) {
	defer b.pumps.Done()

	for msg := range from.Receive() {
		err := b.forward(direction, to, msg)
		if err != nil {
			b.logger.Warn("failed to forward message",
				slog.String("direction", direction),
				slog.Int("bytes", len(msg)),
				slog.String("error", err.Error()))
		}
	}

	b.logger.Debug("pump drained", slog.String("direction", direction))
}

func (b *Bridge) forward(direction string, to transport.Transport, msg []byte) error {
	if b.mtr != nil {
		return b.mtr.ObserveForward(direction, func() error {
			return to.Send(msg)
		})
	}
	return to.Send(msg)
}
