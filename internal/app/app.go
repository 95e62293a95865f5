// Package app contains the top-level orchestration for the producer and
// consumer roles: it opens links, attaches the transfer engine and keeps
// serving until shutdown.
package app

import (
	"context"
	"time"

	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/transport"
	"github.com/1ureka/tmslink/internal/util"
)

// retryDelay separates attempts to re-open a failed link.
var retryDelay = 2 * time.Second

// dialer opens the next link. It blocks until a peer is reachable.
type dialer func(ctx context.Context) (transport.Link, error)

// attachment is one side of the transfer engine bound to a link.
type attachment struct {
	attach func(transport.Link) error
	detach func()
}

// serve opens a link, attaches the engine and waits for the link to end,
// then starts over until ctx is cancelled.
func serve(ctx context.Context, dial dialer, a attachment) error {
	for {
		link, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			util.LogError("failed to open link: %v", err)
			if !sleep(ctx, retryDelay) {
				return nil
			}
			continue
		}

		if err := a.attach(link); err != nil {
			util.LogError("failed to attach link: %v", err)
			link.Close()
			if !sleep(ctx, retryDelay) {
				return nil
			}
			continue
		}

		select {
		case <-link.Done():
			util.LogWarning("link closed")
		case <-ctx.Done():
		}

		a.detach()
		link.Close()

		if ctx.Err() != nil {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// linkMTU is the frame limit for cfg's link.
func linkMTU(cfg config.Config) int {
	switch {
	case cfg.MTU > 0:
		return cfg.MTU
	case cfg.Link == config.LinkSerial:
		return transport.DefaultSerialMTU
	default:
		return protocol.DefaultMTU
	}
}

// serialDialer opens the configured serial port.
func serialDialer(cfg config.Config) dialer {
	return func(ctx context.Context) (transport.Link, error) {
		return transport.OpenSerial(ctx, cfg.SerialPort, cfg.Baud, linkMTU(cfg))
	}
}

// startMetrics starts the periodic reporter when an interval is set.
func startMetrics(ctx context.Context, cfg config.Config) *util.Metrics {
	if cfg.MetricsInterval <= 0 {
		return util.NopMetrics()
	}
	return util.NewMetrics(util.StartMetricsReporter(ctx, time.Duration(cfg.MetricsInterval)))
}
