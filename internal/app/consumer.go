package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/library"
	"github.com/1ureka/tmslink/internal/signaling"
	"github.com/1ureka/tmslink/internal/transfer"
	"github.com/1ureka/tmslink/internal/transport"
	"github.com/1ureka/tmslink/internal/util"
)

// RunConsumer orchestrates the consumer lifecycle:
//  1. Open the library and load the ids already received
//  2. Open a link (WebRTC via -wsUrl or mDNS, or the serial port)
//  3. Queue announced files and fetch them oldest first, or fetch the
//     requested one when auto-download is off
//  4. Re-open the link whenever it drops, until shutdown
//
// requestID selects a single file to fetch on every attachment; 0 fetches
// the oldest when auto-download is off.
func RunConsumer(ctx context.Context, cfg config.Config, requestID uint32) error {
	var dial dialer
	if cfg.Link == config.LinkSerial {
		dial = serialDialer(cfg)
	} else {
		dial = func(ctx context.Context) (transport.Link, error) {
			wsURL := cfg.WSURL
			if wsURL == "" {
				util.LogInfo("searching the local network for a producer...")
				found, err := signaling.Discover(ctx, signaling.DefaultDiscoverTimeout)
				if err != nil {
					return nil, err
				}
				wsURL = found
			}
			return signaling.EstablishAsConsumer(ctx, wsURL, cfg.STUNServers)
		}
	}
	return runConsumer(ctx, cfg, requestID, dial)
}

func runConsumer(ctx context.Context, cfg config.Config, requestID uint32, dial dialer) error {
	lib, err := library.Open(cfg.LibraryDir, nil)
	if err != nil {
		return err
	}
	defer lib.Close()

	completed, err := lib.CompletedIDs()
	if err != nil {
		return err
	}
	util.LogInfo("%d recordings already in %s", len(completed), lib.Dir())

	reporter := &eventReporter{}
	c := transfer.NewCoordinator(transfer.Options{
		Store:        lib,
		MTU:          linkMTU(cfg),
		Inactivity:   time.Duration(cfg.Inactivity),
		AutoDownload: cfg.AutoDownload,
		Completed:    completed,
		Metrics:      startMetrics(ctx, cfg),
		OnEvent:      reporter.report,
	})

	return serve(ctx, dial, attachment{
		attach: func(link transport.Link) error {
			// Held frames are released by OnMessage, so the sink goes first.
			c.Attach(link)
			link.OnMessage(c.HandleInbound)
			util.LogSuccess("attached to producer")

			switch {
			case requestID != 0:
				return ignoreBusy(c.RequestTransfer(requestID))
			case !cfg.AutoDownload:
				return ignoreBusy(c.RequestOldest())
			}
			return nil
		},
		detach: c.Detach,
	})
}

// ignoreBusy treats a request refused because an announced file already
// started downloading as success.
func ignoreBusy(err error) error {
	if err == nil || errors.Is(err, transfer.ErrTransferBusy) {
		return nil
	}
	return fmt.Errorf("request transfer: %w", err)
}

// eventReporter logs coordinator events. Progress is logged at most once per
// quarter of a file.
type eventReporter struct {
	mu      sync.Mutex
	file    uint32
	quarter int
}

func (r *eventReporter) report(e transfer.Event) {
	switch e.Kind {
	case transfer.EventStateChanged:
		util.LogDebug("transfer state: %s (file %d)", e.State, e.FileID)

	case transfer.EventProgress:
		r.mu.Lock()
		q := int(e.Progress * 4)
		if e.FileID != r.file {
			r.file, r.quarter = e.FileID, 0
		}
		show := q > r.quarter && q < 4
		if show {
			r.quarter = q
		}
		r.mu.Unlock()
		if show {
			util.LogInfo("file %d: %d%%", e.FileID, q*25)
		}

	case transfer.EventCompleted:
		util.LogSuccess("received %s (%d bytes, sha256 %s)",
			library.DisplayName(e.FileID, nil), e.Metadata.FileSize, util.ShortHash(e.Metadata.SHA256))

	case transfer.EventFailed:
		util.LogError("transfer of file %d failed: %v", e.FileID, e.Err)

	case transfer.EventQueueChanged:
		util.LogDebug("pending files: %v", e.Pending)
	}
}
