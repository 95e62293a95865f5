package app

import (
	"context"
	"time"

	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/signaling"
	"github.com/1ureka/tmslink/internal/source"
	"github.com/1ureka/tmslink/internal/transfer"
	"github.com/1ureka/tmslink/internal/transport"
	"github.com/1ureka/tmslink/internal/util"
)

// RunProducer orchestrates the producer lifecycle:
//  1. Scan the watch directory and start watching it
//  2. Open a link (WebRTC signaling or the serial port)
//  3. Announce the inventory and serve transfer requests
//  4. Re-open the link whenever it drops, until shutdown
func RunProducer(ctx context.Context, cfg config.Config) error {
	var dial dialer
	if cfg.Link == config.LinkSerial {
		dial = serialDialer(cfg)
	} else {
		// One PIN for the whole run, so a consumer can reconnect with it.
		pin := signaling.GeneratePIN(signaling.DefaultPINLength)
		dial = func(ctx context.Context) (transport.Link, error) {
			return signaling.EstablishAsProducer(ctx, signaling.ProducerOptions{
				Port:        cfg.WSPort,
				PIN:         pin,
				Advertise:   cfg.Advertise,
				STUNServers: cfg.STUNServers,
			})
		}
	}
	return runProducer(ctx, cfg, dial)
}

func runProducer(ctx context.Context, cfg config.Config, dial dialer) error {
	src, err := source.NewDir(cfg.WatchDir, source.Options{Extensions: cfg.Extensions})
	if err != nil {
		return err
	}
	util.LogInfo("%d recordings in %s", len(src.IDs()), src.Root())

	p := transfer.NewProducer(src, transfer.ProducerOptions{
		MTU:     linkMTU(cfg),
		Pacing:  time.Duration(cfg.Pacing),
		Metrics: startMetrics(ctx, cfg),
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		err := src.Watch(watchCtx, source.WatchOptions{
			OnAdded:   p.NotifyAdded,
			OnRemoved: p.NotifyDeleted,
		})
		if err != nil {
			util.LogError("directory watcher stopped: %v", err)
		}
	}()

	return serve(ctx, dial, attachment{
		attach: func(link transport.Link) error {
			if err := p.Attach(link); err != nil {
				return err
			}
			link.OnMessage(p.HandleInbound)
			util.LogSuccess("consumer attached, serving %d recordings", len(src.IDs()))
			return nil
		},
		detach: p.Detach,
	})
}
