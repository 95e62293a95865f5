package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service a producer registers.
	ServiceType = "_tmslink._tcp"
	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
	// DefaultInstance is the instance name used when none is given.
	DefaultInstance = "tmslink"
	// DefaultDiscoverTimeout bounds Discover.
	DefaultDiscoverTimeout = 5 * time.Second
)

// ErrNoProducer is returned when Discover finds no producer in time.
var ErrNoProducer = errors.New("signaling: no producer found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Replaced in tests.
var (
	registerService registerFunc = zeroconf.Register
	browseServices  browseFunc
)

// Advertiser announces a signaling endpoint via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the endpoint on port with the PIN in its TXT record.
func Advertise(instance string, port int, pin string) (*Advertiser, error) {
	if instance == "" {
		instance = DefaultInstance
	}
	server, err := registerService(instance, ServiceType, ServiceDomain, port, []string{"pin=" + pin}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Discover browses for an advertised producer and returns the WebSocket URL
// of the first usable one.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	browse := browseServices
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return "", fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoProducer
			}
			if wsURL, ok := entryURL(entry); ok {
				return wsURL, nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNoProducer, ctx.Err())
		}
	}
}

// entryURL turns a resolved service entry into a dial address. IPv4 is
// preferred; entries without an address, a port or a PIN are skipped.
func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	var pin string
	for _, txt := range entry.Text {
		key, value, found := strings.Cut(txt, "=")
		if found && strings.TrimSpace(key) == "pin" {
			pin = strings.TrimSpace(value)
		}
	}
	if pin == "" {
		return "", false
	}

	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil && !ip.IsUnspecified() {
			return URL(ip.String(), entry.Port, pin), true
		}
	}
	return "", false
}
