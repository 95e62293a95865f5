// Command tmslink is the CLI entry point.
//
// This tool moves recorded audio files from a producer (the recorder side)
// to a consumer, over WebRTC DataChannels or a serial BLE bridge, using the
// three-channel transfer protocol. Files are deleted at the producer only
// after the consumer has verified and stored them.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -link, -dir, -library, -port, -wsUrl, ...). The -list and
// -delete flags manage the consumer's library without connecting.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"go.bug.st/serial"

	"github.com/1ureka/tmslink/internal/app"
	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a JSON config file")
	role := flag.String("role", "", "Role: producer or consumer")
	link := flag.String("link", "", "Link: webrtc or serial")
	dir := flag.String("dir", "", "Directory of recordings to offer (producer)")
	libraryDir := flag.String("library", "", "Directory received recordings are stored in (consumer)")
	port := flag.String("port", "", "Serial port of the BLE bridge (serial link)")
	baud := flag.Int("baud", 0, "Serial baud rate (serial link)")
	wsPort := flag.Int("wsPort", 0, "WebSocket signaling server port (producer, webrtc link)")
	wsURL := flag.String("wsUrl", "", "WebSocket URL of the producer, with ?pin= (consumer, webrtc link; empty searches the LAN)")
	mtu := flag.Int("mtu", 0, "Largest frame in bytes, header included (0 = link default)")
	pacing := flag.Duration("pacing", 0, "Delay between chunk frames (producer)")
	timeout := flag.Duration("timeout", 0, "Inactivity timeout of a transfer, negative disables (consumer)")
	auto := flag.Bool("auto", true, "Download every announced recording automatically (consumer)")
	fileID := flag.Uint("file", 0, "Fetch only this fileId on connect (consumer)")
	noMDNS := flag.Bool("noMdns", false, "Do not advertise the signaling server over mDNS (producer)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	listLibrary := flag.Bool("list", false, "List the received recordings and exit (consumer)")
	deleteID := flag.Uint("delete", 0, "Delete a received recording by fileId and exit (consumer)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "link":
			cfg.Link = config.LinkKind(*link)
		case "dir":
			cfg.WatchDir = *dir
		case "library":
			cfg.LibraryDir = *libraryDir
		case "port":
			cfg.SerialPort = *port
		case "baud":
			cfg.Baud = *baud
		case "wsPort":
			cfg.WSPort = *wsPort
		case "wsUrl":
			cfg.WSURL = *wsURL
		case "mtu":
			cfg.MTU = *mtu
		case "pacing":
			cfg.Pacing = config.Duration(*pacing)
		case "timeout":
			cfg.Inactivity = config.Duration(*timeout)
		case "auto":
			cfg.AutoDownload = *auto
		case "noMdns":
			cfg.Advertise = !*noMDNS
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	if *listLibrary || *deleteID != 0 {
		if err := manageLibrary(cfg, *listLibrary, *deleteID); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		return
	}

	pterm.Info.Println(fmt.Sprintf("tmslink — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role anywhere → interactive mode.
		askConfig(&cfg)
	}

	if cfg.WSURL != "" {
		normalized, err := normalizeWSURL(cfg.WSURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.WSURL = normalized
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if uint64(*fileID) > math.MaxUint32 {
		util.LogError("invalid -file: must fit in 32 bits")
		os.Exit(1)
	}

	var err error
	switch cfg.Role {
	case config.RoleProducer:
		err = app.RunProducer(ctx, cfg)
	case config.RoleConsumer:
		err = app.RunConsumer(ctx, cfg, uint32(*fileID))
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("shut down")
}

// manageLibrary runs the -delete and -list maintenance commands.
func manageLibrary(cfg config.Config, list bool, deleteID uint) error {
	dir, err := config.ExpandHome(cfg.LibraryDir)
	if err != nil {
		return err
	}
	cfg.LibraryDir = dir

	if deleteID != 0 {
		if uint64(deleteID) > math.MaxUint32 {
			return fmt.Errorf("invalid -delete %d: must fit in 32 bits", deleteID)
		}
		if err := app.DeleteFromLibrary(cfg, uint32(deleteID)); err != nil {
			return err
		}
	}
	if list {
		return app.ListLibrary(cfg)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConfig fills in the role, the link and the role's paths.
func askConfig(cfg *config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Producer — Offer recordings from a folder", "Consumer — Download recordings"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Producer") {
		cfg.Role = config.RoleProducer
	} else {
		cfg.Role = config.RoleConsumer
	}

	link, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"WebRTC — Over the network", "Serial — Through a BLE bridge"}).
		WithDefaultText("Select the link").
		Show()
	pterm.Println()

	if strings.HasPrefix(link, "Serial") {
		cfg.Link = config.LinkSerial
		cfg.SerialPort = askSerialPort()
	} else {
		cfg.Link = config.LinkWebRTC
		if cfg.Role == config.RoleConsumer {
			cfg.WSURL = askURL()
		}
	}

	if cfg.Role == config.RoleProducer {
		cfg.WatchDir = askText("Recordings directory", cfg.WatchDir)
	} else {
		cfg.LibraryDir = askText("Library directory", cfg.LibraryDir)
	}
}

// askText prompts for a value, keeping def when the answer is empty.
func askText(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("%s (%s)", prompt, def)).
		Show()
	pterm.Println()

	if v := strings.TrimSpace(raw); v != "" {
		return v
	}
	return def
}

// askSerialPort offers the detected serial ports, falling back to free text.
func askSerialPort() string {
	ports, err := serial.GetPortsList()
	if err != nil || len(ports) == 0 {
		for {
			raw := askText("Serial port (e.g. /dev/ttyUSB0 or COM3)", "")
			if raw != "" {
				return raw
			}
			util.LogWarning("invalid input: please enter a serial port")
		}
	}

	port, _ := pterm.DefaultInteractiveSelect.
		WithOptions(ports).
		WithDefaultText("Select the serial port").
		Show()
	pterm.Println()
	return port
}

// askURL prompts for the producer's WebSocket URL. An empty answer searches
// the local network instead.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("WebSocket URL (e.g. ws://192.168.1.20:8080/ws?pin=1234, empty to search the LAN)").
			Show()
		pterm.Println()

		if strings.TrimSpace(raw) == "" {
			return ""
		}
		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			return wsURL
		}
		util.LogWarning("invalid input: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a WebSocket URL and fills in the scheme and path.
// The PIN query parameter is required.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid WebSocket URL scheme: %s", u.Scheme)
	}

	pin := u.Query().Get("pin")
	if pin == "" {
		return "", fmt.Errorf("WebSocket URL is missing ?pin=: %s", raw)
	}
	if _, err := strconv.Atoi(pin); err != nil {
		return "", fmt.Errorf("invalid PIN %q", pin)
	}

	u.Path = "/ws"
	u.RawQuery = url.Values{"pin": {pin}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}
