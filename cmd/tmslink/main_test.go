package main

import (
	"errors"
	"testing"

	"github.com/1ureka/tmslink/internal/config"
	"github.com/1ureka/tmslink/internal/library"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		err  bool
	}{
		{"ws://192.168.1.20:8080/ws?pin=1234", "ws://192.168.1.20:8080/ws?pin=1234", false},
		{"192.168.1.20:8080?pin=1234", "ws://192.168.1.20:8080/ws?pin=1234", false},
		{" wss://example.devtunnels.ms/anything?pin=0042&x=1#frag ", "wss://example.devtunnels.ms/ws?pin=0042", false},
		{"ws://192.168.1.20:8080/ws", "", true},
		{"ws://192.168.1.20:8080/ws?pin=abcd", "", true},
		{"http://192.168.1.20:8080/ws?pin=1234", "", true},
		{"ws:///ws?pin=1234", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeWSURL(tt.raw)
		if tt.err {
			if err == nil {
				t.Errorf("%q: expected an error, got %s", tt.raw, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: got (%s, %v), want %s", tt.raw, got, err, tt.want)
		}
	}
}

func TestManageLibrary(t *testing.T) {
	cfg := config.Default()
	cfg.LibraryDir = t.TempDir()

	if err := manageLibrary(cfg, true, 0); err != nil {
		t.Fatalf("list of an empty library: %v", err)
	}
	if err := manageLibrary(cfg, false, 1700000000); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("delete of an unknown recording: got %v, want ErrNotFound", err)
	}
}
