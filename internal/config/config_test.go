package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoad_RoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Config{
		Mode:          ModeAgent,
		PeerName:      "alice",
		ControlServer: "wss://control.example.com",
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.PeerName != "alice" || got.ControlServer != "wss://control.example.com" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.VirtualSubnet != DefaultVirtualSubnet {
		t.Fatalf("expected defaulted virtual_subnet, got %q", got.VirtualSubnet)
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Config{Mode: ModeRelay, RelayPort: 51820}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}

func TestValidate_RequiresModeSpecificFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"agent missing peer name", Config{Mode: ModeAgent, ControlServer: "x"}, true},
		{"agent complete", Config{Mode: ModeAgent, PeerName: "a", ControlServer: "x"}, false},
		{"control complete", Config{Mode: ModeControl, APIPort: 8666}, false},
		{"relay complete", Config{Mode: ModeRelay, RelayPort: 51820}, false},
		{"unknown mode", Config{Mode: "bogus"}, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
