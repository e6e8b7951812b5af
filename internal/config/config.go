// Package config loads and validates LANrage's on-disk configuration
// using an atomic-write YAML idiom.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVirtualSubnet       = "10.66.0.0/16"
	DefaultInterfaceName       = "lanrage0"
	DefaultAPIHost             = "127.0.0.1"
	DefaultAPIPort             = 8666
	DefaultWireGuardKeepalive  = 25
	DefaultRelayPort           = 51820
	DefaultMaxClients          = 255
	DefaultSTUNIntervalSec     = 60
	DefaultHeartbeatSec        = 20
	DefaultMonitorIntervalSec  = 30
	DefaultReconnectMinSec     = 5
	DefaultReconnectMaxSec     = 60
	DefaultRelayBatchMs        = 1000
	DefaultRelayClientTimeoutS = 300
	DefaultShutdownDeadlineSec = 10
)

// Mode selects which of the three deployable roles a process runs as.
type Mode string

const (
	ModeAgent   Mode = "agent"   // joins a party and runs the mesh agent
	ModeControl Mode = "control" // runs the control-plane server
	ModeRelay   Mode = "relay"   // runs the stateless UDP relay
)

// Config is the top-level on-disk schema.
type Config struct {
	Mode                Mode     `yaml:"mode"`
	VirtualSubnet       string   `yaml:"virtual_subnet"`
	InterfaceName       string   `yaml:"interface_name"`
	APIHost             string   `yaml:"api_host"`
	APIPort             int      `yaml:"api_port"`
	PeerName            string   `yaml:"peer_name"`
	WireGuardKeepalive  int      `yaml:"wireguard_keepalive"`
	ControlServer       string   `yaml:"control_server"`
	ControlServerToken  string   `yaml:"control_server_token,omitempty"`
	RelayPublicIP       string   `yaml:"relay_public_ip,omitempty"`
	RelayPort           int      `yaml:"relay_port"`
	MaxClients          int      `yaml:"max_clients"`
	ConfigDir           string   `yaml:"config_dir"`
	KeysDir             string   `yaml:"keys_dir"`
	STUNServers         []string `yaml:"stun_servers"`
	STUNIntervalSec     int      `yaml:"stun_interval_sec"`
	HeartbeatSec        int      `yaml:"heartbeat_sec"`
	MonitorIntervalSec  int      `yaml:"monitor_interval_sec"`
	ReconnectMinSec     int      `yaml:"reconnect_min_sec"`
	ReconnectMaxSec     int      `yaml:"reconnect_max_sec"`
	RelayBatchMs        int      `yaml:"relay_batch_ms"`
	RelayClientTimeoutS int      `yaml:"relay_client_timeout_sec"`
	LogPretty           bool     `yaml:"log_pretty"`
}

// Load reads and parses a YAML config file, applying defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes the YAML config file atomically (temp file + rename) at
// 0600.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return atomicWriteFile(path, data, 0o600)
}

// Validate performs minimal required-field validation.
func Validate(cfg Config) error {
	switch cfg.Mode {
	case ModeAgent:
		if cfg.PeerName == "" {
			return fmt.Errorf("peer_name is required in agent mode")
		}
		if cfg.ControlServer == "" {
			return fmt.Errorf("control_server is required in agent mode")
		}
	case ModeControl:
		if cfg.APIPort == 0 {
			return fmt.Errorf("api_port is required in control mode")
		}
	case ModeRelay:
		if cfg.RelayPort == 0 {
			return fmt.Errorf("relay_port is required in relay mode")
		}
	default:
		return fmt.Errorf("mode must be one of agent, control, relay (got %q)", cfg.Mode)
	}
	return nil
}

// ApplyDefaults fills in default values for empty fields.
func ApplyDefaults(cfg *Config) {
	if cfg.VirtualSubnet == "" {
		cfg.VirtualSubnet = DefaultVirtualSubnet
	}
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = DefaultInterfaceName
	}
	if cfg.APIHost == "" {
		cfg.APIHost = DefaultAPIHost
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = DefaultAPIPort
	}
	if cfg.WireGuardKeepalive == 0 {
		cfg.WireGuardKeepalive = DefaultWireGuardKeepalive
	}
	if cfg.RelayPort == 0 {
		cfg.RelayPort = DefaultRelayPort
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.ConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.ConfigDir = filepath.Join(home, ".lanrage")
		} else {
			cfg.ConfigDir = ".lanrage"
		}
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(cfg.ConfigDir, "keys")
	}
	if cfg.STUNIntervalSec == 0 {
		cfg.STUNIntervalSec = DefaultSTUNIntervalSec
	}
	if cfg.HeartbeatSec == 0 {
		cfg.HeartbeatSec = DefaultHeartbeatSec
	}
	if cfg.MonitorIntervalSec == 0 {
		cfg.MonitorIntervalSec = DefaultMonitorIntervalSec
	}
	if cfg.ReconnectMinSec == 0 {
		cfg.ReconnectMinSec = DefaultReconnectMinSec
	}
	if cfg.ReconnectMaxSec == 0 {
		cfg.ReconnectMaxSec = DefaultReconnectMaxSec
	}
	if cfg.RelayBatchMs == 0 {
		cfg.RelayBatchMs = DefaultRelayBatchMs
	}
	if cfg.RelayClientTimeoutS == 0 {
		cfg.RelayClientTimeoutS = DefaultRelayClientTimeoutS
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
	}
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
