// Package config loads the node configuration: defaults, optional YAML
// file, then environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string `yaml:"dataDir"`
	DeviceName  string `yaml:"deviceName"`
	VirtualPort int    `yaml:"virtualPort"`

	Tor     TorConfig     `yaml:"tor"`
	Inbound InboundConfig `yaml:"inbound"`
	Debug   DebugConfig   `yaml:"debug"`

	KeepTransportInBackground bool `yaml:"keepTransportInBackground"`
}

type TorConfig struct {
	ControlAddr string   `yaml:"controlAddr"`
	CookiePath  string   `yaml:"cookiePath"`
	SocksHost   string   `yaml:"socksHost"`
	SocksPort   int      `yaml:"socksPort"`
	RuntimeDirs []string `yaml:"runtimeDirs"`
}

type InboundConfig struct {
	// StrictVerified rejects envelopes from unverified contacts. Defaults
	// to true.
	StrictVerified *bool `yaml:"strictVerified"`
}

type DebugConfig struct {
	// Enabled exposes debug routes, the plaintext self-test path, direct
	// HTTP recipients, and the runtime.json mirror.
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		DataDir:     "data",
		DeviceName:  "enclave-node",
		VirtualPort: 80,
		Tor: TorConfig{
			ControlAddr: "127.0.0.1:9051",
			SocksHost:   "127.0.0.1",
			SocksPort:   9050,
		},
	}
}

// Load resolves the effective configuration. A missing or unreadable file
// falls back to defaults rather than failing the boot.
func Load(path string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/node.yaml", "node.yaml")
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

// StrictVerified resolves the tri-state flag with its default.
func (c Config) StrictVerified() bool {
	if c.Inbound.StrictVerified == nil {
		return true
	}
	return *c.Inbound.StrictVerified
}

func merge(dst *Config, src Config) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.DeviceName != "" {
		dst.DeviceName = src.DeviceName
	}
	if src.VirtualPort != 0 {
		dst.VirtualPort = src.VirtualPort
	}
	if src.Tor.ControlAddr != "" {
		dst.Tor.ControlAddr = src.Tor.ControlAddr
	}
	if src.Tor.CookiePath != "" {
		dst.Tor.CookiePath = src.Tor.CookiePath
	}
	if src.Tor.SocksHost != "" {
		dst.Tor.SocksHost = src.Tor.SocksHost
	}
	if src.Tor.SocksPort != 0 {
		dst.Tor.SocksPort = src.Tor.SocksPort
	}
	if len(src.Tor.RuntimeDirs) > 0 {
		dst.Tor.RuntimeDirs = src.Tor.RuntimeDirs
	}
	if src.Inbound.StrictVerified != nil {
		dst.Inbound.StrictVerified = src.Inbound.StrictVerified
	}
	if src.Debug.Enabled {
		dst.Debug.Enabled = true
	}
	if src.KeepTransportInBackground {
		dst.KeepTransportInBackground = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ENCLAVE_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ENCLAVE_CONTROL_ADDR")); v != "" {
		cfg.Tor.ControlAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ENCLAVE_SOCKS_HOST")); v != "" {
		cfg.Tor.SocksHost = v
	}
	if v := strings.TrimSpace(os.Getenv("ENCLAVE_SOCKS_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.Tor.SocksPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("ENCLAVE_DEBUG")); v != "" {
		cfg.Debug.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}
