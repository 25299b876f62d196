// Package config loads the ambient defaults fastflash's components are
// configured with: vendor allow-list, per-phase timeouts, and the
// host-memory headroom guard. Loading follows the teacher's own pattern of
// an optional file plus environment-variable overrides, generalized to
// accept YAML instead of a flat .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the ambient settings shared by the transport, client, and
// batch flasher. Zero value is not meaningful; use DefaultConfig() or Load().
type Config struct {
	// AllowedVendorIDs is consulted only as a fallback when a device's
	// interface class/subclass/protocol does not advertise Fastboot.
	AllowedVendorIDs []uint16 `yaml:"allowed_vendor_ids"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
	DataTimeout    time.Duration `yaml:"data_timeout"`
	RebootTimeout  time.Duration `yaml:"reboot_timeout"`

	DefaultMaxDownloadSize uint64 `yaml:"default_max_download_size"`
	MinFreeMemoryBytes     uint64 `yaml:"min_free_memory_bytes"`
	ContinueOnError        bool   `yaml:"continue_on_error"`
}

// knownFastbootVendorIDs are common OEM USB vendor IDs seen advertising a
// Fastboot-class interface in the field (Google, Samsung, HTC, ...).
var knownFastbootVendorIDs = []uint16{0x18d1, 0x04e8, 0x0bb4, 0x22b8, 0x2717}

// DefaultConfig returns the built-in defaults used when no file or
// environment override is present.
func DefaultConfig() *Config {
	return &Config{
		AllowedVendorIDs:       append([]uint16(nil), knownFastbootVendorIDs...),
		ConnectTimeout:         5 * time.Second,
		ControlTimeout:         5 * time.Second,
		DataTimeout:            30 * time.Second,
		RebootTimeout:          10 * time.Second,
		DefaultMaxDownloadSize: 256 << 20, // 256 MiB, see spec.md §9 open question
		MinFreeMemoryBytes:     64 << 20,  // 64 MiB headroom kept free of DATA buffers
		ContinueOnError:        false,
	}
}

// Load reads defaults, then overlays a YAML file at path (if it exists and
// is non-empty), then overlays process environment variables. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FASTFLASH_CONTROL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ControlTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FASTFLASH_DATA_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.DataTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("FASTFLASH_MAX_DOWNLOAD_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 64); err == nil {
			cfg.DefaultMaxDownloadSize = n
		}
	}
	if v := os.Getenv("FASTFLASH_CONTINUE_ON_ERROR"); v != "" {
		cfg.ContinueOnError = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FASTFLASH_ALLOWED_VENDOR_IDS"); v != "" {
		var ids []uint16
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, err := strconv.ParseUint(part, 0, 16); err == nil {
				ids = append(ids, uint16(n))
			}
		}
		if len(ids) > 0 {
			cfg.AllowedVendorIDs = ids
		}
	}
}
