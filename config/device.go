package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"landrop/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "landrop"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings. The device id is
// generated once and reused so peers recognize the device across runs.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	SaveDirectory string `json:"save_directory"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANDROP_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultDeviceConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

func defaultDeviceConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:      models.GenerateDeviceID(),
		DeviceName:    models.DefaultDeviceName(),
		PortMode:      PortModeFixed,
		ListeningPort: DefaultListenPort,
		SaveDirectory: filepath.Join(dataDir, "received"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = models.GenerateDeviceID()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = models.DefaultDeviceName()
		updated = true
	}

	switch cfg.PortMode {
	case PortModeAutomatic, PortModeFixed:
	default:
		if cfg.ListeningPort > 0 {
			cfg.PortMode = PortModeFixed
		} else {
			cfg.PortMode = PortModeAutomatic
		}
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListenPort
		updated = true
	}
	if cfg.SaveDirectory == "" {
		cfg.SaveDirectory = filepath.Join(dataDir, "received")
		updated = true
	}

	return updated
}
