// Package config handles configuration loading, validation, and management for geofenced.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"geofenced/internal/region"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// RegionsFile is a file of region definitions imported at startup and
	// re-imported whenever it changes.
	RegionsFile string `toml:"regions_file" json:"regions_file" yaml:"regions_file"`

	// Monitor configuration for occupancy tracking.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Dispatch configuration for event delivery.
	Dispatch DispatchConfig `toml:"dispatch" json:"dispatch" yaml:"dispatch"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// IPC configuration for client connections.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Sensors configuration for location and beacon sources.
	Sensors SensorsConfig `toml:"sensors" json:"sensors" yaml:"sensors"`
}

// MonitorConfig holds region monitoring defaults.
type MonitorConfig struct {
	// DefaultDwellSec applies to definitions that omit dwell_seconds.
	DefaultDwellSec float64 `toml:"default_dwell_sec" json:"default_dwell_sec" yaml:"default_dwell_sec"`

	// DefaultDebounceSec applies to definitions that omit debounce_seconds.
	DefaultDebounceSec float64 `toml:"default_debounce_sec" json:"default_debounce_sec" yaml:"default_debounce_sec"`

	// MaxAccuracyMeters drops fixes with a larger accuracy radius.
	// Set to 0 to accept every fix.
	MaxAccuracyMeters float64 `toml:"max_accuracy_meters" json:"max_accuracy_meters" yaml:"max_accuracy_meters"`

	// MaxRegions caps the number of registered regions. 0 means unlimited.
	MaxRegions int `toml:"max_regions" json:"max_regions" yaml:"max_regions"`
}

// DispatchConfig holds event delivery configuration.
type DispatchConfig struct {
	// QueueSize bounds the outbound queue. The oldest event is dropped on overflow.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// DeliveryTimeoutSec bounds a single delivery to the consumer.
	DeliveryTimeoutSec int `toml:"delivery_timeout_sec" json:"delivery_timeout_sec" yaml:"delivery_timeout_sec"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database.
	Path string `toml:"path" json:"path" yaml:"path"`

	// EventLog records every delivered or dropped event.
	EventLog bool `toml:"event_log" json:"event_log" yaml:"event_log"`

	// EventRetentionHours prunes event log entries older than this.
	EventRetentionHours int `toml:"event_retention_hours" json:"event_retention_hours" yaml:"event_retention_hours"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to gzip rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactLocations replaces coordinates in log records with a marker.
	RedactLocations bool `toml:"redact_locations" json:"redact_locations" yaml:"redact_locations"`
}

// SensorsConfig selects the sample sources the daemon runs.
type SensorsConfig struct {
	// GeoClue enables the GeoClue2 location source and permission host.
	GeoClue bool `toml:"geoclue" json:"geoclue" yaml:"geoclue"`

	// DesktopID identifies the daemon to the GeoClue agent.
	DesktopID string `toml:"desktop_id" json:"desktop_id" yaml:"desktop_id"`

	// BlueZ enables iBeacon scanning through BlueZ.
	BlueZ bool `toml:"bluez" json:"bluez" yaml:"bluez"`

	// Adapter is the BlueZ adapter name.
	Adapter string `toml:"adapter" json:"adapter" yaml:"adapter"`

	// ScanWindowSec groups advertisements into one scan snapshot.
	ScanWindowSec float64 `toml:"scan_window_sec" json:"scan_window_sec" yaml:"scan_window_sec"`

	// ReplayFile is a JSON-lines file of recorded samples to feed instead
	// of live sensors.
	ReplayFile string `toml:"replay_file" json:"replay_file" yaml:"replay_file"`

	// PermissionState seeds the static permission host used when GeoClue
	// is disabled.
	PermissionState string `toml:"permission_state" json:"permission_state" yaml:"permission_state"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := GeofencedDir()

	return &Config{
		Version: Version,
		Monitor: MonitorConfig{
			DefaultDwellSec:    0,
			DefaultDebounceSec: 5,
			MaxAccuracyMeters:  0,
			MaxRegions:         0,
		},
		Dispatch: DispatchConfig{
			QueueSize:          256,
			DeliveryTimeoutSec: 5,
		},
		Storage: StorageConfig{
			Path:                filepath.Join(dir, "geofenced.db"),
			EventLog:            true,
			EventRetentionHours: 168, // 1 week
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9477",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "geofenced.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Sensors: SensorsConfig{
			GeoClue:         runtime.GOOS == "linux",
			DesktopID:       "geofenced",
			BlueZ:           false,
			Adapter:         "hci0",
			ScanWindowSec:   2,
			PermissionState: "not_determined",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(GeofencedDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// RegionDefaults returns the timing applied to definitions that omit it.
func (c *Config) RegionDefaults() region.Defaults {
	return region.Defaults{
		Dwell:    seconds(c.Monitor.DefaultDwellSec),
		Debounce: seconds(c.Monitor.DefaultDebounceSec),
	}
}

// DeliveryTimeout returns the dispatch delivery timeout.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Dispatch.DeliveryTimeoutSec) * time.Second
}

// IPCTimeout returns the per-request IPC timeout.
func (c *Config) IPCTimeout() time.Duration {
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// ScanWindow returns the beacon scan grouping window.
func (c *Config) ScanWindow() time.Duration {
	return seconds(c.Sensors.ScanWindowSec)
}

// EventRetention returns how long event log entries are kept.
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.Storage.EventRetentionHours) * time.Hour
}

// SocketMode parses IPC.Permissions as an octal file mode.
func (c *Config) SocketMode() os.FileMode {
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0600
	}
	return os.FileMode(mode)
}

// GeofencedDir returns the base geofenced directory.
// GEOFENCED_DIR overrides the default of ~/.geofenced.
func GeofencedDir() string {
	if envDir := os.Getenv("GEOFENCED_DIR"); envDir != "" {
		return envDir
	}
	return fallbackDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with GEOFENCED_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEOFENCED_REGIONS_FILE"); v != "" {
		c.RegionsFile = v
	}

	// Storage overrides
	if v := os.Getenv("GEOFENCED_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Logging overrides
	if v := os.Getenv("GEOFENCED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GEOFENCED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GEOFENCED_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("GEOFENCED_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	// Metrics overrides
	if v := os.Getenv("GEOFENCED_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}

	// Sensor overrides
	if v := os.Getenv("GEOFENCED_REPLAY_FILE"); v != "" {
		c.Sensors.ReplayFile = v
	}
	if v := os.Getenv("GEOFENCED_PERMISSION"); v != "" {
		c.Sensors.PermissionState = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Encode writes the configuration in the given format: "toml", "json" or "yaml".
func (c *Config) Encode(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(c)
	case "toml", "":
		return toml.NewEncoder(w).Encode(c)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

func defaultSocketPath() string {
	if runtime.GOOS == "linux" {
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "geofenced.sock")
		}
	}
	return filepath.Join(GeofencedDir(), "geofenced.sock")
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
