package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"geofenced/internal/permission"
	"geofenced/internal/region"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateMonitor(&c.Monitor)...)
	errs = append(errs, validateDispatch(&c.Dispatch)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateSensors(&c.Sensors)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if m.DefaultDwellSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.default_dwell_sec",
			Message: "dwell cannot be negative",
		})
	}
	if m.DefaultDebounceSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.default_debounce_sec",
			Message: "debounce cannot be negative",
		})
	}
	if m.DefaultDwellSec > region.MaxDelay.Seconds() {
		errs = append(errs, ValidationError{
			Field:   "monitor.default_dwell_sec",
			Message: fmt.Sprintf("dwell cannot exceed %s", region.MaxDelay),
		})
	}
	if m.DefaultDebounceSec > region.MaxDelay.Seconds() {
		errs = append(errs, ValidationError{
			Field:   "monitor.default_debounce_sec",
			Message: fmt.Sprintf("debounce cannot exceed %s", region.MaxDelay),
		})
	}
	if m.MaxAccuracyMeters < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.max_accuracy_meters",
			Message: "accuracy threshold cannot be negative",
		})
	}
	if m.MaxRegions < 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.max_regions",
			Message: "max regions cannot be negative",
		})
	}

	return errs
}

func validateDispatch(d *DispatchConfig) ValidationErrors {
	var errs ValidationErrors

	if d.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if d.QueueSize > 65536 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.queue_size",
			Message: "queue size cannot exceed 65536",
		})
	}
	if d.DeliveryTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.delivery_timeout_sec",
			Message: "delivery timeout must be at least 1 second",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}
	if s.EventRetentionHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.event_retention_hours",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if !m.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateSensors(s *SensorsConfig) ValidationErrors {
	var errs ValidationErrors

	if s.GeoClue && s.DesktopID == "" {
		errs = append(errs, ValidationError{
			Field:   "sensors.desktop_id",
			Message: "desktop id is required when geoclue is enabled",
		})
	}
	if s.BlueZ && s.Adapter == "" {
		errs = append(errs, ValidationError{
			Field:   "sensors.adapter",
			Message: "adapter is required when bluez is enabled",
		})
	}
	if s.ScanWindowSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "sensors.scan_window_sec",
			Message: "scan window cannot be negative",
		})
	}
	if s.PermissionState != "" {
		if _, err := permission.ParseState(s.PermissionState); err != nil {
			errs = append(errs, ValidationError{
				Field:   "sensors.permission_state",
				Message: err.Error(),
			})
		}
	}

	return errs
}
