package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is written to disk when a daemon goroutine panics.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	Goroutine    string         `json:"goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// PanicError is returned by a guarded function that panicked.
type PanicError struct {
	Goroutine string
	Value     any
	Report    string
}

func (e *PanicError) Error() string {
	if e.Report != "" {
		return fmt.Sprintf("%s panicked: %v (report: %s)", e.Goroutine, e.Value, e.Report)
	}
	return fmt.Sprintf("%s panicked: %v", e.Goroutine, e.Value)
}

// CrashHandler converts panics in long-running goroutines into crash
// reports and errors.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	logger  *slog.Logger
	seq     int
}

// DefaultCrashDir returns $GEOFENCED_DIR/crashes or ~/.geofenced/crashes.
func DefaultCrashDir() string {
	if dir := os.Getenv("GEOFENCED_DIR"); dir != "" {
		return filepath.Join(dir, "crashes")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".geofenced", "crashes")
	}
	return filepath.Join(home, ".geofenced", "crashes")
}

// NewCrashHandler creates a handler writing reports under dir.
// A nil logger falls back to slog.Default.
func NewCrashHandler(dir, version string, logger *slog.Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CrashHandler{dir: dir, version: version, logger: logger}
}

// Guard wraps fn so a panic becomes a *PanicError after a crash report is
// written. The result fits errgroup.Group.Go.
func (h *CrashHandler) Guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if v := recover(); v != nil {
				path := h.HandlePanic(name, v, nil)
				err = &PanicError{Goroutine: name, Value: v, Report: path}
			}
		}()
		return fn()
	}
}

// Go runs fn in a new goroutine, recovering and reporting any panic.
func (h *CrashHandler) Go(name string, fn func()) {
	go func() {
		defer func() {
			if v := recover(); v != nil {
				h.HandlePanic(name, v, nil)
			}
		}()
		fn()
	}()
}

// HandlePanic records a recovered panic value and returns the report path,
// or "" if the report could not be written.
func (h *CrashHandler) HandlePanic(goroutine string, value any, extra map[string]any) string {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		Goroutine:    goroutine,
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(debug.Stack()),
		Context:      extra,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("write crash report failed", "goroutine", goroutine, "error", err)
	}
	h.logger.Error("goroutine panicked",
		"goroutine", goroutine,
		"panic", report.PanicValue,
		"report", path,
	)
	return path
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(h.dir, 0700); err != nil {
		return "", fmt.Errorf("create crash directory: %w", err)
	}

	h.seq++
	name := fmt.Sprintf("crash-%s-%s-%d.json",
		report.Goroutine, report.Timestamp.Format("20060102-150405"), h.seq)
	path := filepath.Join(h.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads every crash report in the directory, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// Prune removes reports older than maxAge.
func (h *CrashHandler) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		info, err := os.Stat(f)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
	return nil
}
