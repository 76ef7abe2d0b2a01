package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("level %v: got %v, %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected info level, got %v", cfg.Level)
	}
	if cfg.Component != "geofenced" {
		t.Errorf("expected component geofenced, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join(".geofenced", "geofenced.log")) {
		t.Errorf("unexpected file path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Writer = &buf
	if mutate != nil {
		mutate(cfg)
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFormatCarriesComponent(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	l.Info("started", "regions", 3)

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "geofenced" {
		t.Errorf("component = %v", lines[0]["component"])
	}
	if lines[0]["regions"] != float64(3) {
		t.Errorf("regions = %v", lines[0]["regions"])
	}
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	child := l.WithComponent("monitor")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info: %s", buf.String())
	}

	l.SetLevel(LevelDebug)
	if l.GetLevel() != LevelDebug {
		t.Errorf("GetLevel = %v", l.GetLevel())
	}
	child.Debug("visible")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["msg"] != "visible" {
		t.Fatalf("unexpected output: %v", lines)
	}
	if lines[0]["component"] != "monitor" {
		t.Errorf("component = %v", lines[0]["component"])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.RedactLocations = true })
	l.Info("fix", "latitude", 52.1, "longitude", 4.3, "api_key", "abc", "region_id", "home")

	line := decodeLines(t, buf)[0]
	for _, key := range []string{"latitude", "longitude", "api_key"} {
		if line[key] != "[REDACTED]" {
			t.Errorf("%s = %v, want redacted", key, line[key])
		}
	}
	if line["region_id"] != "home" {
		t.Errorf("region_id = %v", line["region_id"])
	}
}

func TestLocationsVisibleWithoutRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	l.Info("fix", "latitude", 52.1)

	line := decodeLines(t, buf)[0]
	if line["latitude"] != 52.1 {
		t.Errorf("latitude = %v", line["latitude"])
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"Auth_Token", true},
		{"secret_value", true},
		{"region_id", false},
		{"username", false},
	}
	for _, test := range tests {
		if got := shouldRedact(test.key); got != test.expected {
			t.Errorf("shouldRedact(%q) = %v", test.key, got)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %s", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %s", got)
	}

	l, buf := newBufferLogger(t, nil)
	l.WithContext(ctx).Info("handled")
	if decodeLines(t, buf)[0]["request_id"] != "req-1" {
		t.Errorf("request_id missing: %s", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "logs", "geofenced.log")

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to file")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestFileRotatorRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRotator(&Config{
		FilePath:   filepath.Join(dir, "test.log"),
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	tick := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 5; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) != 2 {
		t.Errorf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}
	info, err := os.Stat(filepath.Join(dir, "test.log"))
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file size = %d", info.Size())
	}
}

func TestFileRotatorRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRotator(&Config{
		FilePath: filepath.Join(dir, "daily.log"),
		MaxSize:  10,
		Compress: true,
	})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	r.now = func() time.Time { return day }
	r.opened = day

	if _, err := r.Write([]byte("first\n")); err != nil {
		t.Fatal(err)
	}
	day = day.Add(2 * time.Minute)
	if _, err := r.Write([]byte("second\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	backups, _ := r.Backups()
	if len(backups) != 1 || !strings.HasSuffix(backups[0], ".gz") {
		t.Fatalf("expected one compressed backup, got %v", backups)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "daily.log"))
	if string(data) != "second\n" {
		t.Errorf("current file = %q", data)
	}
}

func TestCrashHandlerGuard(t *testing.T) {
	dir := t.TempDir()
	l, buf := newBufferLogger(t, nil)
	h := NewCrashHandler(dir, "1.2.3", l.Slog())

	err := h.Guard("sensor", func() error {
		panic("boom")
	})()

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Goroutine != "sensor" || pe.Value != "boom" {
		t.Errorf("unexpected panic error %+v", pe)
	}
	if !strings.Contains(buf.String(), "goroutine panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].Version != "1.2.3" || reports[0].PanicValue != "boom" {
		t.Errorf("unexpected report %+v", reports[0])
	}
	if !strings.Contains(reports[0].StackTrace, "TestCrashHandlerGuard") {
		t.Error("stack trace does not include the panicking caller")
	}
}

func TestCrashHandlerGuardPassesErrors(t *testing.T) {
	h := NewCrashHandler(t.TempDir(), "", nil)
	want := errors.New("plain")
	if err := h.Guard("ipc", func() error { return want })(); err != want {
		t.Errorf("expected passthrough error, got %v", err)
	}
	reports, _ := h.Reports()
	if len(reports) != 0 {
		t.Errorf("unexpected reports %v", reports)
	}
}

func TestCrashHandlerPrune(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "", nil)
	h.HandlePanic("old", "x", nil)

	files, _ := filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(files[0], past, past); err != nil {
		t.Fatal(err)
	}

	if err := h.Prune(24 * time.Hour); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	files, _ = filepath.Glob(filepath.Join(dir, "crash-*.json"))
	if len(files) != 0 {
		t.Errorf("expected old report pruned, got %v", files)
	}
}
