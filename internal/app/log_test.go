package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDevsyncHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "device registered",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tdevice registered\n",
		},
		{
			name:    "debug level",
			runID:   "run-456",
			level:   slog.LevelDebug,
			message: "drain skipped",
			want:    "2024-06-15T14:30:45Z\tDEBUG\trun-456\tdrain skipped\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "operation enqueued",
			attrs:   []slog.Attr{slog.String("device", "dev-1"), slog.Int("priority", 8)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\toperation enqueued\tdevice=dev-1\tpriority=8\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newHandler(&buf, tt.runID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestDevsyncHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "run-1", slog.LevelInfo)

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "queue")}).(*devsyncHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "drain finished", 0)
	r.AddAttrs(slog.String("device", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=queue") {
		t.Errorf("expected pre-set attr component=queue, got: %q", got)
	}
	if !strings.Contains(got, "device=abc") {
		t.Errorf("expected record attr device=abc, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestDevsyncHandler_Enabled(t *testing.T) {
	h := newHandler(&bytes.Buffer{}, "run-1", slog.LevelWarn)
	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, false},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestDevsyncHandler_ConcurrentLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "run-1", slog.LevelInfo))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Info("scheduled drain", "n", i)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, l := range lines {
		if fields := strings.Split(l, "\t"); len(fields) != 5 {
			t.Errorf("malformed line %q", l)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "test-run", "info")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("hidden")
	logger.Info("visible", "k", "v")

	data, err := os.ReadFile(filepath.Join(dir, "devsync.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line written at info level: %q", got)
	}
	if !strings.Contains(got, "\ttest-run\tvisible\tk=v\n") {
		t.Errorf("log file = %q, want the info line", got)
	}

	if _, _, err := newLogger(dir, "x", "loud"); err == nil {
		t.Error("newLogger() with unknown level error = nil, want error")
	}
}
