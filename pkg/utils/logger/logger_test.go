package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"libcompart/pkg/utils/contextkey"

	"go.uber.org/zap"
)

func TestFileLoggerWritesContextFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compart.log")
	file, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	l, err := NewFileLogger(Config{Format: "json"}, file, nil)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	ctx := context.WithValue(context.Background(), contextkey.Compartment, "server")
	ctx = context.WithValue(ctx, contextkey.PID, 42)
	l.WithContext(ctx).Info("(monitor) call to server", zap.Int("code", 45))
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"(monitor) call to server"`, `"compartment":"server"`, `"pid":42`, `"code":45`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestFileLoggerReportsWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compart.log")
	file, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	var failures int
	l, err := NewFileLogger(Config{}, file, func(error) { failures++ })
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	_ = file.Close()

	l.WithContext(context.Background()).Info("lost")
	if failures == 0 {
		t.Fatal("expected write failure hook to run")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.WithContext(context.Background()).Info("discarded")
	if l.File() != nil {
		t.Fatal("nop logger should have no file")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestGlobalLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.log")
	if err := Init(Config{Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { globalLogger = nil }()

	ctx := context.WithValue(context.Background(), contextkey.Compartment, "hello")
	Info(ctx, "calls completed")
	Error(ctx, "add_ten failed")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"calls completed"`, `"level":"error"`, `"compartment":"hello"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestStandardStreams(t *testing.T) {
	for _, path := range []string{"stdout", "stderr", ""} {
		l, err := NewLogger(Config{OutputPath: path})
		if err != nil {
			t.Fatalf("new logger %q: %v", path, err)
		}
		if l.File() != nil {
			t.Fatalf("logger %q should not own a file", path)
		}
	}
}
