package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		l, err := New(level)
		if err != nil {
			t.Fatalf("%q: %v", level, err)
		}
		want := zapcore.InfoLevel
		if level != "" {
			want, _ = zapcore.ParseLevel(level)
		}
		if !l.Core().Enabled(want) {
			t.Fatalf("%q: level %v not enabled", level, want)
		}
		if want > zapcore.DebugLevel && l.Core().Enabled(want-1) {
			t.Fatalf("%q: level %v should be disabled", level, want-1)
		}
	}
}

func TestNewBadLevel(t *testing.T) {
	if _, err := New("chatty"); err == nil {
		t.Fatal("expect error for unknown level")
	}
}

func TestOr(t *testing.T) {
	if Or(nil) == nil {
		t.Fatal("expect no-op logger")
	}
}
