package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerPrefixes(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewFromZap(zap.New(core)).WithPrefix("repo: ").WithPrefix("tx: ")
	l.Warnf("retrying %s", "store")
	l.Debugf("attempt %d", 2)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].Message; got != "repo: tx: retrying store" {
		t.Fatalf("unexpected message %q", got)
	}
	if entries[0].Level != zap.WarnLevel || entries[1].Level != zap.DebugLevel {
		t.Fatalf("unexpected levels %v %v", entries[0].Level, entries[1].Level)
	}
}

func TestNewZapLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewZapLogger("loud"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewZapLogger(""); err != nil {
		t.Fatalf("empty level should default to info: %v", err)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) != NopLogger {
		t.Fatalf("nil should map to NopLogger")
	}
	OrNop(nil).WithPrefix("x").Errorf("ignored")
}
