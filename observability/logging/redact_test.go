package logging

import (
	"log/slog"
	"testing"
)

func TestMaskField(t *testing.T) {
	if got := MaskField("tx_hash", "0xdead").Value.String(); got != "0xdead" {
		t.Fatalf("expected allowlisted key to pass through, got %s", got)
	}
	if got := MaskField("passphrase", "hunter2").Value.String(); got != RedactedValue {
		t.Fatalf("expected redaction, got %s", got)
	}
	if got := MaskField("passphrase", " ").Value.String(); got != " " {
		t.Fatalf("expected blank value untouched, got %q", got)
	}
}

func TestMaskAddress(t *testing.T) {
	attr := MaskAddress("sender", "0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	if attr.Value.String() != "0x71c7…976f" {
		t.Fatalf("unexpected mask %s", attr.Value.String())
	}
	if MaskAddress("sender", "0x1234").Value.String() != "0x1234" {
		t.Fatalf("short values should not be masked")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("%q: expected %v got %v", raw, want, got)
		}
	}
}
