package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup("debug", "json", &buf)
	slog.Debug("hello", "k", "v")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestSetupLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Setup("warn", "text", &buf)
	slog.Info("suppressed")
	slog.Warn("emitted")
	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info passed a warn filter: %q", out)
	}
	if !strings.Contains(out, "emitted") {
		t.Fatalf("warn record missing: %q", out)
	}
}
