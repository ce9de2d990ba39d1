package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelDebug)
	logger.SetOutput(&buf)

	logger.Debug("test message", map[string]any{"key": "value"})

	output := buf.String()
	if !strings.Contains(output, `"level":"debug"`) {
		t.Errorf("expected debug level in output, got: %s", output)
	}
	if !strings.Contains(output, `"message":"test message"`) {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestLogger_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.Debug("test message")

	if buf.Len() > 0 {
		t.Errorf("expected no output for debug when level is info, got: %s", buf.String())
	}
}

func TestLogger_WarnFilteredAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.Warn("warn message")
	logger.Error("error message")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["level"] != "error" {
		t.Errorf("expected only the error entry, got: %v", entries)
	}
}

func TestLogger_FieldsNested(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.WithFields(map[string]any{"run_id": "r1"}).Info("stored", map[string]any{"objects": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields, ok := entries[0]["fields"].(map[string]any)
	if !ok {
		t.Fatalf("expected fields object, got: %v", entries[0])
	}
	if fields["run_id"] != "r1" || fields["objects"] != float64(3) {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, ok := entries[0]["timestamp"]; !ok {
		t.Errorf("expected timestamp in entry: %v", entries[0])
	}
}

func TestLogger_NoFieldsOmitsObject(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.Info("plain")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("expected no fields object, got: %s", buf.String())
	}
}

func TestLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(LevelInfo)
	parent.SetOutput(&buf)

	_ = parent.WithFields(map[string]any{"child": true})
	parent.Info("from parent")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent logger picked up child fields: %s", buf.String())
	}
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.ErrorErr("upload failed", errors.New("connection reset"), map[string]any{"hash": "ab"})

	entries := decodeLines(t, &buf)
	fields := entries[0]["fields"].(map[string]any)
	if fields["error"] != "connection reset" || fields["hash"] != "ab" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("visible")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["message"] != "visible" {
		t.Errorf("unexpected entries: %v", entries)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := Global()
	defer SetGlobal(prev)

	l := NewLogger(LevelInfo)
	l.SetOutput(&buf)
	SetGlobal(l)

	Info("global message")
	if !strings.Contains(buf.String(), "global message") {
		t.Errorf("expected global message, got: %s", buf.String())
	}
}
