package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogRequestStampsMissingTimestamp(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogRequest(map[string]any{"level": "error", "msg": "boom"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "boom" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	ts, ok := entry["ts"].(string)
	if !ok || ts == "" {
		t.Fatalf("missing ts stamp: %v", entry["ts"])
	}
}

func TestLogRequestKeepsCallerTimestamp(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogRequest(map[string]any{"ts": "2026-05-04T00:00:00Z", "msg": "http_request"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["ts"] != "2026-05-04T00:00:00Z" {
		t.Fatalf("caller ts overwritten: %v", entry["ts"])
	}
}
