package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("plan executed", slog.Uint64("plan_id", 7))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "plan executed" {
		t.Fatalf("unexpected message: %v", line["message"])
	}
	if line["severity"] != "INFO" {
		t.Fatalf("unexpected severity: %v", line["severity"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in %v", line)
	}
	if line["plan_id"] != float64(7) {
		t.Fatalf("unexpected plan id: %v", line["plan_id"])
	}
}

func TestHandlerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, ParseLevel("warn")))
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info line to be filtered, got %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn line to be written")
	}
}

func TestMaskFieldRedactsSecrets(t *testing.T) {
	if attr := MaskField("jwt_secret", "s3cret"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected secret to be redacted, got %s", attr.Value.String())
	}
	if attr := MaskField("venue", "paper"); attr.Value.String() != "paper" {
		t.Fatalf("expected venue to be allowlisted, got %s", attr.Value.String())
	}
	if attr := MaskField("rpc_url", ""); attr.Value.String() != "" {
		t.Fatalf("expected empty value to pass through")
	}
	if attr := MaskField(" Database_Driver ", "sqlite"); attr.Value.String() != "sqlite" {
		t.Fatalf("expected allowlist match to ignore case and padding, got %s", attr.Value.String())
	}
	if attr := MaskField("database_dsn", "postgres://u:p@db/dca"); attr.Value.String() != RedactedValue {
		t.Fatalf("expected dsn to be redacted, got %s", attr.Value.String())
	}
}
