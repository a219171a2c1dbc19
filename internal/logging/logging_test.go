package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponentTagsField(t *testing.T) {
	var buf bytes.Buffer
	Logger = zerolog.New(&buf)

	WithComponent("mirror").Info().Msg("swept stale objects")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["component"] != "mirror" {
		t.Errorf("component = %v, want %q", entry["component"], "mirror")
	}
	if entry["message"] != "swept stale objects" {
		t.Errorf("message = %v, want %q", entry["message"], "swept stale objects")
	}
}

func TestInitDefaultsToInfoOnInvalidLevel(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	Init(Config{Level: "not-a-real-level"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("GlobalLevel() = %v, want %v", zerolog.GlobalLevel(), zerolog.InfoLevel)
	}
}

func TestInitParsesExplicitLevel(t *testing.T) {
	Init(Config{Level: "warn"})
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("GlobalLevel() = %v, want %v", zerolog.GlobalLevel(), zerolog.WarnLevel)
	}
}

func TestContextAttachesLoggerRetrievableViaZerologCtx(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).With().Str("request_id", "r-1").Logger()
	ctx := Context(t.Context(), logger)

	zerolog.Ctx(ctx).Info().Msg("handled request")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if entry["request_id"] != "r-1" {
		t.Errorf("request_id = %v, want %q", entry["request_id"], "r-1")
	}
}
