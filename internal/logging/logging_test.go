package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "provisioner",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %s, want debug", zerolog.GlobalLevel())
	}

	log.Debug().Str("event_id", "evt_1").Msg("hello")

	event := readJSONLine(t, &buf)
	if event["component"] != "provisioner" {
		t.Fatalf("component = %v, want provisioner", event["component"])
	}
	if event["event_id"] != "evt_1" {
		t.Fatalf("event_id = %v, want evt_1", event["event_id"])
	}
	if event["message"] != "hello" {
		t.Fatalf("message = %v, want hello", event["message"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"INFO":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSelectWriterAutoUsesConsoleOnTerminal(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto", nil).(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer when stderr is a terminal")
	}

	isTerminalFn = func(int) bool { return false }
	if w := selectWriter("auto", nil); w != os.Stderr {
		t.Fatalf("expected stderr writer, got %T", w)
	}
}

func TestWithRequestIDGeneratesWhenBlank(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, id)
	}

	ctx, id = WithRequestID(nil, "req-123") //nolint:staticcheck
	if id != "req-123" || RequestIDFromContext(ctx) != "req-123" {
		t.Fatalf("expected explicit request id to be kept, got %q", id)
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "info", Output: &buf})

	ctx, _ := WithRequestID(context.Background(), "req-abc")
	logger := FromContext(ctx)
	logger.Info().Msg("scoped")

	event := readJSONLine(t, &buf)
	if event["request_id"] != "req-abc" {
		t.Fatalf("request_id = %v, want req-abc", event["request_id"])
	}
}
