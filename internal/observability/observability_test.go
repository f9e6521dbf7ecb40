package observability

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"off":   zerolog.Disabled,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "lemond.log")
	l, closer := NewLogger(LogConfig{Level: "info", Format: "json", File: path}, &console)
	l.Info().Str("backend", "llamacpp").Msg("hello")
	l.Debug().Msg("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(console.String(), `"backend":"llamacpp"`) {
		t.Fatalf("console=%q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "hello") || strings.Contains(string(b), "hidden") {
		t.Fatalf("file=%q", string(b))
	}
}

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("a=1, b = 2,bad,=x")
	if len(h) != 2 || h["a"] != "1" || h["b"] != "2" {
		t.Fatalf("headers=%v", h)
	}
}

func TestInitTracingNone(t *testing.T) {
	shutdown, err := InitTracing("lemond-test", TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test")
	EndSpan(span, nil)
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
