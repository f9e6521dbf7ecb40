package httpapi

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("legacy query override failed: %v", got)
	}
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
}

func TestSSELineLogger_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	orig := zlog
	defer func() { zlog = orig }()
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	lw := &sseLineLogger{reqID: "r1"}
	_, _ = lw.Write([]byte("data: a\n\ndata: par"))
	_, _ = lw.Write([]byte("tial\ndata: [DONE]\n"))

	out := buf.String()
	for _, want := range []string{`"line":"data: a"`, `"line":"data: partial"`, `"line":"data: [DONE]"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %q", want, out)
		}
	}
	if strings.Count(out, "\n") != 3 {
		t.Fatalf("blank lines should be skipped: %q", out)
	}
}
