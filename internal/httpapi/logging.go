package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger of the HTTP layer; disabled until SetLogger.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// sseLineLogger logs complete SSE lines of a relayed stream at debug level.
type sseLineLogger struct {
	buf   []byte
	reqID string
}

func (lw *sseLineLogger) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(lw.buf[:idx]); len(line) > 0 {
			zlog.Debug().Str("request_id", lw.reqID).Bytes("line", line).Msg("sse>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// teeResponseWriter copies everything written to the client into a line logger.
type teeResponseWriter struct {
	http.ResponseWriter
	log *sseLineLogger
}

func (t *teeResponseWriter) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	_, _ = t.log.Write(p[:n])
	return n, err
}

func (t *teeResponseWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = func() LogLevel {
	if v, ok := os.LookupEnv("LEMOND_HTTP_LOG"); ok {
		return parseLevel(v)
	}
	return LevelInfo
}()

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logStart and logEnd bracket one forwarded request.
func logStart(r *http.Request, lvl LogLevel, model string, stream bool) {
	if lvl < LevelInfo {
		return
	}
	zlog.Info().
		Str("path", r.URL.Path).
		Str("model", model).
		Bool("stream", stream).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("forward start")
}

func logEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	switch {
	case lvl == LevelOff:
		return
	case err == nil && lvl < LevelInfo:
		return
	}
	ev := zlog.Info()
	if err != nil {
		ev = zlog.Warn().Err(err)
	}
	ev.Int("status", status).
		Dur("dur", time.Since(start)).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("forward end")
}
