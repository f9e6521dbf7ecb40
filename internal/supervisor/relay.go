package supervisor

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultNoise lists substrings of child output lines that are dropped when
// noise filtering is on: readiness-poll access logs and interactive banners.
var DefaultNoise = []string{
	"GET /health",
	"GET /v1/health",
	"GET /v1/models",
	"GET /api/v0/health",
	"log_server_r: request: GET /health",
	"Enter 'exit' to stop",
	"Press Ctrl+C to stop",
}

const maxLineBytes = 64 << 10

// lineRelay splits child output into lines, optionally drops noisy ones and
// forwards the rest to a sink and to the logger.
type lineRelay struct {
	mu     sync.Mutex
	buf    []byte
	sink   io.Writer
	noise  []string
	log    zerolog.Logger
	name   string
	stream string
}

func (r *lineRelay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		r.emit(r.buf[:idx])
		r.buf = r.buf[idx+1:]
	}
	// a runaway line without newline is flushed in pieces
	if len(r.buf) > maxLineBytes {
		r.emit(r.buf)
		r.buf = r.buf[:0]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (r *lineRelay) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) > 0 {
		r.emit(r.buf)
		r.buf = r.buf[:0]
	}
}

func (r *lineRelay) emit(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if s == "" || r.noisy(s) {
		return
	}
	if r.sink != nil {
		_, _ = io.WriteString(r.sink, s+"\n")
	}
	r.log.Debug().Str("backend", r.name).Str("stream", r.stream).Msg(s)
}

func (r *lineRelay) noisy(s string) bool {
	for _, n := range r.noise {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = append([]byte(nil), t.b[len(t.b)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
