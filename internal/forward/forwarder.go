// Package forward relays client requests to a running backend over loopback
// HTTP, in buffered or streamed form, and extracts per-request telemetry
// from what the backend sent back.
package forward

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"lemond/internal/observability"
	"lemond/pkg/types"
)

// DoneSentinel terminates every OpenAI-style SSE stream.
const DoneSentinel = "data: [DONE]"

const (
	maxBodyBytes   = 64 << 20
	maxErrorBody   = 4 << 10
	streamReadSize = 64 << 10
)

// Request is one relayed call.
type Request struct {
	// BaseURL is the backend root, e.g. http://127.0.0.1:8001.
	BaseURL string
	Path    string
	Body    []byte
	// ContentType defaults to application/json.
	ContentType string
}

func (r Request) url() string {
	return strings.TrimRight(r.BaseURL, "/") + "/" + strings.TrimLeft(r.Path, "/")
}

// Forwarder is safe for concurrent use.
type Forwarder struct {
	client *http.Client
	log    zerolog.Logger
}

// New returns a Forwarder. A nil client gets one without an overall timeout,
// since inference requests can legitimately run for minutes.
func New(client *http.Client, logger *zerolog.Logger) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "forward").Logger()
	}
	return &Forwarder{client: client, log: l}
}

func (f *Forwarder) post(ctx context.Context, req Request) (*http.Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	ct := req.ContentType
	if ct == "" {
		ct = "application/json"
	}
	hreq.Header.Set("Content-Type", ct)
	resp, err := f.client.Do(hreq)
	if err != nil {
		if ctx.Err() == nil && isConnRefused(err) {
			return nil, &UnavailableError{URL: req.url(), Err: err}
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			URL:     req.url(),
			Status:  resp.StatusCode,
			Message: upstreamMessage(b),
			Body:    strings.TrimSpace(string(b)),
		}
	}
	return resp, nil
}

// JSON relays a non-streaming request and returns the backend's body
// unchanged together with any telemetry found in it.
func (f *Forwarder) JSON(ctx context.Context, req Request) (body []byte, tel types.Telemetry, err error) {
	ctx, span := observability.StartSpan(ctx, "forward.json", attribute.String("path", req.Path))
	defer func() {
		observe(req.Path, "json", outcome(err), tel)
		observability.EndSpan(span, err)
	}()

	resp, err := f.post(ctx, req)
	if err != nil {
		return nil, tel, err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, tel, &UnavailableError{URL: req.url(), Err: err}
	}
	tel = ExtractTelemetry(body)
	return body, tel, nil
}

// Raw relays a request whose response is passed through byte-for-byte,
// such as synthesized audio. Headers are copied from the backend.
func (f *Forwarder) Raw(ctx context.Context, req Request, w http.ResponseWriter) (err error) {
	ctx, span := observability.StartSpan(ctx, "forward.stream", attribute.String("path", req.Path), attribute.String("mode", "raw"))
	defer func() {
		observe(req.Path, "raw", outcome(err), types.Telemetry{})
		observability.EndSpan(span, err)
	}()

	resp, err := f.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamReadSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &StreamError{Err: rerr}
		}
	}
}

// Stream relays an SSE request. Each line is written to the client and
// flushed as soon as it arrives. The client always sees exactly one
// terminating sentinel: the backend's own, or one synthesized when the
// backend closes without sending it. A client disconnect ends the relay
// normally. Telemetry is extracted from the buffered copy after the stream
// ends.
func (f *Forwarder) Stream(ctx context.Context, req Request, w http.ResponseWriter) (tel types.Telemetry, err error) {
	ctx, span := observability.StartSpan(ctx, "forward.stream", attribute.String("path", req.Path), attribute.String("mode", "sse"))
	start := time.Now()
	defer func() {
		observe(req.Path, "sse", outcome(err), tel)
		observability.EndSpan(span, err)
	}()

	resp, err := f.post(ctx, req)
	if err != nil {
		return tel, err
	}
	defer resp.Body.Close()

	h := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/event-stream"
	}
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseRelay{w: w}
	s.flusher, _ = w.(http.Flusher)
	reader := bufio.NewReaderSize(resp.Body, streamReadSize)

	var upstreamErr error
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if werr := s.write(line); werr != nil {
				// Client went away; nothing left to deliver.
				f.log.Debug().Str("path", req.Path).Err(werr).Msg("client disconnected during stream")
				return ExtractTelemetry(s.captured.Bytes()), nil
			}
			if isDone(line) {
				s.sawDone = true
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF && ctx.Err() == nil {
				upstreamErr = rerr
			}
			break
		}
	}

	if ctx.Err() != nil {
		return ExtractTelemetry(s.captured.Bytes()), nil
	}
	if !s.sawDone {
		if err := s.synthesizeDone(); err != nil {
			return ExtractTelemetry(s.captured.Bytes()), nil
		}
	}

	tel = ExtractTelemetry(s.captured.Bytes())
	f.log.Debug().
		Str("path", req.Path).
		Bool("backend_done", !s.synthesized).
		Dur("elapsed", time.Since(start)).
		Msg("stream complete")
	if upstreamErr != nil {
		return tel, &StreamError{Err: upstreamErr}
	}
	return tel, nil
}

type sseRelay struct {
	w           io.Writer
	flusher     http.Flusher
	captured    bytes.Buffer
	lastByte    byte
	sawDone     bool
	synthesized bool
}

func (s *sseRelay) write(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.captured.Write(b)
	s.lastByte = b[len(b)-1]
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseRelay) synthesizeDone() error {
	var out []byte
	if s.captured.Len() > 0 && s.lastByte != '\n' {
		out = append(out, '\n', '\n')
	}
	out = append(out, DoneSentinel+"\n\n"...)
	s.synthesized = true
	s.sawDone = true
	return s.write(out)
}

func isDone(line []byte) bool {
	t := bytes.TrimSpace(line)
	if p, ok := bytes.CutPrefix(t, []byte("data:")); ok {
		return string(bytes.TrimSpace(p)) == "[DONE]"
	}
	return false
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return "upstream_error"
		}
		return "error"
	}
}
