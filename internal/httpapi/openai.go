package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"lemond/internal/backend"
	"lemond/internal/forward"
	"lemond/internal/telemetry"
)

// requestHead is the part of an OpenAI request body the gateway routes on.
// Everything else is passed through untouched.
type requestHead struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *server) proxyJSON(op backend.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, typeInvalidRequest, typeInvalidRequest, "Content-Type must be application/json")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var head requestHead
		if err := json.Unmarshal(body, &head); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}
		s.forward(w, r, op, head, body, "application/json")
	}
}

// proxyMultipart handles form uploads; the model comes from the "model" field
// and the original body is relayed byte for byte.
func (s *server) proxyMultipart(op backend.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		mt, params, err := mime.ParseMediaType(ct)
		if err != nil || mt != "multipart/form-data" || params["boundary"] == "" {
			writeJSONError(w, http.StatusUnsupportedMediaType, typeInvalidRequest, typeInvalidRequest, "Content-Type must be multipart/form-data")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		head, err := formHead(body, params["boundary"])
		if err != nil {
			badRequest(w, "invalid multipart body: "+err.Error())
			return
		}
		s.forward(w, r, op, head, body, ct)
	}
}

func formHead(body []byte, boundary string) (requestHead, error) {
	var head requestHead
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return head, nil
		}
		if err != nil {
			return head, err
		}
		switch p.FormName() {
		case "model":
			v, _ := io.ReadAll(io.LimitReader(p, 1024))
			head.Model = strings.TrimSpace(string(v))
		case "stream":
			v, _ := io.ReadAll(io.LimitReader(p, 16))
			head.Stream = strings.TrimSpace(string(v)) == "true"
		}
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, typeInvalidRequest, typeInvalidRequest, "request body too large")
			return nil, false
		}
		badRequest(w, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *server) forward(w http.ResponseWriter, r *http.Request, op backend.Capability, head requestHead, body []byte, contentType string) {
	if strings.TrimSpace(head.Model) == "" {
		badRequest(w, "model is required")
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	logStart(r, lvl, head.Model, head.Stream)

	ctx, cancel := forwardContext(r.Context())
	defer cancel()

	out := http.ResponseWriter(w)
	if lvl >= LevelDebug {
		out = &teeResponseWriter{ResponseWriter: w, log: &sseLineLogger{reqID: middleware.GetReqID(r.Context())}}
	}
	res, err := s.Gateway.Forward(ctx, head.Model, backend.ForwardRequest{
		Capability:  op,
		Body:        body,
		ContentType: contentType,
		Stream:      head.Stream,
		Writer:      out,
	})

	status := http.StatusOK
	switch {
	case err == nil:
		if !res.Streamed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(res.Body)
		}
	case forward.IsStreamStarted(err):
		// headers are gone; the relay already ended the stream as best it could
	case r.Context().Err() != nil:
		status = 499
	default:
		status = writeError(w, err)
	}
	logEnd(r, lvl, status, start, err)
	s.record(r, op, head.Model, status, time.Since(start), res)
}

func (s *server) record(r *http.Request, op backend.Capability, model string, status int, dur time.Duration, res backend.ForwardResult) {
	rec := telemetry.Record{
		Model:     model,
		Endpoint:  string(op),
		Status:    status,
		Duration:  dur,
		Telemetry: res.Telemetry,
	}
	if m, err := s.Models.Get(model); err == nil {
		rec.Backend = m.Recipe
	}
	observeForward(rec.Endpoint, rec.Backend, res.Streamed, status)
	if s.Stats == nil {
		return
	}
	ctx, cancel := detached(r.Context())
	defer cancel()
	if err := s.Stats.Add(ctx, rec); err != nil {
		zlog.Warn().Err(err).Msg("record telemetry")
	}
}
