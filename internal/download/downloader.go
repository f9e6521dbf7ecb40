// Package download fetches large artifacts to disk with byte-range resume,
// bounded retries and atomic publish. In-progress bytes live in
// "<dest>.partial" so an interrupted download, even across gateway restarts,
// continues where it stopped.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"

	"lemond/internal/common/fsutil"
	"lemond/internal/observability"
	"lemond/internal/retry"
)

// PartialSuffix is appended to the destination path for in-progress bytes.
const PartialSuffix = ".partial"

// Defaults applied when corresponding Options/Config fields are unset.
const (
	defaultMaxAttempts    = 5
	defaultBaseDelay      = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
	defaultStallTimeout   = 60 * time.Second
	copyBufferSize        = 256 << 10
)

// ProgressFunc receives bytes present on disk and the expected total
// (0 when unknown). Values are relative to the whole artifact, not the
// current attempt.
type ProgressFunc func(done, total int64)

// Options tune a single Download call.
type Options struct {
	Headers      map[string]string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	StallTimeout time.Duration
	// MinFreeBytes is headroom required on top of the remaining bytes.
	MinFreeBytes uint64
	// SHA256, when set, is verified before the file is published.
	SHA256   string
	Progress ProgressFunc
}

// Result describes a successful download.
type Result struct {
	Path string
	// BytesTransferred counts body bytes received over the wire in this call.
	BytesTransferred int64
	Total            int64
	Attempts         int
	AlreadyComplete  bool
	// Warning is set when the bytes are correct on disk but cleanup was incomplete.
	Warning string
}

// Config configures a Downloader.
type Config struct {
	Client         *http.Client
	ConnectTimeout time.Duration
	Defaults       Options
	Resolver       Resolver
	Logger         *zerolog.Logger
	// FreeSpace reports free bytes on the filesystem holding dir.
	FreeSpace func(dir string) (uint64, error)
}

// Downloader is safe for concurrent use on distinct destinations.
type Downloader struct {
	client   *http.Client
	defaults Options
	resolver Resolver
	log      zerolog.Logger
	free     func(string) (uint64, error)
}

// New constructs a Downloader. Without a Client it builds one whose dial and
// header timeouts come from ConnectTimeout; body reads are bounded by the
// stall timeout instead of a client-wide deadline.
func New(cfg Config) *Downloader {
	d := &Downloader{client: cfg.Client, defaults: cfg.Defaults, resolver: cfg.Resolver, log: zerolog.Nop(), free: cfg.FreeSpace}
	if d.client == nil {
		ct := cfg.ConnectTimeout
		if ct <= 0 {
			ct = defaultConnectTimeout
		}
		tr := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: ct, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   ct,
			ResponseHeaderTimeout: 2 * ct,
			MaxIdleConns:          8,
			IdleConnTimeout:       90 * time.Second,
		}
		d.client = &http.Client{Transport: tr}
	}
	if d.free == nil {
		d.free = diskFree
	}
	if cfg.Logger != nil {
		d.log = *cfg.Logger
	}
	return d
}

func (d *Downloader) merge(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = firstPositive(d.defaults.MaxAttempts, defaultMaxAttempts)
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = firstPositiveDur(d.defaults.BaseDelay, defaultBaseDelay)
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = firstPositiveDur(d.defaults.MaxDelay, defaultMaxDelay)
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = firstPositiveDur(d.defaults.StallTimeout, defaultStallTimeout)
	}
	if o.MinFreeBytes == 0 {
		o.MinFreeBytes = d.defaults.MinFreeBytes
	}
	if len(o.Headers) == 0 {
		o.Headers = d.defaults.Headers
	}
	return o
}

type transfer struct {
	url     string
	partial string
	total   int64
	wire    int64
	done    bool
}

// Download fetches rawURL into dest. If dest already exists and no partial
// file is present, the call is a no-op. rawURL may be an s3://bucket/key
// reference when a mirror Resolver is configured.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string, opts Options) (res Result, err error) {
	opts = d.merge(opts)
	partial := dest + PartialSuffix
	if fsutil.IsRegularFile(dest) && !fsutil.PathExists(partial) {
		resultsTotal.WithLabelValues("cached").Inc()
		size := fsutil.FileSize(dest)
		return Result{Path: dest, Total: size, AlreadyComplete: true}, nil
	}

	ctx, span := observability.StartSpan(ctx, "download.fetch",
		attribute.String("download.url", redactURL(rawURL)),
		attribute.String("download.dest", dest),
	)
	defer func() { observability.EndSpan(span, err) }()

	fetchURL := rawURL
	if _, _, isS3 := ParseS3(rawURL); isS3 {
		if d.resolver == nil {
			return Result{}, &Error{URL: rawURL, LastErr: errors.New("s3 source requires a configured mirror")}
		}
		if fetchURL, err = d.resolver.Resolve(ctx, rawURL); err != nil {
			return Result{}, &Error{URL: rawURL, LastErr: err}
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, &Error{URL: rawURL, LastErr: err}
	}

	log := d.log.With().Str("url", redactURL(rawURL)).Str("dest", dest).Logger()
	t := &transfer{url: fetchURL, partial: partial}
	policy := retry.Policy{
		MaxAttempts: opts.MaxAttempts,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		OnRetry: func(attempt int, aerr error, delay time.Duration) {
			retriesTotal.WithLabelValues(reasonLabel(aerr)).Inc()
			log.Warn().Err(aerr).Int("attempt", attempt).Dur("backoff", delay).
				Int64("have", fsutil.FileSize(partial)).Int64("total", t.total).Msg("download attempt failed; retrying")
		},
	}
	attempts, err := retry.Do(ctx, policy, Retryable, func(ctx context.Context, attempt int) error {
		return d.fetch(ctx, t, opts, true)
	})
	if err != nil {
		resultsTotal.WithLabelValues("failed").Inc()
		return Result{}, &Error{
			URL:         rawURL,
			Attempts:    attempts,
			BytesDone:   fsutil.FileSize(partial),
			Total:       t.total,
			LastErr:     err,
			PartialKept: fsutil.IsRegularFile(partial),
			PartialPath: partial,
		}
	}

	if opts.SHA256 != "" {
		if verr := verifySHA256(partial, opts.SHA256); verr != nil {
			_ = os.Remove(partial)
			resultsTotal.WithLabelValues("failed").Inc()
			return Result{}, &Error{URL: rawURL, Attempts: attempts, Total: t.total, LastErr: verr, PartialPath: partial}
		}
	}

	warning, perr := publish(partial, dest)
	if perr != nil {
		resultsTotal.WithLabelValues("failed").Inc()
		return Result{}, &Error{
			URL: rawURL, Attempts: attempts, BytesDone: fsutil.FileSize(partial), Total: t.total,
			LastErr: perr, PartialKept: fsutil.IsRegularFile(partial), PartialPath: partial,
		}
	}
	if warning != "" {
		log.Warn().Str("warning", warning).Msg("download published with warning")
	}
	total := t.total
	if total <= 0 {
		total = fsutil.FileSize(dest)
	}
	resultsTotal.WithLabelValues("ok").Inc()
	log.Info().Int("attempts", attempts).Int64("bytes", t.wire).Bool("range_complete", t.done).Int64("total", total).Msg("download complete")
	return Result{Path: dest, BytesTransferred: t.wire, Total: total, Attempts: attempts, Warning: warning}, nil
}

// fetch performs one network attempt, appending to the partial file.
func (d *Downloader) fetch(ctx context.Context, t *transfer, opts Options, allowRestart bool) error {
	offset := fsutil.FileSize(t.partial)
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, t.url, nil)
	if err != nil {
		return &fatalError{err: err}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		t.total = totalFromRange(resp.Header.Get("Content-Range"), offset, resp.ContentLength)
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			d.log.Debug().Int64("offset", offset).Msg("server ignored range request; restarting from zero")
		}
		offset = 0
		flags |= os.O_TRUNC
		t.total = max64(resp.ContentLength, 0)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		remote, herr := d.remoteSize(ctx, t.url, opts.Headers)
		if herr == nil && remote > 0 && offset >= remote {
			t.total = remote
			t.done = true
			if opts.Progress != nil {
				opts.Progress(offset, remote)
			}
			return nil
		}
		_ = os.Remove(t.partial)
		if allowRestart {
			_ = resp.Body.Close()
			return d.fetch(ctx, t, opts, false)
		}
		return errRangeRestart
	default:
		se := &statusError{code: resp.StatusCode, status: resp.Status, retryable: retryableStatus(resp.StatusCode)}
		if !se.retryable {
			_ = os.Remove(t.partial)
		}
		return se
	}

	if t.total > 0 {
		need := uint64(t.total-offset) + opts.MinFreeBytes
		if free, ferr := d.free(filepath.Dir(t.partial)); ferr == nil && free < need {
			return fmt.Errorf("%w: need %d bytes, %d free", errNoSpace, need, free)
		}
	}

	f, err := os.OpenFile(t.partial, flags, 0o644)
	if err != nil {
		return &fatalError{err: fmt.Errorf("open partial: %w", err)}
	}
	sr := newStallReader(resp.Body, opts.StallTimeout, cancel)
	defer sr.stop()

	buf := make([]byte, copyBufferSize)
	written := int64(0)
	var copyErr error
	for {
		n, rerr := sr.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				copyErr = &fatalError{err: fmt.Errorf("write partial: %w", werr)}
				break
			}
			written += int64(n)
			t.wire += int64(n)
			bytesTotal.Add(float64(n))
			if opts.Progress != nil {
				opts.Progress(offset+written, t.total)
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				copyErr = rerr
			}
			break
		}
	}
	if cerr := f.Close(); cerr != nil && copyErr == nil {
		copyErr = cerr
	}
	if sr.stalled() {
		return errStalled
	}
	if copyErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return copyErr
	}
	if t.total > 0 && offset+written < t.total {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// remoteSize issues a HEAD request and returns Content-Length.
func (d *Downloader) remoteSize(ctx context.Context, url string, headers map[string]string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &statusError{code: resp.StatusCode, status: resp.Status}
	}
	return resp.ContentLength, nil
}

// publish moves partial to dest, falling back to copy+delete when a rename
// is impossible (for example across filesystems).
func publish(partial, dest string) (string, error) {
	if err := os.Rename(partial, dest); err == nil {
		return "", nil
	}
	if fsutil.PathExists(dest) {
		_ = os.Remove(dest)
		if err := os.Rename(partial, dest); err == nil {
			return "", nil
		}
	}
	if err := fsutil.CopyFile(partial, dest); err != nil {
		return "", fmt.Errorf("publish %s: %w", dest, err)
	}
	if err := os.Remove(partial); err != nil {
		return fmt.Sprintf("copied to %s but could not remove %s: %v", dest, partial, err), nil
	}
	return "", nil
}

func verifySHA256(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(want)) {
		return fmt.Errorf("%w: expected %s, got %s", errChecksum, want, got)
	}
	return nil
}

// totalFromRange parses "bytes a-b/total"; falls back to offset+length.
func totalFromRange(cr string, offset, length int64) int64 {
	if i := strings.LastIndexByte(cr, '/'); i >= 0 {
		if n, err := strconv.ParseInt(strings.TrimSpace(cr[i+1:]), 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if length >= 0 {
		return offset + length
	}
	return 0
}

func diskFree(dir string) (uint64, error) {
	u, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// stallReader cancels the attempt when no bytes arrive for timeout.
type stallReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newStallReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *stallReader {
	s := &stallReader{r: r, timeout: timeout}
	s.timer = time.AfterFunc(timeout, func() {
		s.fired.Store(true)
		cancel()
	})
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 && !s.fired.Load() {
		s.timer.Reset(s.timeout)
	}
	return n, err
}

func (s *stallReader) stalled() bool { return s.fired.Load() }
func (s *stallReader) stop()         { s.timer.Stop() }

func reasonLabel(err error) string {
	var se *statusError
	switch {
	case errors.Is(err, errStalled):
		return "stalled"
	case errors.As(err, &se):
		return "status_" + strconv.Itoa(se.code)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return "short_transfer"
	case errors.Is(err, errRangeRestart):
		return "range_restart"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "network"
}

// redactURL strips query strings, which may carry presigned credentials.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func firstPositive(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}

func firstPositiveDur(v, d time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return d
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
