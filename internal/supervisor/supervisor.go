// Package supervisor starts native engine executables as child processes,
// relays their output, reports liveness and stops them with an escalating
// signal sequence. Platform specifics live in proc_unix.go and proc_windows.go.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lemond/internal/retry"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultStopGrace      = 5 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	defaultGPUSettleDelay = 2 * time.Second
	defaultWaitDelay      = 2 * time.Second
	stderrTailBytes       = 4096
)

// Spec describes a process to start.
type Spec struct {
	// Name labels log lines and events, usually the backend family.
	Name string
	Path string
	Args []string
	Dir  string
	// Env entries override or extend the parent environment.
	Env map[string]string
	// InheritOutput relays child stdout/stderr to the parent's console.
	InheritOutput bool
	// FilterNoise drops known noisy lines from the relay.
	FilterNoise bool
	// GPU marks processes that hold a GPU context; a forced kill of such a
	// process is followed by the configured settle delay.
	GPU bool
}

// Supervisor is the platform-neutral process control contract.
type Supervisor interface {
	Start(ctx context.Context, spec Spec) (*Handle, error)
	IsRunning(h *Handle) bool
	ExitCode(h *Handle) (code int, exited bool)
	Stop(ctx context.Context, h *Handle) error
}

// Options tunes a Local supervisor.
type Options struct {
	StopGrace      time.Duration
	PollInterval   time.Duration
	GPUSettleDelay time.Duration
	// Noise overrides DefaultNoise when non-nil.
	Noise  []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *zerolog.Logger
}

// StartError reports that the OS refused to create the process.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", e.Path, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// Local supervises processes on the current host.
type Local struct {
	grace  time.Duration
	poll   time.Duration
	settle time.Duration
	noise  []string
	stdout io.Writer
	stderr io.Writer
	log    zerolog.Logger
}

var _ Supervisor = (*Local)(nil)

// New constructs a Local supervisor, applying defaults to unset options.
// A negative GPUSettleDelay disables the settle wait.
func New(opts Options) *Local {
	s := &Local{
		grace:  opts.StopGrace,
		poll:   opts.PollInterval,
		settle: opts.GPUSettleDelay,
		noise:  opts.Noise,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		log:    zerolog.Nop(),
	}
	if s.grace <= 0 {
		s.grace = defaultStopGrace
	}
	if s.poll <= 0 {
		s.poll = defaultPollInterval
	}
	if s.settle == 0 {
		s.settle = defaultGPUSettleDelay
	}
	if s.noise == nil {
		s.noise = DefaultNoise
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if s.stderr == nil {
		s.stderr = os.Stderr
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	return s
}

// Start spawns spec and returns once the OS has created the process.
// Liveness afterwards is observed through IsRunning/ExitCode.
func (s *Local) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, &StartError{Path: spec.Path, Err: exec.ErrNotFound}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.WaitDelay = defaultWaitDelay
	setProcAttr(cmd)

	h := &Handle{spec: spec, cmd: cmd, done: make(chan struct{}), stderr: newTailBuffer(stderrTailBytes), state: StateStarting}

	var noise []string
	if spec.FilterNoise {
		noise = s.noise
	}
	outRelay := &lineRelay{noise: noise, log: s.log, name: spec.Name, stream: "stdout"}
	errRelay := &lineRelay{noise: noise, log: s.log, name: spec.Name, stream: "stderr"}
	if spec.InheritOutput {
		outRelay.sink = s.stdout
		errRelay.sink = s.stderr
	}
	cmd.Stdout = outRelay
	cmd.Stderr = io.MultiWriter(h.stderr, errRelay)

	if err := cmd.Start(); err != nil {
		h.setState(StateNotStarted)
		return nil, &StartError{Path: spec.Path, Err: err}
	}
	h.pid = cmd.Process.Pid
	h.started = time.Now()
	h.setState(StateRunning)
	s.log.Info().Str("backend", spec.Name).Str("event", "start").Int("pid", h.pid).Str("path", spec.Path).Strs("args", spec.Args).Msg("process started")

	go func() {
		err := cmd.Wait()
		outRelay.Flush()
		errRelay.Flush()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		h.mu.Lock()
		h.exitCode = code
		h.waitErr = err
		if h.state == StateStopping {
			h.state = StateStopped
		} else {
			h.state = StateCrashed
		}
		st := h.state
		h.mu.Unlock()
		close(h.done)
		s.log.Info().Str("backend", spec.Name).Str("event", "exit").Int("pid", h.pid).Int("code", code).Str("state", string(st)).Msg("process exited")
	}()
	return h, nil
}

// IsRunning reports whether the process has not exited yet. Non-blocking.
func (s *Local) IsRunning(h *Handle) bool {
	if h == nil || h.done == nil {
		return false
	}
	return !h.exited()
}

// ExitCode returns the exit code once the process has exited. A process
// killed by a signal reports -1.
func (s *Local) ExitCode(h *Handle) (int, bool) {
	if h == nil || !h.exited() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Stop asks the process to terminate, waits up to the grace period, then
// force-kills it. It returns only after the process is confirmed gone.
// Calling Stop on an exited or nil handle is a no-op.
func (s *Local) Stop(ctx context.Context, h *Handle) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if h.exited() {
		return nil
	}
	h.setState(StateStopping)
	log := s.log.With().Str("backend", h.spec.Name).Int("pid", h.pid).Logger()
	if err := terminate(h.cmd.Process); err != nil {
		log.Debug().Err(err).Msg("terminate signal failed")
	}
	err := retry.Poll(ctx, s.poll, s.grace, func(context.Context) (bool, error) {
		return h.exited(), nil
	})
	if err == nil {
		log.Info().Str("event", "stop").Msg("process exited gracefully")
		return nil
	}
	log.Warn().Str("event", "kill").Dur("grace", s.grace).Msg("process ignored terminate; killing")
	if kerr := kill(h.cmd.Process); kerr != nil && !h.exited() {
		return fmt.Errorf("kill pid %d: %w", h.pid, kerr)
	}
	<-h.done
	if h.spec.GPU && s.settle > 0 {
		log.Debug().Dur("settle", s.settle).Msg("waiting for gpu context release")
		// the settle wait is not skipped on ctx cancellation: the next
		// process must not race the driver teardown
		time.Sleep(s.settle)
	}
	return nil
}

// mergeEnv applies overrides on top of base, replacing existing keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	skip := make(map[string]bool, len(overrides))
	for k := range overrides {
		skip[envKey(k)] = true
	}
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if k != "" && skip[envKey(k)] {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
