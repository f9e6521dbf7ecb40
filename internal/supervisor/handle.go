package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// State is the lifecycle state of a supervised process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// Handle references one spawned process. It is valid from Start until the
// process is confirmed exited and must not be shared between owners.
type Handle struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	started time.Time
	done    chan struct{}
	stderr  *tailBuffer

	mu       sync.Mutex
	state    State
	exitCode int
	waitErr  error
}

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.pid }

// Name returns the label given in Spec.Name.
func (h *Handle) Name() string { return h.spec.Name }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StderrTail returns the last few KiB the process wrote to stderr.
func (h *Handle) StderrTail() string {
	if h.stderr == nil {
		return ""
	}
	return h.stderr.String()
}

// Uptime reports how long the process has been alive.
func (h *Handle) Uptime() time.Duration { return time.Since(h.started) }

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time resource sample of a running process.
type Stats struct {
	RSSBytes   uint64
	CPUPercent float64
}

// Stats samples resident memory and CPU usage of the process.
func (h *Handle) Stats() (Stats, error) {
	if h.exited() {
		return Stats{}, nil
	}
	p, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		st.RSSBytes = mi.RSS
	}
	if pct, err := p.CPUPercent(); err == nil {
		st.CPUPercent = pct
	}
	return st, nil
}
