package backend

import (
	"fmt"
	"sort"
	"time"
)

// Family names.
const (
	LlamaCpp   = "llamacpp"
	WhisperCpp = "whispercpp"
	Kokoro     = "kokoro"
	SDCpp      = "sdcpp"
	FLM        = "flm"
)

var families = map[string]*family{}

func register(f *family) { families[f.desc.Name] = f }

// Names lists the registered families in sorted order.
func Names() []string {
	out := make([]string, 0, len(families))
	for n := range families {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the descriptor for a family.
func Lookup(name string) (Descriptor, bool) {
	f, ok := families[name]
	if !ok {
		return Descriptor{}, false
	}
	return f.desc, true
}

// New creates a fresh, unloaded adapter instance for the family.
func New(name string, env Env) (Adapter, error) {
	f, ok := families[name]
	if !ok {
		return nil, &ConfigError{Backend: name, Msg: "unknown backend"}
	}
	return newServer(f, env), nil
}

// launchParams is what an argument/env builder sees.
type launchParams struct {
	Exe      string
	Model    string
	ModelID  string
	Port     int
	CtxSize  int
	Variant  string
	Mmproj   string
	Voices   string
	Embed    bool
	Rerank   bool
	Vision   bool
	UserArgs []string
	GOOS     string
	Getenv   func(string) string
}

type forwardMode int

const (
	modeJSON forwardMode = iota
	modeSSE
	modeRaw
)

// route is where a capability goes on the engine and how its response is relayed.
type route struct {
	path string
	mode forwardMode
	// streamable routes switch to SSE when the client asked for stream:true.
	streamable bool
}

// family is one engine variant of the shared lifecycle.
type family struct {
	desc     Descriptor
	reserved []string
	routes   map[Capability]route
	args     func(p launchParams) []string
	env      func(p launchParams) map[string]string
	// prepare resolves secondary artifacts before launch.
	prepare func(p *launchParams) error
	// translate rewrites a buffered backend response into the OpenAI shape.
	translate func(c Capability, body []byte) ([]byte, error)
}

func portArg(p int) string { return fmt.Sprint(p) }

func defaultHealthTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
