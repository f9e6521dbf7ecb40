// fake_engine imitates an OpenAI-compatible inference server for adapter
// tests. It accepts any engine command line, binds the value of --port (or
// --listen-port) and changes behavior via --fake-* flags.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func flagValue(args []string, names ...string) string {
	for i, a := range args {
		for _, n := range names {
			if a == n && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, n+"="); ok {
				return v
			}
		}
	}
	return ""
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func main() {
	args := os.Args[1:]
	if f := flagValue(args, "--fake-args-file"); f != "" {
		b, _ := json.Marshal(map[string]any{"args": args, "ld_library_path": os.Getenv("LD_LIBRARY_PATH")})
		_ = os.WriteFile(f, b, 0o644)
	}
	if code := flagValue(args, "--fake-exit"); code != "" {
		n, _ := strconv.Atoi(code)
		fmt.Fprintln(os.Stderr, "fake engine: failing on purpose")
		os.Exit(n)
	}
	port := flagValue(args, "--port", "--listen-port")
	if port == "" {
		fmt.Fprintln(os.Stderr, "no port")
		os.Exit(2)
	}
	neverReady := hasFlag(args, "--fake-never-ready")
	noDone := hasFlag(args, "--fake-no-done")
	readyAt := time.Now()
	if d := flagValue(args, "--fake-ready-after"); d != "" {
		dur, _ := time.ParseDuration(d)
		readyAt = readyAt.Add(dur)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if neverReady || time.Now().Before(readyAt) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	generate := func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":5,"completion_tokens":1}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, tok := range []string{"hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
			fl.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"timings\":{\"prompt_n\":5,\"predicted_n\":2,\"prompt_ms\":120,\"predicted_per_second\":33.3}}\n\n")
		if !noDone {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
	}
	mux.HandleFunc("/v1/chat/completions", generate)
	mux.HandleFunc("/v1/completions", generate)
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":2}}`)
	})
	_ = http.ListenAndServe("127.0.0.1:"+port, mux)
}
