package types

// ErrorBody is the OpenAI-compatible error object.
type ErrorBody struct {
	// Human readable message.
	// example: model not found: foo
	Message string `json:"message" example:"model not found: foo"`
	// Stable error type clients can branch on.
	// example: model_not_found
	Type string `json:"type" example:"model_not_found"`
	// Stable error code; usually equal to Type.
	// example: model_not_found
	Code string `json:"code,omitempty" example:"model_not_found"`
}

// ErrorResponse wraps ErrorBody as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ModelObject is one entry of GET /models in the OpenAI list shape.
type ModelObject struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	OwnedBy string   `json:"owned_by"`
	Recipe  string   `json:"recipe,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

// ModelsResponse is returned by GET /models.
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// LoadRequest is the body of POST /load.
type LoadRequest struct {
	// example: Qwen2.5-0.5B-Instruct-GGUF
	Model string `json:"model_name" example:"Qwen2.5-0.5B-Instruct-GGUF"`
	// Context size override; 0 keeps the configured default.
	// example: 4096
	CtxSize int `json:"ctx_size,omitempty" example:"4096"`
	// Acceleration variant override (vulkan, rocm, metal, cpu).
	// example: vulkan
	Variant string `json:"llamacpp_backend,omitempty" example:"vulkan"`
	// Extra engine flags appended after validation against the reserved set.
	// example: --no-mmap --flash-attn on
	Args string `json:"llamacpp_args,omitempty" example:"--no-mmap"`
}

// LoadResponse reports the instance that now serves the model.
type LoadResponse struct {
	Status  string `json:"status"`
	Model   string `json:"model_name"`
	Backend string `json:"backend"`
	Variant string `json:"variant,omitempty"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
}

// StatusMessage is the generic {"status":"success"} acknowledgement.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UnloadRequest is the body of POST /unload. An empty model unloads everything.
type UnloadRequest struct {
	Model string `json:"model_name,omitempty"`
}

// InstallRequest is the body of POST /install.
type InstallRequest struct {
	// example: llamacpp
	Backend string `json:"backend" example:"llamacpp"`
	// example: vulkan
	Variant string `json:"variant,omitempty" example:"vulkan"`
}

// InstallResponse reports where the executable ended up.
type InstallResponse struct {
	Backend    string `json:"backend"`
	Variant    string `json:"variant"`
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// LoadedModel describes one running backend instance.
type LoadedModel struct {
	Model   string `json:"model_name"`
	Recipe  string `json:"recipe"`
	Type    string `json:"type"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Variant string `json:"variant,omitempty"`
	// Resident memory of the backend process in bytes, if known.
	RSSBytes uint64 `json:"rss_bytes,omitempty"`
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string         `json:"status"`
	ModelLoaded string         `json:"model_loaded,omitempty"`
	AllModels   []LoadedModel  `json:"all_models_loaded"`
	MaxModels   map[string]int `json:"max_models,omitempty"`
}

// StatsResponse is returned by GET /stats: telemetry of the last completed request.
type StatsResponse struct {
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Telemetry
	DurationMS int64 `json:"duration_ms"`
	Requests   int64 `json:"total_requests"`
}

// VariantStatus is the install state of one backend variant.
type VariantStatus struct {
	Variant          string `json:"variant"`
	RequiredVersion  string `json:"required_version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	UpToDate         bool   `json:"up_to_date"`
	Executable       string `json:"executable,omitempty"`
	// Why the variant cannot be installed here (unsupported platform, no manifest entry).
	Unavailable string `json:"unavailable,omitempty"`
}

// BackendStatus summarizes one backend family for GET /system-info and the CLI.
type BackendStatus struct {
	Name           string          `json:"name"`
	DefaultVariant string          `json:"default_variant"`
	Variants       []VariantStatus `json:"variants"`
	// Externally managed executable taken from the override variable.
	Override string `json:"override,omitempty"`
}

// SystemInfoResponse is returned by GET /system-info.
type SystemInfoResponse struct {
	OS       string          `json:"os"`
	Arch     string          `json:"arch"`
	Backends []BackendStatus `json:"backends"`
	Loaded   []LoadedModel   `json:"loaded"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Backend lifecycle events, newest first.
	RecentEvents []BackendEvent `json:"recent_events,omitempty"`
}

// BackendEvent is one lifecycle step of a backend process (installed,
// load_start, spawn, ready, load_failed, unload, crash_detected).
type BackendEvent struct {
	// example: 1700000000
	Time    int64          `json:"time_unix" example:"1700000000"`
	Name    string         `json:"event"`
	Backend string         `json:"backend"`
	Model   string         `json:"model_name,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}
