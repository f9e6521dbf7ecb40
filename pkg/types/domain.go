package types

// Model represents a model the gateway can route requests to.
type Model struct {
	// Stable identifier clients send in the "model" field.
	// example: Qwen2.5-0.5B-Instruct-GGUF
	ID string `json:"id" example:"Qwen2.5-0.5B-Instruct-GGUF"`
	// Backend family (recipe) that serves this model.
	// example: llamacpp
	Recipe string `json:"recipe" example:"llamacpp"`
	// Upstream checkpoint reference (repo:file or similar).
	// example: Qwen/Qwen2.5-0.5B-Instruct-GGUF:qwen2.5-0.5b-instruct-q4_k_m.gguf
	Checkpoint string `json:"checkpoint,omitempty" example:"Qwen/Qwen2.5-0.5B-Instruct-GGUF:qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// Absolute path to the primary artifact on disk.
	// example: /home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf
	Path string `json:"path" example:"/home/user/models/qwen2.5-0.5b-instruct-q4_k_m.gguf"`
	// Optional companion projector for multimodal models.
	Mmproj string `json:"mmproj,omitempty"`
	// Free-form labels such as "embeddings", "reranking", "vision".
	// example: ["embeddings"]
	Labels []string `json:"labels,omitempty" example:"[\"embeddings\"]"`
}

// HasLabel reports whether the model carries the given label.
func (m Model) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Telemetry holds per-request performance data extracted from a backend response.
// Pointer fields stay nil when the backend never reported them.
type Telemetry struct {
	InputTokens     *int     `json:"input_tokens,omitempty"`
	OutputTokens    *int     `json:"output_tokens,omitempty"`
	TimeToFirstTok  *float64 `json:"time_to_first_token,omitempty"`
	TokensPerSecond *float64 `json:"tokens_per_second,omitempty"`
}

// Empty reports whether no field was populated.
func (t Telemetry) Empty() bool {
	return t.InputTokens == nil && t.OutputTokens == nil && t.TimeToFirstTok == nil && t.TokensPerSecond == nil
}
