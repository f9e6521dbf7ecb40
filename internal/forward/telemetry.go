package forward

import (
	"bytes"
	"encoding/json"

	"lemond/pkg/types"
)

// usageShape is the generic OpenAI usage object. The chat/completions names
// and the responses-API names are both accepted; some NPU engines add
// prefill and decode timings.
type usageShape struct {
	PromptTokens     *int     `json:"prompt_tokens"`
	CompletionTokens *int     `json:"completion_tokens"`
	InputTokens      *int     `json:"input_tokens"`
	OutputTokens     *int     `json:"output_tokens"`
	PrefillTTFT      *float64 `json:"prefill_duration_ttft"`
	DecodingTPS      *float64 `json:"decoding_speed_tps"`
}

// timingsShape is llama.cpp's per-response timings object.
type timingsShape struct {
	PromptN            *int     `json:"prompt_n"`
	PredictedN         *int     `json:"predicted_n"`
	PromptMS           *float64 `json:"prompt_ms"`
	PredictedPerSecond *float64 `json:"predicted_per_second"`
}

type chunkShape struct {
	Usage    *usageShape   `json:"usage"`
	Timings  *timingsShape `json:"timings"`
	Response *struct {
		Usage *usageShape `json:"usage"`
	} `json:"response"`
}

// ExtractTelemetry scans a buffered SSE stream (or a single JSON body) for
// the last chunk that carries usage or timings and derives token counts,
// time to first token and throughput. Missing data leaves fields nil.
func ExtractTelemetry(buf []byte) types.Telemetry {
	lines := bytes.Split(buf, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		payload := bytes.TrimSpace(lines[i])
		if p, ok := bytes.CutPrefix(payload, []byte("data:")); ok {
			payload = bytes.TrimSpace(p)
		}
		if len(payload) == 0 || payload[0] != '{' {
			continue
		}
		if tel, ok := telemetryFromChunk(payload); ok {
			return tel
		}
	}
	return types.Telemetry{}
}

func telemetryFromChunk(b []byte) (types.Telemetry, bool) {
	var c chunkShape
	if err := json.Unmarshal(b, &c); err != nil {
		return types.Telemetry{}, false
	}
	u := c.Usage
	if u == nil && c.Response != nil {
		u = c.Response.Usage
	}
	if u == nil && c.Timings == nil {
		return types.Telemetry{}, false
	}
	var tel types.Telemetry
	if u != nil {
		tel.InputTokens = firstInt(u.PromptTokens, u.InputTokens)
		tel.OutputTokens = firstInt(u.CompletionTokens, u.OutputTokens)
		tel.TimeToFirstTok = u.PrefillTTFT
		tel.TokensPerSecond = u.DecodingTPS
	}
	if t := c.Timings; t != nil {
		if tel.InputTokens == nil {
			tel.InputTokens = t.PromptN
		}
		if tel.OutputTokens == nil {
			tel.OutputTokens = t.PredictedN
		}
		if t.PromptMS != nil {
			s := *t.PromptMS / 1000
			tel.TimeToFirstTok = &s
		}
		if t.PredictedPerSecond != nil {
			tel.TokensPerSecond = t.PredictedPerSecond
		}
	}
	return tel, !tel.Empty()
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
