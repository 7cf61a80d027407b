package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"invokectl/internal/catalog"
	"invokectl/internal/config"
)

// LoraSpec names a LoRA by key or name with its weight.
type LoraSpec struct {
	Ref    string
	Weight float64
}

// Request is one text-to-image job as the caller describes it. Prompts arrive
// fully expanded. Zero numeric fields defer to the model's defaults, then to
// the [generation] config section.
type Request struct {
	Model                string
	Prompt               string
	NegativePrompt       string
	Seed                 int64
	Steps                int
	CFGScale             float64
	CFGRescaleMultiplier float64
	Scheduler            string
	Width                int
	Height               int
	Loras                []LoraSpec
	KeepArtifacts        bool
}

// ParseLoraSpec parses "ref" or "ref:weight". A missing weight is 1.0.
func ParseLoraSpec(raw string) (LoraSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return LoraSpec{}, fmt.Errorf("empty lora spec")
	}
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return LoraSpec{Ref: raw, Weight: 1.0}, nil
	}
	ref := strings.TrimSpace(raw[:idx])
	weight, err := strconv.ParseFloat(strings.TrimSpace(raw[idx+1:]), 64)
	if err != nil || ref == "" {
		return LoraSpec{}, fmt.Errorf("invalid lora spec %q (want ref:weight)", raw)
	}
	return LoraSpec{Ref: ref, Weight: weight}, nil
}

// Expand returns count copies of r with consecutive seeds.
func (r Request) Expand(count int) []Request {
	if count <= 1 {
		return []Request{r}
	}
	out := make([]Request, count)
	for i := range out {
		out[i] = r
		out[i].Seed = r.Seed + int64(i)
		out[i].Loras = append([]LoraSpec(nil), r.Loras...)
	}
	return out
}

// applyDefaults fills fields the request and the model both leave unset.
func applyDefaults(req Request, model catalog.ModelRef, gen config.Generation) Request {
	settings := catalog.DefaultSettings{}
	if model.DefaultSettings != nil {
		settings = *model.DefaultSettings
	}
	if req.Steps == 0 && settings.Steps == 0 {
		req.Steps = gen.Steps
	}
	if req.CFGScale == 0 && settings.CFGScale == 0 {
		req.CFGScale = gen.CFGScale
	}
	if req.Scheduler == "" && settings.Scheduler == "" {
		req.Scheduler = gen.Scheduler
	}
	if req.CFGRescaleMultiplier == 0 && settings.CFGRescaleMultiplier == 0 {
		req.CFGRescaleMultiplier = gen.CFGRescaleMultiplier
	}
	if req.Width == 0 && settings.Width == 0 {
		req.Width = gen.Width
	}
	if req.Height == 0 && settings.Height == 0 {
		req.Height = gen.Height
	}
	if strings.TrimSpace(req.NegativePrompt) == "" {
		req.NegativePrompt = gen.NegativePrompt
	}
	req.KeepArtifacts = req.KeepArtifacts || gen.KeepArtifacts
	return req
}
