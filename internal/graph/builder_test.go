package graph_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"invokectl/internal/catalog"
	"invokectl/internal/graph"
	"invokectl/internal/services"
)

type stubVAEs map[string][]catalog.ModelRef

func (s stubVAEs) CachedVAEs(base string) []catalog.ModelRef {
	return s[catalog.NormalizeBase(base)]
}

func sdxlModel() catalog.ModelRef {
	return catalog.ModelRef{Key: "xl-1", Name: "Juggernaut XL", Base: "sdxl", Type: "main", Format: "checkpoint"}
}

func sd1Model() catalog.ModelRef {
	return catalog.ModelRef{Key: "sd-1", Name: "Dreamshaper", Base: "sd-1", Type: "main", Format: "checkpoint"}
}

func lora(key string, submodels ...string) catalog.LoraRef {
	return catalog.LoraRef{
		Lora:   catalog.ModelRef{Key: key, Name: key, Type: "lora", Submodels: catalog.NewSubmodelSet(submodels...)},
		Weight: 0.75,
	}
}

func build(t *testing.T, b *graph.Builder, p graph.Params) (*graph.Graph, []string) {
	t.Helper()
	g, warnings, err := b.Build(p)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return g, warnings
}

func source(t *testing.T, g *graph.Graph, node, field string) string {
	t.Helper()
	src, ok := g.SourceOf(node, field)
	if !ok {
		t.Fatalf("no edge into %s.%s", node, field)
	}
	return src.NodeID
}

func TestBuildHasNoDanglingEdges(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	models := []catalog.ModelRef{sd1Model(), sdxlModel()}
	chains := [][]catalog.LoraRef{
		nil,
		{lora("a")},
		{lora("a", "unet"), lora("b", "text_encoder"), lora("c", "text_encoder_2")},
		{lora("a", "unet", "text_encoder", "text_encoder_2"), lora("b")},
	}
	for _, model := range models {
		for i, chain := range chains {
			t.Run(fmt.Sprintf("%s/%d", model.Base, i), func(t *testing.T) {
				g, _ := build(t, b, graph.Params{Model: model, Prompt: "a lighthouse", Seed: 7, Loras: chain})
				for _, edge := range g.Edges {
					if _, ok := g.Nodes[edge.Source.NodeID]; !ok {
						t.Fatalf("dangling source %s", edge.Source)
					}
					if _, ok := g.Nodes[edge.Destination.NodeID]; !ok {
						t.Fatalf("dangling destination %s", edge.Destination)
					}
				}
			})
		}
	}
}

func TestBuildChainsLorasInInputOrder(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	chain := []catalog.LoraRef{lora("a", "unet"), lora("b", "unet"), lora("c", "unet")}
	for _, model := range []catalog.ModelRef{sd1Model(), sdxlModel()} {
		g, _ := build(t, b, graph.Params{Model: model, Prompt: "p", Loras: chain})

		denoiseID := "denoise_latents"
		loaderID := "main_model_loader"
		if model.Base == "sdxl" {
			denoiseID = "sdxl_denoise_latents"
			loaderID = "sdxl_model_loader"
		}
		if got := source(t, g, denoiseID, "unet"); got != "lora_loader_2" {
			t.Fatalf("%s: denoise unet fed by %q", model.Base, got)
		}
		if got := source(t, g, "lora_loader_0", "unet"); got != loaderID {
			t.Fatalf("%s: first lora fed by %q", model.Base, got)
		}
		for i := 0; i < 2; i++ {
			next := fmt.Sprintf("lora_loader_%d", i+1)
			if got := source(t, g, next, "unet"); got != fmt.Sprintf("lora_loader_%d", i) {
				t.Fatalf("%s: %s fed by %q", model.Base, next, got)
			}
		}
		if got := source(t, g, "positive_conditioning", "clip"); got != loaderID {
			t.Fatalf("%s: unet-only loras must not touch clip, got %q", model.Base, got)
		}
	}
}

func TestBuildDefaultSubmodelsSkipSecondTextEncoder(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	g, _ := build(t, b, graph.Params{Model: sdxlModel(), Prompt: "p", Loras: []catalog.LoraRef{lora("plain")}})

	if got := source(t, g, "positive_conditioning", "clip"); got != "lora_loader_0" {
		t.Fatalf("expected clip through lora, got %q", got)
	}
	if got := source(t, g, "sdxl_denoise_latents", "unet"); got != "lora_loader_0" {
		t.Fatalf("expected unet through lora, got %q", got)
	}
	if got := source(t, g, "positive_conditioning", "clip2"); got != "sdxl_model_loader" {
		t.Fatalf("expected clip2 untouched, got %q", got)
	}
	if g.Nodes["lora_loader_0"].Type != graph.TypeSDXLLoraLoader {
		t.Fatalf("unexpected lora node type %q", g.Nodes["lora_loader_0"].Type)
	}
}

func TestBuildHonoursConfiguredDefaultSubmodels(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, []string{"unet"})
	g, _ := build(t, b, graph.Params{Model: sd1Model(), Prompt: "p", Loras: []catalog.LoraRef{lora("plain")}})
	if got := source(t, g, "positive_conditioning", "clip"); got != "main_model_loader" {
		t.Fatalf("expected clip untouched, got %q", got)
	}
}

func TestBuildSkipsLoraWithNoApplicablePath(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	g, warnings := build(t, b, graph.Params{Model: sd1Model(), Prompt: "p", Loras: []catalog.LoraRef{lora("xl-only", "text_encoder_2")}})
	if _, ok := g.Nodes["lora_loader_0"]; ok {
		t.Fatal("expected lora without sd-1 paths to be skipped")
	}
	if !containsWarning(warnings, "xl-only") {
		t.Fatalf("expected skip warning, got %v", warnings)
	}
}

func TestBuildOutputIsDeterministic(t *testing.T) {
	vaes := stubVAEs{"sdxl": {
		{Key: "v1", Name: "sdxl-vae", Base: "sdxl", Type: "vae"},
		{Key: "v2", Name: "sdxl-vae-fp16-fix", Base: "sdxl", Type: "vae"},
	}}
	b := graph.NewBuilder(vaes, nil)
	params := graph.Params{
		Model:          sdxlModel(),
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "ugly, seagulls, blurry",
		Seed:           1234,
		Loras:          []catalog.LoraRef{lora("a", "unet", "text_encoder"), lora("b")},
	}
	var encoded [][]byte
	for i := 0; i < 2; i++ {
		g, _ := build(t, b, params)
		data, err := json.Marshal(g)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		encoded = append(encoded, data)
	}
	if !bytes.Equal(encoded[0], encoded[1]) {
		t.Fatalf("expected byte-identical graphs:\n%s\n%s", encoded[0], encoded[1])
	}
}

func TestSplitNegativePrompt(t *testing.T) {
	content, style := graph.SplitNegativePrompt("ugly, a red car, blurry")
	if content != "a red car" || style != "ugly, blurry" {
		t.Fatalf("unexpected split content=%q style=%q", content, style)
	}
	content, style = graph.SplitNegativePrompt(" BLURRY ,, Low Quality")
	if content != "" || style != "BLURRY, Low Quality" {
		t.Fatalf("unexpected case-folded split content=%q style=%q", content, style)
	}
}

func TestBuildSDXLRoutesNegativeStyle(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	g, _ := build(t, b, graph.Params{Model: sdxlModel(), Prompt: "p", NegativePrompt: "ugly, a red car, blurry"})
	if v, _ := g.Nodes["negative_prompt"].Field("value"); v != "a red car" {
		t.Fatalf("unexpected negative content %v", v)
	}
	if v, _ := g.Nodes["negative_style_prompt"].Field("value"); v != "ugly, blurry" {
		t.Fatalf("unexpected negative style %v", v)
	}
	if got := source(t, g, "negative_conditioning", "style"); got != "negative_style_prompt" {
		t.Fatalf("style fed by %q", got)
	}
	if got := source(t, g, "positive_conditioning", "style"); got != "positive_prompt" {
		t.Fatalf("positive style fed by %q", got)
	}
}

func TestBuildForcesFullPrecisionVAEForSDXL(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	model := sdxlModel()
	model.DefaultSettings = &catalog.DefaultSettings{VAEPrecision: "fp16", Width: 896, Height: 1152}
	g, _ := build(t, b, graph.Params{Model: model, Prompt: "p"})

	loader := g.Nodes["sdxl_model_loader"]
	if v, _ := loader.Field("vae_precision"); v != "fp32" {
		t.Fatalf("expected loader vae_precision fp32, got %v", v)
	}
	patched, _ := loader.Field("model")
	if ref := patched.(catalog.ModelRef); ref.DefaultSettings.VAEPrecision != "fp32" {
		t.Fatalf("expected cloned model forced to fp32, got %+v", ref.DefaultSettings)
	}
	if model.DefaultSettings.VAEPrecision != "fp16" {
		t.Fatal("caller's model was mutated")
	}
	if w, _ := g.Nodes["noise"].Field("width"); w != 896 {
		t.Fatalf("expected model default width, got %v", w)
	}

	sd1, _ := build(t, b, graph.Params{Model: sd1Model(), Prompt: "p"})
	if _, ok := sd1.Nodes["main_model_loader"].Field("vae_precision"); ok {
		t.Fatal("sd-1 loader must not force vae precision")
	}
	if w, _ := sd1.Nodes["noise"].Field("width"); w != 512 {
		t.Fatalf("expected sd-1 default width 512, got %v", w)
	}
}

func TestBuildCFGRescaleHeuristic(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	diffusers := sdxlModel()
	diffusers.Format = "diffusers"
	tuned := diffusers
	tuned.DefaultSettings = &catalog.DefaultSettings{CFGRescaleMultiplier: 0.2}

	cases := []struct {
		name    string
		model   catalog.ModelRef
		rescale float64
		want    any
	}{
		{"diffusers zero", diffusers, 0, 0.7},
		{"diffusers explicit", diffusers, 0.3, 0.3},
		{"model default", tuned, 0, 0.2},
		{"explicit beats model default", tuned, 0.4, 0.4},
		{"checkpoint zero", sdxlModel(), 0, nil},
		{"sd-1 zero", sd1Model(), 0, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := build(t, b, graph.Params{Model: tc.model, Prompt: "p", CFGRescaleMultiplier: tc.rescale})
			denoiseID := "sdxl_denoise_latents"
			if tc.model.Base == "sd-1" {
				denoiseID = "denoise_latents"
			}
			got, ok := g.Nodes[denoiseID].Field("cfg_rescale_multiplier")
			if tc.want == nil {
				if ok {
					t.Fatalf("expected no rescale field, got %v", got)
				}
				return
			}
			if got != tc.want {
				t.Fatalf("rescale = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildVAEOverridePriority(t *testing.T) {
	cases := []struct {
		name  string
		base  string
		vaes  []catalog.ModelRef
		want  string
		warns bool
	}{
		{
			name: "fp16-fix preferred",
			base: "sdxl",
			vaes: []catalog.ModelRef{{Key: "a", Name: "sdxl-vae"}, {Key: "b", Name: "sdxl-vae-fp16-fix"}},
			want: "b",
		},
		{
			name: "full precision next",
			base: "sdxl",
			vaes: []catalog.ModelRef{{Key: "a", Name: "half-vae"}, {Key: "b", Name: "sdxl-vae"}},
			want: "b",
		},
		{
			name:  "sdxl never falls back to reduced precision",
			base:  "sdxl",
			vaes:  []catalog.ModelRef{{Key: "a", Name: "vae-fp16"}},
			warns: true,
		},
		{
			name: "sd-1 takes first compatible",
			base: "sd-1",
			vaes: []catalog.ModelRef{{Key: "a", Name: "vae-fp16"}, {Key: "b", Name: "vae-half"}},
			want: "a",
		},
		{
			name:  "empty cache",
			base:  "sd-1",
			warns: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := graph.NewBuilder(stubVAEs{tc.base: tc.vaes}, nil)
			model := sd1Model()
			loaderID := "main_model_loader"
			if tc.base == "sdxl" {
				model = sdxlModel()
				loaderID = "sdxl_model_loader"
			}
			g, warnings := build(t, b, graph.Params{Model: model, Prompt: "p"})
			if tc.warns {
				if !containsWarning(warnings, "VAE") {
					t.Fatalf("expected VAE warning, got %v", warnings)
				}
				if got := source(t, g, "l2i", "vae"); got != loaderID {
					t.Fatalf("expected bundled VAE, got %q", got)
				}
				return
			}
			if got := source(t, g, "l2i", "vae"); got != "vae_loader" {
				t.Fatalf("expected l2i.vae rewired, got %q", got)
			}
			vae, _ := g.Nodes["vae_loader"].Field("vae_model")
			if vae.(catalog.ModelRef).Key != tc.want {
				t.Fatalf("selected %+v, want key %s", vae, tc.want)
			}
		})
	}
}

func TestBuildRejectsInvalidParams(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	cases := map[string]graph.Params{
		"missing key":    {Model: catalog.ModelRef{Base: "sdxl"}},
		"unknown base":   {Model: catalog.ModelRef{Key: "k", Base: "flux"}},
		"negative seed":  {Model: sd1Model(), Seed: -1},
		"seed too large": {Model: sd1Model(), Seed: 1 << 33},
		"odd width":      {Model: sd1Model(), Width: 500},
		"rescale one":    {Model: sd1Model(), CFGRescaleMultiplier: 1},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := b.Build(params); !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBuildAppliesSamplingFallbacks(t *testing.T) {
	b := graph.NewBuilder(stubVAEs{}, nil)
	model := sd1Model()
	model.DefaultSettings = &catalog.DefaultSettings{Scheduler: "euler_a"}
	g, _ := build(t, b, graph.Params{Model: model, Prompt: "p", Steps: 12})
	denoise := g.Nodes["denoise_latents"]
	if v, _ := denoise.Field("steps"); v != 12 {
		t.Fatalf("unexpected steps %v", v)
	}
	if v, _ := denoise.Field("cfg_scale"); v != graph.DefaultCFGScale {
		t.Fatalf("unexpected cfg scale %v", v)
	}
	if v, _ := denoise.Field("scheduler"); v != "euler_a" {
		t.Fatalf("unexpected scheduler %v", v)
	}
}

func containsWarning(warnings []string, fragment string) bool {
	for _, w := range warnings {
		if strings.Contains(w, fragment) {
			return true
		}
	}
	return false
}
