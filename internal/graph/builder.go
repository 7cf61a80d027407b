package graph

import (
	"fmt"
	"math"
	"strings"

	"invokectl/internal/catalog"
	"invokectl/internal/services"
)

// Fallback sampling parameters used when neither the caller nor the model's
// default settings provide one.
const (
	DefaultSteps     = 30
	DefaultCFGScale  = 7.5
	DefaultScheduler = "dpmpp_2m"

	sdxlDiffusersRescale = 0.7
	fullPrecision        = "fp32"
)

// VAESource reads the catalog's cached VAE list without I/O.
type VAESource interface {
	CachedVAEs(base string) []catalog.ModelRef
}

// Params describes one text-to-image request. Zero values fall back to the
// model's default settings, then to package defaults.
type Params struct {
	Model                catalog.ModelRef
	Prompt               string
	NegativePrompt       string
	Seed                 int64
	Steps                int
	CFGScale             float64
	CFGRescaleMultiplier float64
	Scheduler            string
	Width                int
	Height               int
	Loras                []catalog.LoraRef
}

// Builder produces validated generation graphs.
type Builder struct {
	vaes             VAESource
	defaultSubmodels catalog.SubmodelSet
}

// NewBuilder binds a builder to a VAE cache. defaultSubmodels applies to
// LoRAs that declare none; empty means unet and text_encoder.
func NewBuilder(vaes VAESource, defaultSubmodels []string) *Builder {
	set := catalog.NewSubmodelSet(defaultSubmodels...)
	if len(set) == 0 {
		set = catalog.NewSubmodelSet(catalog.SubmodelUNet, catalog.SubmodelTextEncoder)
	}
	return &Builder{vaes: vaes, defaultSubmodels: set}
}

// family captures what differs between sd-1 and sdxl topologies.
type family struct {
	base              string
	loaderID          string
	loaderType        string
	conditioningType  string
	denoiseID         string
	loraType          string
	clipPaths         []clipPath
	defaultResolution int
}

type clipPath struct {
	field    string
	submodel string
}

var (
	sd1Family = family{
		base:              catalog.BaseSD1,
		loaderID:          "main_model_loader",
		loaderType:        TypeMainModelLoader,
		conditioningType:  TypeCompel,
		denoiseID:         "denoise_latents",
		loraType:          TypeLoraLoader,
		clipPaths:         []clipPath{{field: "clip", submodel: catalog.SubmodelTextEncoder}},
		defaultResolution: 512,
	}
	sdxlFamily = family{
		base:             catalog.BaseSDXL,
		loaderID:         "sdxl_model_loader",
		loaderType:       TypeSDXLModelLoader,
		conditioningType: TypeSDXLCompel,
		denoiseID:        "sdxl_denoise_latents",
		loraType:         TypeSDXLLoraLoader,
		clipPaths: []clipPath{
			{field: "clip", submodel: catalog.SubmodelTextEncoder},
			{field: "clip2", submodel: catalog.SubmodelTextEncoder2},
		},
		defaultResolution: 1024,
	}
)

// Node ids shared by both families.
const (
	positivePromptID       = "positive_prompt"
	negativePromptID       = "negative_prompt"
	negativeStylePromptID  = "negative_style_prompt"
	positiveConditioningID = "positive_conditioning"
	negativeConditioningID = "negative_conditioning"
	noiseID                = "noise"
	vaeLoaderID            = "vae_loader"
	outputID               = "l2i"
)

// Build returns a validated text-to-image graph plus non-fatal warnings.
func (b *Builder) Build(p Params) (*Graph, []string, error) {
	fam, err := familyFor(p.Model)
	if err != nil {
		return nil, nil, err
	}
	if err := checkParams(p); err != nil {
		return nil, nil, err
	}

	g := New()
	var warnings []string

	model := p.Model.Clone()
	loaderFields := map[string]any{}
	if fam.base == catalog.BaseSDXL {
		model = model.WithVAEPrecision(fullPrecision)
		loaderFields["vae_precision"] = fullPrecision
	}
	loaderFields["model"] = model
	mustAdd(g, fam.loaderID, fam.loaderType, loaderFields)

	// Running source pointer per model path.
	current := map[string]string{"unet": fam.loaderID}
	for _, path := range fam.clipPaths {
		current[path.field] = fam.loaderID
	}

	for i, lora := range p.Loras {
		id := fmt.Sprintf("lora_loader_%d", i)
		paths := b.loraPaths(fam, lora)
		if len(paths) == 0 {
			warnings = append(warnings, fmt.Sprintf("LoRA %q affects no %s submodel; skipped", loraLabel(lora), fam.base))
			continue
		}
		mustAdd(g, id, fam.loraType, map[string]any{"lora": lora.Lora, "weight": lora.Weight})
		for _, field := range paths {
			g.Connect(current[field], field, id, field)
			current[field] = id
		}
	}

	b.addConditioning(g, fam, p, current)

	width, height := resolution(fam, p)
	mustAdd(g, noiseID, TypeNoise, map[string]any{"seed": p.Seed, "width": width, "height": height})

	denoise := map[string]any{
		"steps":           firstPositive(p.Steps, settingsSteps(p.Model), DefaultSteps),
		"cfg_scale":       firstPositiveFloat(p.CFGScale, settingsCFG(p.Model), DefaultCFGScale),
		"scheduler":       firstString(p.Scheduler, settingsScheduler(p.Model), DefaultScheduler),
		"denoising_start": 0.0,
		"denoising_end":   1.0,
	}
	if rescale := effectiveRescale(fam, p); rescale != 0 {
		denoise["cfg_rescale_multiplier"] = rescale
	}
	mustAdd(g, fam.denoiseID, TypeDenoiseLatents, denoise)
	g.Connect(current["unet"], "unet", fam.denoiseID, "unet")
	g.Connect(positiveConditioningID, "conditioning", fam.denoiseID, "positive_conditioning")
	g.Connect(negativeConditioningID, "conditioning", fam.denoiseID, "negative_conditioning")
	g.Connect(noiseID, "noise", fam.denoiseID, "noise")

	mustAdd(g, outputID, TypeLatentsToImage, nil)
	g.Connect(fam.denoiseID, "latents", outputID, "latents")
	g.Connect(fam.loaderID, "vae", outputID, "vae")

	if vae, ok := selectVAE(fam.base, b.cachedVAEs(fam.base)); ok {
		mustAdd(g, vaeLoaderID, TypeVAELoader, map[string]any{"vae_model": vae})
		g.Rewire(outputID, "vae", Endpoint{NodeID: vaeLoaderID, Field: "vae"})
	} else {
		warnings = append(warnings, fmt.Sprintf("no compatible %s VAE cached; using the model's bundled VAE", fam.base))
	}

	if err := g.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("built graph is invalid: %w", err)
	}
	return g, warnings, nil
}

func (b *Builder) addConditioning(g *Graph, fam family, p Params, current map[string]string) {
	mustAdd(g, positivePromptID, TypeString, map[string]any{"value": p.Prompt})
	mustAdd(g, positiveConditioningID, fam.conditioningType, nil)
	mustAdd(g, negativeConditioningID, fam.conditioningType, nil)

	if fam.base == catalog.BaseSDXL {
		content, style := SplitNegativePrompt(p.NegativePrompt)
		mustAdd(g, negativePromptID, TypeString, map[string]any{"value": content})
		mustAdd(g, negativeStylePromptID, TypeString, map[string]any{"value": style})
		g.Connect(positivePromptID, "value", positiveConditioningID, "prompt")
		g.Connect(positivePromptID, "value", positiveConditioningID, "style")
		g.Connect(negativePromptID, "value", negativeConditioningID, "prompt")
		g.Connect(negativeStylePromptID, "value", negativeConditioningID, "style")
	} else {
		mustAdd(g, negativePromptID, TypeString, map[string]any{"value": p.NegativePrompt})
		g.Connect(positivePromptID, "value", positiveConditioningID, "prompt")
		g.Connect(negativePromptID, "value", negativeConditioningID, "prompt")
	}

	for _, path := range fam.clipPaths {
		g.Connect(current[path.field], path.field, positiveConditioningID, path.field)
		g.Connect(current[path.field], path.field, negativeConditioningID, path.field)
	}
}

// loraPaths returns the model paths a LoRA is spliced into, in fixed order.
func (b *Builder) loraPaths(fam family, lora catalog.LoraRef) []string {
	submodels := lora.Lora.Submodels
	if len(submodels) == 0 {
		submodels = b.defaultSubmodels
	}
	var paths []string
	if submodels.Has(catalog.SubmodelUNet) {
		paths = append(paths, "unet")
	}
	for _, path := range fam.clipPaths {
		if submodels.Has(path.submodel) {
			paths = append(paths, path.field)
		}
	}
	return paths
}

func (b *Builder) cachedVAEs(base string) []catalog.ModelRef {
	if b.vaes == nil {
		return nil
	}
	return b.vaes.CachedVAEs(base)
}

// selectVAE picks an override from a name-sorted list: a fp16-fix variant,
// then any full-precision VAE, then (sd-1 only) the first one.
func selectVAE(base string, vaes []catalog.ModelRef) (catalog.ModelRef, bool) {
	for _, vae := range vaes {
		if strings.Contains(strings.ToLower(vae.Name), "fp16-fix") {
			return vae, true
		}
	}
	for _, vae := range vaes {
		name := strings.ToLower(vae.Name)
		if !strings.Contains(name, "fp16") && !strings.Contains(name, "half") {
			return vae, true
		}
	}
	if base == catalog.BaseSD1 && len(vaes) > 0 {
		return vaes[0], true
	}
	return catalog.ModelRef{}, false
}

func effectiveRescale(fam family, p Params) float64 {
	rescale := p.CFGRescaleMultiplier
	if rescale == 0 && p.Model.DefaultSettings != nil {
		rescale = p.Model.DefaultSettings.CFGRescaleMultiplier
	}
	if rescale == 0 && fam.base == catalog.BaseSDXL && strings.EqualFold(p.Model.Format, "diffusers") {
		return sdxlDiffusersRescale
	}
	return rescale
}

func resolution(fam family, p Params) (int, int) {
	width, height := p.Model.DefaultResolution(fam.defaultResolution)
	if p.Width > 0 {
		width = p.Width
	}
	if p.Height > 0 {
		height = p.Height
	}
	return width, height
}

func familyFor(model catalog.ModelRef) (family, error) {
	switch model.Family() {
	case catalog.BaseSD1:
		return sd1Family, nil
	case catalog.BaseSDXL:
		return sdxlFamily, nil
	default:
		return family{}, services.Wrap(services.ErrValidation, "graph", "build",
			fmt.Sprintf("unsupported base model %q for %q", model.Base, model.Name), nil)
	}
}

func checkParams(p Params) error {
	switch {
	case strings.TrimSpace(p.Model.Key) == "":
		return services.Wrap(services.ErrValidation, "graph", "build", "model key is required", nil)
	case p.Seed < 0 || p.Seed > math.MaxUint32:
		return services.Wrap(services.ErrValidation, "graph", "build", fmt.Sprintf("seed %d outside [0, %d]", p.Seed, uint32(math.MaxUint32)), nil)
	case p.Steps < 0 || p.CFGScale < 0:
		return services.Wrap(services.ErrValidation, "graph", "build", "steps and cfg scale must not be negative", nil)
	case p.CFGRescaleMultiplier < 0 || p.CFGRescaleMultiplier >= 1:
		return services.Wrap(services.ErrValidation, "graph", "build", "cfg rescale multiplier must be in [0, 1)", nil)
	case p.Width%8 != 0 || p.Height%8 != 0 || p.Width < 0 || p.Height < 0:
		return services.Wrap(services.ErrValidation, "graph", "build", "width and height must be non-negative multiples of 8", nil)
	}
	return nil
}

func mustAdd(g *Graph, id, nodeType string, fields map[string]any) {
	if err := g.AddNode(id, nodeType, fields); err != nil {
		panic(err)
	}
}

func loraLabel(lora catalog.LoraRef) string {
	if lora.Lora.Name != "" {
		return lora.Lora.Name
	}
	return lora.Lora.Key
}

func settingsSteps(m catalog.ModelRef) int {
	if m.DefaultSettings == nil {
		return 0
	}
	return m.DefaultSettings.Steps
}

func settingsCFG(m catalog.ModelRef) float64 {
	if m.DefaultSettings == nil {
		return 0
	}
	return m.DefaultSettings.CFGScale
}

func settingsScheduler(m catalog.ModelRef) string {
	if m.DefaultSettings == nil {
		return ""
	}
	return m.DefaultSettings.Scheduler
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstString(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
