package graph

// Node types emitted by the builder.
const (
	TypeMainModelLoader = "main_model_loader"
	TypeSDXLModelLoader = "sdxl_model_loader"
	TypeString          = "string"
	TypeCompel          = "compel"
	TypeSDXLCompel      = "sdxl_compel_prompt"
	TypeNoise           = "noise"
	TypeDenoiseLatents  = "denoise_latents"
	TypeLoraLoader      = "lora_loader"
	TypeSDXLLoraLoader  = "sdxl_lora_loader"
	TypeVAELoader       = "vae_loader"
	TypeLatentsToImage  = "l2i"
)

type nodeSchema struct {
	inputs   map[string]bool
	outputs  map[string]bool
	terminal bool
}

func fields(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = true
	}
	return out
}

// schemas lists the connectable fields of each node type.
var schemas = map[string]nodeSchema{
	TypeMainModelLoader: {inputs: fields(), outputs: fields("unet", "clip", "vae")},
	TypeSDXLModelLoader: {inputs: fields(), outputs: fields("unet", "clip", "clip2", "vae")},
	TypeString:          {inputs: fields("value"), outputs: fields("value")},
	TypeCompel:          {inputs: fields("prompt", "clip"), outputs: fields("conditioning")},
	TypeSDXLCompel:      {inputs: fields("prompt", "style", "clip", "clip2"), outputs: fields("conditioning")},
	TypeNoise:           {inputs: fields("seed", "width", "height"), outputs: fields("noise", "width", "height")},
	TypeDenoiseLatents: {
		inputs:  fields("unet", "positive_conditioning", "negative_conditioning", "noise", "latents"),
		outputs: fields("latents"),
	},
	TypeLoraLoader:     {inputs: fields("unet", "clip"), outputs: fields("unet", "clip")},
	TypeSDXLLoraLoader: {inputs: fields("unet", "clip", "clip2"), outputs: fields("unet", "clip", "clip2")},
	TypeVAELoader:      {inputs: fields(), outputs: fields("vae")},
	TypeLatentsToImage: {inputs: fields("latents", "vae"), outputs: fields("image"), terminal: true},
}
