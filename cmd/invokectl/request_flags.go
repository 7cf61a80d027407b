package main

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/spf13/cobra"

	"invokectl/internal/workflow"
)

// requestFlags holds the generation parameters shared by graph and generate.
type requestFlags struct {
	model     string
	prompt    string
	negative  string
	seed      int64
	steps     int
	cfgScale  float64
	rescale   float64
	scheduler string
	width     int
	height    int
	loras     []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.model, "model", "m", "", "Main model key or name")
	flags.StringVarP(&f.prompt, "prompt", "p", "", "Positive prompt (defaults to the positional arguments)")
	flags.StringVarP(&f.negative, "negative", "n", "", "Negative prompt (defaults to generation.negative_prompt)")
	flags.Int64Var(&f.seed, "seed", -1, "Seed; -1 picks one at random")
	flags.IntVar(&f.steps, "steps", 0, "Denoising steps")
	flags.Float64Var(&f.cfgScale, "cfg", 0, "CFG scale")
	flags.Float64Var(&f.rescale, "cfg-rescale", 0, "CFG rescale multiplier in [0, 1)")
	flags.StringVar(&f.scheduler, "scheduler", "", "Scheduler name")
	flags.IntVar(&f.width, "width", 0, "Image width (multiple of 8)")
	flags.IntVar(&f.height, "height", 0, "Image height (multiple of 8)")
	flags.StringArrayVar(&f.loras, "lora", nil, "LoRA as key-or-name[:weight]; repeat to chain in order")
	_ = cmd.MarkFlagRequired("model")
}

func (f *requestFlags) request(args []string) (workflow.Request, error) {
	prompt := strings.TrimSpace(f.prompt)
	if prompt == "" {
		prompt = strings.TrimSpace(strings.Join(args, " "))
	}
	if prompt == "" {
		return workflow.Request{}, errors.New("a prompt is required (--prompt or positional arguments)")
	}
	seed := f.seed
	if seed < 0 {
		seed = int64(rand.Uint32N(math.MaxUint32))
	}
	req := workflow.Request{
		Model:                strings.TrimSpace(f.model),
		Prompt:               prompt,
		NegativePrompt:       f.negative,
		Seed:                 seed,
		Steps:                f.steps,
		CFGScale:             f.cfgScale,
		CFGRescaleMultiplier: f.rescale,
		Scheduler:            strings.TrimSpace(f.scheduler),
		Width:                f.width,
		Height:               f.height,
	}
	for _, raw := range f.loras {
		spec, err := workflow.ParseLoraSpec(raw)
		if err != nil {
			return workflow.Request{}, err
		}
		req.Loras = append(req.Loras, spec)
	}
	return req, nil
}
