package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Base model families.
const (
	BaseSD1  = "sd-1"
	BaseSDXL = "sdxl"
)

// Submodel types a LoRA can patch.
const (
	SubmodelUNet         = "unet"
	SubmodelTextEncoder  = "text_encoder"
	SubmodelTextEncoder2 = "text_encoder_2"
)

// NormalizeBase maps caller-facing family names onto wire identifiers.
func NormalizeBase(base string) string {
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "sd-1.5", "sd1.5", "sd15", "sd-1", "sd1":
		return BaseSD1
	case "sdxl", "sd-xl":
		return BaseSDXL
	default:
		return strings.ToLower(strings.TrimSpace(base))
	}
}

// DefaultSettings holds optional per-model generation defaults.
type DefaultSettings struct {
	Width                int     `json:"width,omitempty"`
	Height               int     `json:"height,omitempty"`
	VAEPrecision         string  `json:"vae_precision,omitempty"`
	Scheduler            string  `json:"scheduler,omitempty"`
	Steps                int     `json:"steps,omitempty"`
	CFGScale             float64 `json:"cfg_scale,omitempty"`
	CFGRescaleMultiplier float64 `json:"cfg_rescale_multiplier,omitempty"`
}

// SubmodelSet lists the submodel types a model declares. It decodes from a
// list of strings, a list of {"type": ...} objects, or an object keyed by type,
// and always encodes as a list of {"type": ...} objects.
type SubmodelSet []string

// Has reports whether kind is present.
func (s SubmodelSet) Has(kind string) bool {
	for _, v := range s {
		if v == kind {
			return true
		}
	}
	return false
}

func (s *SubmodelSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	var out []string
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			var name string
			if err := json.Unmarshal(item, &name); err == nil {
				out = append(out, name)
				continue
			}
			var obj struct {
				Type      string `json:"type"`
				ModelType string `json:"model_type"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				return fmt.Errorf("submodels: %w", err)
			}
			if obj.Type != "" {
				out = append(out, obj.Type)
			} else if obj.ModelType != "" {
				out = append(out, obj.ModelType)
			}
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		for key := range obj {
			out = append(out, key)
		}
		sort.Strings(out)
	default:
		return fmt.Errorf("submodels: unsupported shape %s", string(data))
	}
	*s = normalizeSubmodels(out)
	return nil
}

func (s SubmodelSet) MarshalJSON() ([]byte, error) {
	items := make([]map[string]string, 0, len(s))
	for _, kind := range s {
		items = append(items, map[string]string{"type": kind})
	}
	return json.Marshal(items)
}

func normalizeSubmodels(values []string) SubmodelSet {
	seen := make(map[string]struct{}, len(values))
	out := make(SubmodelSet, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NewSubmodelSet builds a normalized set.
func NewSubmodelSet(values ...string) SubmodelSet {
	return normalizeSubmodels(values)
}

// ModelRef identifies a server model. Copies are made with Clone or the
// With* constructors; a ModelRef obtained from the catalog is never mutated.
type ModelRef struct {
	Key             string           `json:"key"`
	Hash            string           `json:"hash,omitempty"`
	Name            string           `json:"name"`
	Base            string           `json:"base"`
	Type            string           `json:"type"`
	Format          string           `json:"format,omitempty"`
	DefaultSettings *DefaultSettings `json:"default_settings,omitempty"`
	Submodels       SubmodelSet      `json:"submodels,omitempty"`
}

// UnmarshalJSON applies the legacy key fallback: key, then model_name, then name.
func (m *ModelRef) UnmarshalJSON(data []byte) error {
	type plain ModelRef
	var raw struct {
		plain
		ModelName string `json:"model_name"`
		ModelType string `json:"model_type"`
		BaseModel string `json:"base_model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ModelRef(raw.plain)
	if m.Name == "" {
		m.Name = raw.ModelName
	}
	if m.Key == "" {
		m.Key = firstNonEmpty(raw.ModelName, m.Name)
	}
	if m.Type == "" {
		m.Type = raw.ModelType
	}
	if m.Base == "" {
		m.Base = raw.BaseModel
	}
	return nil
}

// Clone returns a deep copy.
func (m ModelRef) Clone() ModelRef {
	out := m
	if m.DefaultSettings != nil {
		settings := *m.DefaultSettings
		out.DefaultSettings = &settings
	}
	if m.Submodels != nil {
		out.Submodels = append(SubmodelSet(nil), m.Submodels...)
	}
	return out
}

// WithVAEPrecision returns a copy whose default settings force the given VAE precision.
func (m ModelRef) WithVAEPrecision(precision string) ModelRef {
	out := m.Clone()
	if out.DefaultSettings == nil {
		out.DefaultSettings = &DefaultSettings{}
	}
	out.DefaultSettings.VAEPrecision = precision
	return out
}

// Family returns the normalized base family.
func (m ModelRef) Family() string {
	return NormalizeBase(m.Base)
}

// DefaultResolution returns the model's width and height, or fallback for unset values.
func (m ModelRef) DefaultResolution(fallback int) (int, int) {
	width, height := fallback, fallback
	if m.DefaultSettings != nil {
		if m.DefaultSettings.Width > 0 {
			width = m.DefaultSettings.Width
		}
		if m.DefaultSettings.Height > 0 {
			height = m.DefaultSettings.Height
		}
	}
	return width, height
}

// LoraRef is one link of a LoRA chain.
type LoraRef struct {
	Lora   ModelRef `json:"lora"`
	Weight float64  `json:"weight"`
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
