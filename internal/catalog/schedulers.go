package catalog

import (
	"context"
	"sort"
	"strings"

	"invokectl/internal/logging"
)

const (
	schedulerSchemaPath = "/api/v1/schemas/scheduler"
	denoiseNodePath     = "/api/v1/nodes/denoise_latents"
	appConfigPath       = "/api/v1/app/config"
)

// FallbackSchedulers is used when no server endpoint exposes the enumeration.
var FallbackSchedulers = []string{
	"ddim", "ddpm", "deis", "deis_k", "dpmpp_2m", "dpmpp_2m_k", "dpmpp_2m_sde", "dpmpp_2m_sde_k",
	"dpmpp_2s", "dpmpp_2s_k", "dpmpp_3m", "dpmpp_3m_k", "dpmpp_sde", "dpmpp_sde_k", "euler",
	"euler_a", "euler_k", "heun", "heun_k", "kdpm_2", "kdpm_2_a", "kdpm_2_a_k", "kdpm_2_k",
	"lcm", "lms", "lms_k", "pndm", "tcd", "unipc", "unipc_k",
}

type schedulerSource struct {
	name    string
	path    string
	extract func(any) []string
}

var schedulerSources = []schedulerSource{
	{name: "schema", path: schedulerSchemaPath, extract: findEnum},
	{name: "node_schema", path: denoiseNodePath, extract: func(v any) []string { return findKeyedEnum(v, "scheduler") }},
	{name: "app_config", path: appConfigPath, extract: schedulersFromConfig},
}

// ListSchedulers returns the sorted, de-duplicated scheduler names. Sources
// are tried in order; the first non-empty result is cached.
func (c *Catalog) ListSchedulers(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	cached := c.schedulers
	gen := c.generation
	c.mu.RUnlock()
	if cached != nil {
		return append([]string(nil), cached...), nil
	}

	value, _, _ := c.group.Do("schedulers", func() (any, error) {
		names, source := c.discoverSchedulers(ctx)
		c.logger.Debug("schedulers discovered", logging.String("source", source), logging.Int("count", len(names)))
		c.mu.Lock()
		if c.generation == gen {
			c.schedulers = names
		}
		c.mu.Unlock()
		return names, nil
	})
	return append([]string(nil), value.([]string)...), nil
}

func (c *Catalog) discoverSchedulers(ctx context.Context) ([]string, string) {
	for _, source := range schedulerSources {
		var payload any
		if err := c.client.GetJSON(ctx, source.path, nil, 0, &payload); err != nil {
			c.logger.Debug("scheduler source unavailable", logging.String("source", source.name), logging.Error(err))
			continue
		}
		if names := sortedUnique(source.extract(payload)); len(names) > 0 {
			return names, source.name
		}
	}
	return sortedUnique(FallbackSchedulers), "builtin"
}

// findEnum returns the first "enum" string array found depth-first.
func findEnum(v any) []string {
	switch node := v.(type) {
	case map[string]any:
		if values := stringList(node["enum"]); len(values) > 0 {
			return values
		}
		for _, key := range sortedKeys(node) {
			if values := findEnum(node[key]); len(values) > 0 {
				return values
			}
		}
	case []any:
		for _, item := range node {
			if values := findEnum(item); len(values) > 0 {
				return values
			}
		}
	}
	return nil
}

// findKeyedEnum returns the enum nested under the first object key named field.
func findKeyedEnum(v any, field string) []string {
	switch node := v.(type) {
	case map[string]any:
		if child, ok := node[field]; ok {
			if values := findEnum(child); len(values) > 0 {
				return values
			}
		}
		for _, key := range sortedKeys(node) {
			if values := findKeyedEnum(node[key], field); len(values) > 0 {
				return values
			}
		}
	case []any:
		for _, item := range node {
			if values := findKeyedEnum(item, field); len(values) > 0 {
				return values
			}
		}
	}
	return nil
}

func schedulersFromConfig(v any) []string {
	if node, ok := v.(map[string]any); ok {
		if values := stringList(node["schedulers"]); len(values) > 0 {
			return values
		}
	}
	return findKeyedEnum(v, "scheduler")
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedUnique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

