package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"invokectl/internal/invokeai"
	"invokectl/internal/logging"
	"invokectl/internal/services"
)

// ProfileSource yields the negotiated server profile.
type ProfileSource interface {
	Negotiate(ctx context.Context) (invokeai.ServerProfile, error)
}

type cacheKey struct {
	modelType string
	base      string
}

func (k cacheKey) String() string {
	return "models|" + k.modelType + "|" + k.base
}

// Catalog caches model, VAE, and scheduler listings for one server.
type Catalog struct {
	client   *invokeai.Client
	profiles ProfileSource
	logger   *slog.Logger

	mu         sync.RWMutex
	generation uint64
	models     map[cacheKey][]ModelRef
	schedulers []string
	vaes       []ModelRef
	vaesLoaded bool
	group      singleflight.Group
}

// New constructs a catalog. The negotiator supplies the listing endpoint.
func New(client *invokeai.Client, profiles ProfileSource, logger *slog.Logger) *Catalog {
	return &Catalog{
		client:   client,
		profiles: profiles,
		logger:   logging.NewComponentLogger(logger, "catalog"),
		models:   make(map[cacheKey][]ModelRef),
	}
}

// ListModels returns models filtered by base family and model type. Empty
// filters are not sent. Results are cached per filter tuple.
func (c *Catalog) ListModels(ctx context.Context, base, modelType string) ([]ModelRef, error) {
	key := cacheKey{modelType: strings.TrimSpace(modelType), base: NormalizeBase(base)}

	c.mu.RLock()
	cached, ok := c.models[key]
	gen := c.generation
	c.mu.RUnlock()
	if ok {
		return cloneRefs(cached), nil
	}

	value, err, _ := c.group.Do(key.String(), func() (any, error) {
		profile, err := c.profiles.Negotiate(ctx)
		if err != nil {
			return nil, err
		}
		models, err := c.fetchModels(ctx, profile, key.base, key.modelType)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.models[key] = models
		}
		c.mu.Unlock()
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneRefs(value.([]ModelRef)), nil
}

func (c *Catalog) fetchModels(ctx context.Context, profile invokeai.ServerProfile, base, modelType string) ([]ModelRef, error) {
	resp, err := c.client.Do(ctx, invokeai.Request{
		Method: http.MethodGet,
		Path:   profile.ModelsEndpoint,
		Query:  profile.ModelsQuery(base, modelType),
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, services.Wrap(services.ErrExternal, "catalog", "list models", "", invokeai.NewStatusError(http.MethodGet, profile.ModelsEndpoint, resp))
	}
	models, err := decodeModelList(resp.Body)
	if err != nil {
		return nil, &invokeai.ProtocolError{Op: "GET " + profile.ModelsEndpoint, Detail: err.Error(), Payload: resp.Body}
	}
	return models, nil
}

// decodeModelList accepts {"models": [...]} or a bare array.
func decodeModelList(body []byte) ([]ModelRef, error) {
	var models []ModelRef
	if err := json.Unmarshal(body, &models); err == nil {
		return nonNil(models), nil
	}
	var wrapped struct {
		Models []ModelRef `json:"models"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return nonNil(wrapped.Models), nil
}

// FindModel resolves a key, or failing that a case-insensitive name, among
// models of the given type.
func (c *Catalog) FindModel(ctx context.Context, ref, modelType string) (ModelRef, error) {
	ref = strings.TrimSpace(ref)
	models, err := c.ListModels(ctx, "", modelType)
	if err != nil {
		return ModelRef{}, err
	}
	for _, m := range models {
		if m.Key == ref {
			return m, nil
		}
	}
	for _, m := range models {
		if strings.EqualFold(m.Name, ref) {
			return m, nil
		}
	}
	return ModelRef{}, services.Wrap(services.ErrNotFound, "catalog", "find model", fmt.Sprintf("no %s model matches %q", firstNonEmpty(modelType, "any"), ref), nil)
}

// WarmVAEs loads the VAE listing with an already negotiated profile. It is
// registered as the negotiator's warm-up hook and never re-enters negotiation.
func (c *Catalog) WarmVAEs(ctx context.Context, profile invokeai.ServerProfile) error {
	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	vaes, err := c.fetchModels(ctx, profile, "", "vae")
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.generation == gen {
		c.vaes = vaes
		c.vaesLoaded = true
	}
	c.mu.Unlock()
	c.logger.Debug("vae cache warmed", logging.Int("count", len(vaes)))
	return nil
}

// EnsureVAEs reloads the VAE listing when a Clear emptied it after the
// negotiator's one-time warm-up. A loaded cache costs no I/O.
func (c *Catalog) EnsureVAEs(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.vaesLoaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err, _ := c.group.Do("vaes", func() (any, error) {
		profile, err := c.profiles.Negotiate(ctx)
		if err != nil {
			return nil, err
		}
		return nil, c.WarmVAEs(ctx, profile)
	})
	return err
}

// CachedVAEs returns cached VAEs for one base family sorted by name. No I/O.
func (c *Catalog) CachedVAEs(base string) []ModelRef {
	base = NormalizeBase(base)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelRef, 0, len(c.vaes))
	for _, vae := range c.vaes {
		if vae.Family() == base {
			out = append(out, vae.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Clear drops every cached listing at once. In-flight fetches started before
// the clear do not repopulate the cache.
func (c *Catalog) Clear() {
	c.mu.Lock()
	c.generation++
	c.models = make(map[cacheKey][]ModelRef)
	c.schedulers = nil
	c.vaes = nil
	c.vaesLoaded = false
	c.mu.Unlock()
	c.logger.Info("catalog cache cleared")
}

// EmptyServerCache asks the server to evict its in-memory model cache.
// Failures are logged, not returned.
func (c *Catalog) EmptyServerCache(ctx context.Context) {
	profile, err := c.profiles.Negotiate(ctx)
	if err != nil {
		logging.WarnWithContext(c.logger, "server cache eviction skipped", "model_cache_evict_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "server keeps models resident"),
		)
		return
	}
	resp, err := c.client.Do(ctx, invokeai.Request{Method: http.MethodPost, Path: profile.EmptyCachePath()})
	if err == nil && !resp.OK() {
		err = invokeai.NewStatusError(http.MethodPost, profile.EmptyCachePath(), resp)
	}
	if err != nil {
		logging.WarnWithContext(c.logger, "server cache eviction failed", "model_cache_evict_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "server keeps models resident"),
		)
		return
	}
	c.logger.Info("server model cache emptied")
}

func cloneRefs(in []ModelRef) []ModelRef {
	out := make([]ModelRef, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func nonNil(models []ModelRef) []ModelRef {
	if models == nil {
		return []ModelRef{}
	}
	return models
}
