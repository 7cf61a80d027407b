package invokeai

import (
	"net/url"
	"strings"
)

// ServerProfile is the negotiated API shape. It is either absent or fully set.
type ServerProfile struct {
	Version        string `json:"version"`
	ModelsEndpoint string `json:"models_endpoint"`
	BaseModelParam string `json:"base_model_param"`
}

// ModelsQuery builds the listing query for the negotiated parameter name.
// Empty filters are omitted.
func (p ServerProfile) ModelsQuery(base, modelType string) url.Values {
	query := url.Values{}
	if base = strings.TrimSpace(base); base != "" {
		query.Set(p.BaseModelParam, base)
	}
	if modelType = strings.TrimSpace(modelType); modelType != "" {
		query.Set("model_type", modelType)
	}
	return query
}

// EmptyCachePath is the server's model-cache eviction endpoint.
func (p ServerProfile) EmptyCachePath() string {
	return p.ModelsEndpoint + "empty_model_cache"
}
