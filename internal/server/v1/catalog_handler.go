package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/novel-gateway/internal/config"
	"github.com/nulzo/novel-gateway/internal/gateway"
	"github.com/nulzo/novel-gateway/internal/llm"
	"github.com/nulzo/novel-gateway/pkg/api"
)

type CatalogHandler struct {
	response api.ProvidersResponse
}

// NewCatalogHandler renders the catalog once; endpoints, profiles and tasks are
// fixed for the life of the process.
func NewCatalogHandler(endpoints llm.Endpoints, profiles []config.Profile) *CatalogHandler {
	resp := api.ProvidersResponse{
		Providers: make([]api.ProviderInfo, 0, len(endpoints)),
		Profiles:  make([]api.ProfileInfo, 0, len(profiles)),
	}

	for _, id := range endpoints.IDs() {
		ep := endpoints[id]
		resp.Providers = append(resp.Providers, api.ProviderInfo{
			ID:           string(id),
			Family:       string(ep.Family),
			BaseURL:      ep.BaseURL,
			DefaultModel: ep.DefaultModel,
			Moderated:    ep.Moderated,
			RequiresKey:  ep.RequiresKey,
		})
	}

	for _, p := range profiles {
		resp.Profiles = append(resp.Profiles, api.ProfileInfo{
			ID:       p.ID,
			Provider: string(p.Provider),
			Model:    p.Model,
		})
	}

	for _, spec := range gateway.Catalog() {
		info := api.TaskInfo{Kind: string(spec.Kind), Mode: string(spec.Mode), Shape: string(spec.Shape)}
		if spec.Schema != nil {
			if raw, err := json.Marshal(spec.Schema); err == nil {
				info.Schema = raw
			}
		}
		resp.Tasks = append(resp.Tasks, info)
	}

	return &CatalogHandler{response: resp}
}

func (h *CatalogHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, h.response)
}
