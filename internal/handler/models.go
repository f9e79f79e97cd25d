package handler

import (
	"net/http"

	"open3/internal/httputil"
	"open3/internal/service/llm/catalog"
)

// ModelsHandler exposes the model catalog to clients.
type ModelsHandler struct {
	registry *catalog.Registry
}

// NewModelsHandler creates a new models handler.
func NewModelsHandler(registry *catalog.Registry) *ModelsHandler {
	return &ModelsHandler{registry: registry}
}

// ListModels returns every model the service can stream from
// GET /api/models
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, h.registry.ListModels())
}
