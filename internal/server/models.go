package server

import (
	"net/http"

	"github.com/plexushq/plexus/internal/router"
)

// modelList is the OpenAI-compatible /v1/models response shape.
type modelList struct {
	Object string             `json:"object"`
	Data   []router.ModelInfo `json:"data"`
}

// handleListModels returns the configured model alias catalog.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data:   s.deps.Router.ListModels(),
	})
}
