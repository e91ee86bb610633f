package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/broadbio/dataregistry/internal/pipeline"
	"github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/response"
)

type PipelineHandler struct {
	orchestrator *pipeline.Orchestrator
}

func NewPipelineHandler(orchestrator *pipeline.Orchestrator) (*PipelineHandler, error) {
	if orchestrator == nil {
		return nil, errors.New("INVALID_ARGUMENT", "orchestrator must be provided", http.StatusInternalServerError)
	}
	return &PipelineHandler{orchestrator: orchestrator}, nil
}

type pipelineRunRequest struct {
	// Stages are method[:stage] tokens, executed strictly in order.
	Stages    []string `json:"stages" binding:"required"`
	Reprocess bool     `json:"reprocess"`
}

// POST /api/datasets/:id/pipeline
//
// Runs synchronously: the response carries the per-stage outcomes, including
// stages skipped after the first failure.
func (h *PipelineHandler) Run(c *gin.Context) {
	var req pipelineRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}

	result, err := h.orchestrator.Run(requestContext(c), currentUserID(c), c.Param("id"), req.Stages, req.Reprocess)
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusOK
	if !result.Succeeded {
		status = http.StatusUnprocessableEntity
	}
	response.Success(c, status, result)
}
