package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/internal/services"
	"github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/response"
)

type DatasetHandler struct {
	svc *services.DatasetService
}

func NewDatasetHandler(svc *services.DatasetService) (*DatasetHandler, error) {
	if svc == nil {
		return nil, errors.New("INVALID_ARGUMENT", "dataset service must be provided", http.StatusInternalServerError)
	}
	return &DatasetHandler{svc: svc}, nil
}

// GET /api/datasets
func (h *DatasetHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	per, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))

	opts := services.DatasetListOptions{
		Page:     page,
		PageSize: per,
		State:    models.DatasetState(c.Query("state")),
		GroupID:  c.Query("group_id"),
	}

	datasets, total, err := h.svc.List(requestContext(c), currentUserID(c), opts)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, datasets, &response.Meta{
		Page:    page,
		PerPage: per,
		Total:   int(total),
	})
}

// GET /api/datasets/:id
func (h *DatasetHandler) Get(c *gin.Context) {
	dataset, err := h.svc.Get(requestContext(c), currentUserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, dataset)
}

// PATCH /api/datasets/:id
func (h *DatasetHandler) Update(c *gin.Context) {
	var input services.UpdateDatasetInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}

	dataset, err := h.svc.UpdateMetadata(requestContext(c), currentUserID(c), c.Param("id"), input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, dataset)
}

// POST /api/datasets/:id/approve
func (h *DatasetHandler) Approve(c *gin.Context) {
	dataset, err := h.svc.Approve(requestContext(c), currentUserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, dataset)
}

// POST /api/datasets/:id/reject
func (h *DatasetHandler) Reject(c *gin.Context) {
	dataset, err := h.svc.Reject(requestContext(c), currentUserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, dataset)
}

// DELETE /api/datasets/:id
func (h *DatasetHandler) Retire(c *gin.Context) {
	dataset, err := h.svc.Retire(requestContext(c), currentUserID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, dataset)
}
