package handlers

import (
	"encoding/json"
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/broadbio/dataregistry/internal/colmap"
	"github.com/broadbio/dataregistry/internal/services"
	"github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/response"
	"github.com/broadbio/dataregistry/pkg/validator"
)

type AdmissionHandler struct {
	svc *services.AdmissionService
}

func NewAdmissionHandler(svc *services.AdmissionService) (*AdmissionHandler, error) {
	if svc == nil {
		return nil, errors.New("INVALID_ARGUMENT", "admission service must be provided", http.StatusInternalServerError)
	}
	return &AdmissionHandler{svc: svc}, nil
}

// POST /api/datasets
//
// The request is multipart: a "payload" part carrying the metadata and column
// map as JSON, and a "file" part carrying the summary-statistics file.
func (h *AdmissionHandler) Admit(c *gin.Context) {
	payload := c.PostForm("payload")
	if payload == "" {
		response.ValidationFailed(c, []string{"you must specify payload"})
		return
	}

	var input services.AdmitInput
	if err := json.Unmarshal([]byte(payload), &input); err != nil {
		response.ValidationFailed(c, []string{"payload is not valid JSON"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.ValidationFailed(c, []string{"you must specify file"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}
	defer file.Close()

	input.Filename = fileHeader.Filename
	input.File = file

	dataset, err := h.svc.Admit(requestContext(c), currentUserID(c), input)
	if err != nil {
		var fieldErrs validator.ValidationErrors
		if goerrors.As(err, &fieldErrs) {
			response.ValidationFailed(c, fieldErrs.Messages())
			return
		}
		var mapErr *colmap.ValidationError
		if goerrors.As(err, &mapErr) {
			response.ValidationFailed(c, mapErr.Violations)
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dataset)
}
