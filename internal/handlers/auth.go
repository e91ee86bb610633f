package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	iauth "github.com/broadbio/dataregistry/internal/auth"
	"github.com/broadbio/dataregistry/internal/models"
	"github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/response"
)

type AuthHandler struct {
	db  *gorm.DB
	svc *iauth.AuthService
}

func NewAuthHandler(db *gorm.DB, jwtService *iauth.JWTService) (*AuthHandler, error) {
	svc, err := iauth.NewAuthService(db, jwtService)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{db: db, svc: svc}, nil
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}

	result, err := h.svc.Login(requestContext(c), req.Username, req.Password)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	var user models.User
	err := h.db.WithContext(requestContext(c)).
		Preload("Roles").
		Preload("Groups").
		First(&user, "id = ?", currentUserID(c)).Error
	if err != nil {
		response.Error(c, errors.ErrNotFound)
		return
	}
	user.Password = ""
	response.Success(c, http.StatusOK, user)
}
