package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/broadbio/dataregistry/pkg/errors"
	"github.com/broadbio/dataregistry/pkg/response"
)

// Health returns a status payload useful for readiness checks. It pings the
// database so a wedged connection pool shows up here first.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(requestContext(c)) != nil {
			response.Error(c, errors.ErrInternalServer)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
