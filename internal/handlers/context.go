package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/broadbio/dataregistry/internal/middleware"
)

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

func currentUserID(c *gin.Context) string {
	return c.GetString(middleware.CtxUserIDKey)
}

func currentUsername(c *gin.Context) string {
	return c.GetString(middleware.CtxUsernameKey)
}
