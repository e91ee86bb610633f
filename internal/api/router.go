package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/broadbio/dataregistry/internal/auth"
	"github.com/broadbio/dataregistry/internal/handlers"
	"github.com/broadbio/dataregistry/internal/middleware"
	"github.com/broadbio/dataregistry/internal/permissions"
	"github.com/broadbio/dataregistry/internal/pipeline"
	"github.com/broadbio/dataregistry/internal/services"
)

// Dependencies carries the constructed services the router mounts.
type Dependencies struct {
	DB           *gorm.DB
	JWT          *iauth.JWTService
	Checker      *permissions.Checker
	Datasets     *services.DatasetService
	Admissions   *services.AdmissionService
	Orchestrator *pipeline.Orchestrator
}

// NewRouter builds the Gin engine, wires middleware and registers the routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Checker == nil {
		return nil, fmt.Errorf("permission checker must be provided")
	}
	if deps.Datasets == nil || deps.Admissions == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("dataset, admission and pipeline services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.NoRoute(middleware.NotFoundHandler)

	// Health and metrics endpoints (public)
	r.GET("/health", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler, err := handlers.NewAuthHandler(deps.DB, deps.JWT)
	if err != nil {
		return nil, err
	}
	datasetHandler, err := handlers.NewDatasetHandler(deps.Datasets)
	if err != nil {
		return nil, err
	}
	admissionHandler, err := handlers.NewAdmissionHandler(deps.Admissions)
	if err != nil {
		return nil, err
	}
	pipelineHandler, err := handlers.NewPipelineHandler(deps.Orchestrator)
	if err != nil {
		return nil, err
	}
	auditHandler, err := handlers.NewAuditHandler(deps.DB)
	if err != nil {
		return nil, err
	}

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/login", authHandler.Login)
	}

	// Protected routes
	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))

	api.GET("/auth/me", authHandler.Me)

	// Datasets. Group-scoped permission checks happen in the services, where
	// the owning group of the dataset is known.
	datasets := api.Group("/datasets")
	{
		datasets.GET("", datasetHandler.List)
		datasets.POST("", admissionHandler.Admit)
		datasets.GET("/:id", datasetHandler.Get)
		datasets.PATCH("/:id", datasetHandler.Update)
		datasets.POST("/:id/approve", datasetHandler.Approve)
		datasets.POST("/:id/reject", datasetHandler.Reject)
		datasets.DELETE("/:id", datasetHandler.Retire)
		datasets.POST("/:id/pipeline", pipelineHandler.Run)
	}

	// Audit log is registry-wide and needs the group-agnostic admin permission.
	api.GET("/audit",
		middleware.RequirePermission(deps.Checker, permissions.ManageUsers),
		auditHandler.List)

	return r, nil
}
