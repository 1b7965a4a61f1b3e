package router

import (
	"github.com/cuongbtq/transfer-manager/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(AccessLogMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	transferHandler := handler.NewTransferHandler(deps)

	r.GET("/health", transferHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		transfers := v1.Group("/transfers")
		{
			// POST /api/v1/transfers - Submit a transfer
			transfers.POST("", transferHandler.CreateTransfer)

			// GET /api/v1/transfers - List transfers with filtering and pagination
			transfers.GET("", transferHandler.ListTransfers)

			// GET /api/v1/transfers/:job_id - Get transfer details
			transfers.GET("/:job_id", transferHandler.GetTransfer)
		}
	}

	return r
}
