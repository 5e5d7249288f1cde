package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/cad-convertor/internal/api/handler"
)

// Options holds router settings that are not handler dependencies
type Options struct {
	CORSOrigins []string

	RateLimitEnabled  bool
	RequestsPerSecond float64
	Burst             int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	systemHandler := handler.NewSystemHandler(deps)
	convertHandler := handler.NewConvertHandler(deps)

	// GET /health - Readiness and admission state
	r.GET("/health", systemHandler.Health)

	// GET /formats - Supported formats and conversion pairs
	r.GET("/formats", systemHandler.Formats)

	// POST /convert - Convert an uploaded CAD file
	convert := []gin.HandlerFunc{convertHandler.Convert}
	if opts.RateLimitEnabled {
		convert = append([]gin.HandlerFunc{RateLimitMiddleware(opts.RequestsPerSecond, opts.Burst, deps.Logger, deps.Recorder)}, convert...)
	}
	r.POST("/convert", convert...)

	// History is only served when audit records are kept in a database
	if deps.AuditStore != nil {
		historyHandler := handler.NewHistoryHandler(deps)

		v1 := r.Group("/api/v1")
		{
			conversions := v1.Group("/conversions")
			{
				// GET /api/v1/conversions - List conversions with filtering and pagination
				conversions.GET("", historyHandler.ListConversions)

				// GET /api/v1/conversions/:request_id - Get one conversion record
				conversions.GET("/:request_id", historyHandler.GetConversion)
			}
		}
	}

	return r
}
