package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/cad-convertor/internal/api/dto"
	"github.com/cuongbtq/cad-convertor/internal/domain"
)

const (
	StatusOK       = "ok"
	StatusDraining = "draining"
)

// Health handles GET /health
// Reports readiness and admission state; answers 503 once shutdown has begun
func (h *SystemHandler) Health(c *gin.Context) {
	stats := h.executor.Stats()

	resp := dto.HealthResponse{
		Status:  StatusOK,
		Service: h.service,
		Version: h.version,
		Executor: dto.ExecutorStatusDTO{
			Running:           stats.Running,
			Queued:            stats.Queued,
			MaxConcurrentJobs: stats.MaxConcurrent,
			QueueDepth:        stats.QueueDepth,
			Accepting:         stats.Accepting,
		},
	}

	if !stats.Accepting {
		resp.Status = StatusDraining
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Formats handles GET /formats
func (h *SystemHandler) Formats(c *gin.Context) {
	supported := domain.SupportedFormats()
	formats := make([]dto.FormatDTO, len(supported))
	for i, f := range supported {
		formats[i] = dto.FormatDTO{
			Name:        f.String(),
			Extension:   f.Extension(),
			ContentType: f.ContentType(),
			Geometry:    string(f.Kind()),
		}
	}

	enginePairs := h.engine.Pairs()
	pairs := make([]dto.PairDTO, len(enginePairs))
	for i, p := range enginePairs {
		pairs[i] = dto.PairDTO{From: p.From.String(), To: p.To.String()}
	}

	c.JSON(http.StatusOK, dto.FormatsResponse{
		Formats: formats,
		Pairs:   pairs,
	})
}
