package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/cad-convertor/internal/api/dto"
	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/audit/storage"
	"github.com/cuongbtq/cad-convertor/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListConversions handles GET /api/v1/conversions
// Lists audit records newest first with optional filtering and cursor pagination
func (h *HistoryHandler) ListConversions(c *gin.Context) {
	var req dto.ListConversionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		writeError(c, domain.NewError(domain.KindInvalidInput, "invalid query parameters", err))
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeRecordCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		writeError(c, domain.NewError(domain.KindInvalidInput, "invalid cursor", err))
		return
	}

	filter := storage.RecordFilter{
		Outcome:      req.Outcome,
		SourceFormat: req.SourceFormat,
		TargetFormat: req.TargetFormat,
		PageSize:     req.PageSize,
		Cursor:       cursor,
	}

	records, err := h.store.ListRecords(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list conversions", slog.String("error", err.Error()))
		writeError(c, domain.NewError(domain.KindInternal, "failed to list conversions", err))
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	conversions := make([]dto.ConversionDTO, len(records))
	for i := range records {
		conversions[i] = toConversionDTO(&records[i])
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeRecordCursor(&storage.RecordCursor{
			CreatedAt: last.CreatedAt,
			RequestID: last.RequestID,
		})
	}

	c.JSON(http.StatusOK, dto.ListConversionsResponse{
		Conversions: conversions,
		NextCursor:  nextCursor,
	})
}

// GetConversion handles GET /api/v1/conversions/:request_id
func (h *HistoryHandler) GetConversion(c *gin.Context) {
	requestID := c.Param("request_id")

	rec, err := h.store.GetRecord(c.Request.Context(), requestID)
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			ErrorKind: "NotFound",
			Message:   "conversion not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get conversion",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		writeError(c, domain.NewError(domain.KindInternal, "failed to get conversion", err))
		return
	}

	c.JSON(http.StatusOK, toConversionDTO(rec))
}

func toConversionDTO(r *audit.Record) dto.ConversionDTO {
	return dto.ConversionDTO{
		RequestID:    r.RequestID,
		JobID:        r.JobID,
		Outcome:      r.Outcome,
		StatusCode:   r.StatusCode,
		SourceFormat: r.SourceFormat,
		TargetFormat: r.TargetFormat,
		InputBytes:   r.InputBytes,
		OutputBytes:  r.OutputBytes,
		DurationMS:   r.DurationMS,
		Message:      r.Message,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339Nano),
	}
}
