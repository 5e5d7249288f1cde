package handler

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/cad-convertor/internal/api/dto"
	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/domain"
)

// RetryAfterSeconds is the hint sent with Backpressure responses
const RetryAfterSeconds = 5

// Convert handles POST /convert
// Converts the uploaded CAD file to the target format and streams the result back
func (h *ConvertHandler) Convert(c *gin.Context) {
	start := time.Now()
	rec := &audit.Record{
		RequestID: requestID(c),
		ClientIP:  c.ClientIP(),
		CreatedAt: start.UTC(),
	}

	result, filename, err := h.convert(c, rec)
	if err == nil && result.Err != nil {
		err = result.Err
	}

	if err != nil {
		convErr := domain.AsConversionError(err)
		h.writeError(c, convErr)

		rec.Outcome = string(convErr.Kind)
		rec.StatusCode = convErr.Kind.HTTPStatus()
		rec.Message = convErr.Message
	} else {
		c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		c.Header("X-Job-ID", result.JobID)
		c.Data(http.StatusOK, result.Format.ContentType(), result.Data)

		rec.Outcome = audit.OutcomeSucceeded
		rec.StatusCode = http.StatusOK
		rec.OutputBytes = int64(len(result.Data))
	}
	if result != nil {
		rec.JobID = result.JobID
	}
	rec.DurationMS = time.Since(start).Milliseconds()

	// The client may be gone; the audit record is written regardless
	if err := h.recorder.Record(context.WithoutCancel(c.Request.Context()), rec); err != nil {
		h.logger.Error("Failed to record conversion audit",
			slog.String("request_id", rec.RequestID),
			slog.String("error", err.Error()),
		)
	}
}

// convert parses the request and runs the job, filling in the audit fields
// known along the way. It also returns the download filename.
func (h *ConvertHandler) convert(c *gin.Context, rec *audit.Record) (*domain.ConversionResult, string, error) {
	var params dto.ConvertParams
	if err := c.ShouldBindQuery(&params); err != nil {
		return nil, "", domain.NewError(domain.KindInvalidInput, "invalid query parameters", err)
	}

	// Query parameters are checked before the body is read
	if params.Target != "" {
		if _, err := parseFormat("target", params.Target); err != nil {
			rec.TargetFormat = params.Target
			return nil, "", err
		}
	}

	up, err := readUpload(c.Writer, c.Request, h.maxUploadSize)
	if err != nil {
		return nil, "", err
	}
	rec.InputBytes = int64(len(up.data))
	params = mergeParams(params, up)

	if params.Target == "" {
		return nil, "", domain.NewError(domain.KindInvalidInput, "target format is required", domain.ErrMissingFormat)
	}
	to, err := parseFormat("target", params.Target)
	rec.TargetFormat = string(to)
	if err != nil {
		rec.TargetFormat = params.Target
		return nil, "", err
	}

	from, err := resolveSource(params.Source, params.Filename)
	rec.SourceFormat = string(from)
	if err != nil {
		return nil, "", err
	}

	tolerance, err := parseTolerance(params.Tolerance)
	if err != nil {
		return nil, "", err
	}

	req := &domain.ConversionRequest{
		Source:  up.data,
		From:    from,
		To:      to,
		Options: domain.Options{Tolerance: tolerance, Filename: params.Filename},
	}

	h.logger.Info("Conversion requested",
		slog.String("request_id", rec.RequestID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int64("input_bytes", rec.InputBytes),
	)

	return h.executor.Execute(c.Request.Context(), req), req.OutputName(), nil
}

// mergeParams fills parameters missing from the query with multipart fields
// and the uploaded filename
func mergeParams(p dto.ConvertParams, up *upload) dto.ConvertParams {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = up.fields[key]
		}
	}
	fill(&p.Target, "target")
	fill(&p.Source, "source")
	fill(&p.Tolerance, "tolerance")
	fill(&p.Filename, "filename")

	if p.Filename == "" {
		p.Filename = up.filename
	}
	return p
}

func parseFormat(role, token string) (domain.Format, error) {
	f, err := domain.ParseFormat(token)
	if err != nil {
		return "", domain.NewError(domain.KindUnsupportedFormat, fmt.Sprintf("unsupported %s format %q", role, token), err)
	}
	return f, nil
}

// resolveSource uses the explicit source format, falling back to the
// uploaded filename's extension
func resolveSource(source, filename string) (domain.Format, error) {
	if source != "" {
		return parseFormat("source", source)
	}

	ext := strings.TrimPrefix(filepath.Ext(strings.ReplaceAll(filename, "\\", "/")), ".")
	if ext == "" {
		return "", domain.NewError(domain.KindInvalidInput,
			"source format is required: pass source= or upload a file with a known extension", domain.ErrMissingFormat)
	}
	return parseFormat("source", ext)
}

func parseTolerance(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	t, err := strconv.ParseFloat(v, 64)
	if err != nil || t <= 0 || t > domain.MaxTolerance {
		return 0, domain.NewError(domain.KindInvalidInput, fmt.Sprintf("tolerance must be a number in (0, %g]", domain.MaxTolerance), err)
	}
	return t, nil
}

func (h *ConvertHandler) writeError(c *gin.Context, convErr *domain.ConversionError) {
	if convErr.Kind == domain.KindBackpressure {
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	writeError(c, convErr)
}

// writeError sends the JSON error body for a classified error
func writeError(c *gin.Context, convErr *domain.ConversionError) {
	c.JSON(convErr.Kind.HTTPStatus(), dto.ErrorResponse{
		ErrorKind: string(convErr.Kind),
		Message:   convErr.Message,
	})
}

func requestID(c *gin.Context) string {
	if id := c.GetString(RequestIDKey); id != "" {
		return id
	}
	return uuid.NewString()
}
