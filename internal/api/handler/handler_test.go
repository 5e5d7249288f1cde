package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/cad-convertor/internal/api/dto"
	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/domain"
	"github.com/cuongbtq/cad-convertor/internal/engine"
	"github.com/cuongbtq/cad-convertor/internal/executor"
)

const testRequestID = "11111111-2222-4333-8444-555555555555"

type fakeExecutor struct {
	mu       sync.Mutex
	requests []*domain.ConversionRequest
	result   func(req *domain.ConversionRequest) *domain.ConversionResult
	stats    executor.Stats
}

func (f *fakeExecutor) Execute(_ context.Context, req *domain.ConversionRequest) *domain.ConversionResult {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.result != nil {
		return f.result(req)
	}
	return &domain.ConversionResult{
		JobID:  "job-1",
		Format: req.To,
		Data:   []byte("solid converted\nendsolid converted\n"),
	}
}

func (f *fakeExecutor) Stats() executor.Stats {
	return f.stats
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (f *fakeRecorder) Record(_ context.Context, r *audit.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

type fakePairs []engine.Pair

func (f fakePairs) Pairs() []engine.Pair { return f }

type testEnv struct {
	router   *gin.Engine
	executor *fakeExecutor
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T, maxUpload int64, store AuditStore) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		executor: &fakeExecutor{stats: executor.Stats{MaxConcurrent: 2, QueueDepth: 8, Accepting: true}},
		recorder: &fakeRecorder{},
	}
	deps := &Dependencies{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Executor:      env.executor,
		Engine:        fakePairs{{From: domain.FormatSTEP, To: domain.FormatSTL}},
		Recorder:      env.recorder,
		AuditStore:    store,
		MaxUploadSize: maxUpload,
		ServiceName:   "cad-convertor",
		Version:       "test",
	}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(RequestIDKey, testRequestID)
		c.Next()
	})

	convert := NewConvertHandler(deps)
	system := NewSystemHandler(deps)
	r.POST("/convert", convert.Convert)
	r.GET("/health", system.Health)
	r.GET("/formats", system.Formats)
	if store != nil {
		history := NewHistoryHandler(deps)
		r.GET("/api/v1/conversions", history.ListConversions)
		r.GET("/api/v1/conversions/:request_id", history.GetConversion)
	}

	env.router = r
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestConvert_MultipartStepToSTL(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)
	source := bytes.Repeat([]byte("ISO-10303-21;"), 800) // ~10KB

	body, contentType := multipartBody(t, "bracket.step", source, nil)
	req := httptest.NewRequest(http.MethodPost, "/convert?target=stl", body)
	req.Header.Set("Content-Type", contentType)

	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "model/stl", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=bracket.stl", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "job-1", w.Header().Get("X-Job-ID"))
	assert.Contains(t, w.Body.String(), "solid converted")

	require.Equal(t, 1, env.executor.calls())
	got := env.executor.requests[0]
	assert.Equal(t, domain.FormatSTEP, got.From)
	assert.Equal(t, domain.FormatSTL, got.To)
	assert.Equal(t, source, got.Source)

	require.Len(t, env.recorder.records, 1)
	rec := env.recorder.records[0]
	assert.Equal(t, testRequestID, rec.RequestID)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, audit.OutcomeSucceeded, rec.Outcome)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, "step", rec.SourceFormat)
	assert.Equal(t, "stl", rec.TargetFormat)
	assert.Equal(t, int64(len(source)), rec.InputBytes)
	assert.Equal(t, int64(w.Body.Len()), rec.OutputBytes)
	assert.NoError(t, rec.Validate())
}

func TestConvert_MultipartFormFields(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)

	body, contentType := multipartBody(t, "upload.bin", []byte("mesh data"), map[string]string{
		"target":    "STP",
		"source":    "obj",
		"tolerance": "0.5",
	})
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", contentType)

	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "model/step", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=upload.step", w.Header().Get("Content-Disposition"))

	got := env.executor.requests[0]
	assert.Equal(t, domain.FormatOBJ, got.From)
	assert.Equal(t, domain.FormatSTEP, got.To)
	assert.Equal(t, 0.5, got.Options.Tolerance)
}

func TestConvert_RawBody(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)

	req := httptest.NewRequest(http.MethodPost, "/convert?target=stl&source=iges", strings.NewReader("IGES data"))
	req.Header.Set("Content-Type", "application/octet-stream")

	w := env.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "attachment; filename=converted.stl", w.Header().Get("Content-Disposition"))
	assert.Equal(t, []byte("IGES data"), env.executor.requests[0].Source)
}

func TestConvert_Errors(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		body        string
		maxUpload   int64
		result      *domain.ConversionResult
		wantStatus  int
		wantKind    domain.ErrorKind
		wantExecute bool
	}{
		{
			name:       "unsupported target",
			url:        "/convert?target=unsupported_ext&source=step",
			body:       "data",
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   domain.KindUnsupportedFormat,
		},
		{
			name:       "unsupported source",
			url:        "/convert?target=stl&source=dwg",
			body:       "data",
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   domain.KindUnsupportedFormat,
		},
		{
			name:       "missing target",
			url:        "/convert?source=step",
			body:       "data",
			wantStatus: http.StatusBadRequest,
			wantKind:   domain.KindInvalidInput,
		},
		{
			name:       "missing source without filename",
			url:        "/convert?target=stl",
			body:       "data",
			wantStatus: http.StatusBadRequest,
			wantKind:   domain.KindInvalidInput,
		},
		{
			name:       "tolerance out of range",
			url:        "/convert?target=stl&source=step&tolerance=50",
			body:       "data",
			wantStatus: http.StatusBadRequest,
			wantKind:   domain.KindInvalidInput,
		},
		{
			name:       "tolerance not a number",
			url:        "/convert?target=stl&source=step&tolerance=fine",
			body:       "data",
			wantStatus: http.StatusBadRequest,
			wantKind:   domain.KindInvalidInput,
		},
		{
			name:       "payload too large",
			url:        "/convert?target=stl&source=step",
			body:       strings.Repeat("x", 2048),
			maxUpload:  1024,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantKind:   domain.KindPayloadTooLarge,
		},
		{
			name:        "engine failure",
			url:         "/convert?target=stl&source=step",
			body:        "data",
			result:      domain.Failed("job-9", domain.NewError(domain.KindEngineFailure, "engine exited with status 1", nil)),
			wantStatus:  http.StatusInternalServerError,
			wantKind:    domain.KindEngineFailure,
			wantExecute: true,
		},
		{
			name:        "timeout",
			url:         "/convert?target=stl&source=step",
			body:        "data",
			result:      domain.Failed("job-9", domain.NewError(domain.KindTimeout, "conversion exceeded 2m0s", nil)),
			wantStatus:  http.StatusGatewayTimeout,
			wantKind:    domain.KindTimeout,
			wantExecute: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit := tt.maxUpload
			if limit == 0 {
				limit = 1 << 20
			}
			env := newTestEnv(t, limit, nil)
			if tt.result != nil {
				env.executor.result = func(*domain.ConversionRequest) *domain.ConversionResult { return tt.result }
			}

			req := httptest.NewRequest(http.MethodPost, tt.url, strings.NewReader(tt.body))
			w := env.do(req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			resp := decodeError(t, w)
			assert.Equal(t, string(tt.wantKind), resp.ErrorKind)
			assert.NotEmpty(t, resp.Message)
			assert.Empty(t, w.Header().Get("Retry-After"))

			if tt.wantExecute {
				assert.Equal(t, 1, env.executor.calls())
			} else {
				assert.Zero(t, env.executor.calls())
			}

			require.Len(t, env.recorder.records, 1)
			rec := env.recorder.records[0]
			assert.Equal(t, string(tt.wantKind), rec.Outcome)
			assert.Equal(t, tt.wantStatus, rec.StatusCode)
			assert.Equal(t, resp.Message, rec.Message)
		})
	}
}

func TestConvert_Backpressure(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)
	env.executor.result = func(*domain.ConversionRequest) *domain.ConversionResult {
		return domain.Failed("", domain.NewError(domain.KindBackpressure, "too many conversions in progress", domain.ErrQueueFull))
	}

	req := httptest.NewRequest(http.MethodPost, "/convert?target=stl&source=step", strings.NewReader("data"))
	w := env.do(req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Equal(t, string(domain.KindBackpressure), decodeError(t, w).ErrorKind)
	require.Len(t, env.recorder.records, 1)
	assert.Empty(t, env.recorder.records[0].JobID)
}

func TestConvert_MultipartWithoutFile(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("target", "stl"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/convert", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := env.do(req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(domain.KindInvalidInput), decodeError(t, w).ErrorKind)
}

func TestConvert_MultipartTooLarge(t *testing.T) {
	env := newTestEnv(t, 1024, nil)

	body, contentType := multipartBody(t, "big.step", bytes.Repeat([]byte("x"), 4096), nil)
	req := httptest.NewRequest(http.MethodPost, "/convert?target=stl", body)
	req.Header.Set("Content-Type", contentType)
	w := env.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, env.executor.calls())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)
	env.executor.stats.Running = 1
	env.executor.stats.Queued = 3

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "cad-convertor", resp.Service)
	assert.Equal(t, 1, resp.Executor.Running)
	assert.Equal(t, 3, resp.Executor.Queued)
	assert.Equal(t, 2, resp.Executor.MaxConcurrentJobs)
	assert.True(t, resp.Executor.Accepting)

	env.executor.stats.Accepting = false
	w = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusDraining, resp.Status)

	assert.Empty(t, env.recorder.records, "health checks are not audited")
}

func TestFormats(t *testing.T) {
	env := newTestEnv(t, 1<<20, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/formats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.FormatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Formats, len(domain.SupportedFormats()))
	assert.Equal(t, dto.FormatDTO{Name: "brep", Extension: ".brep", ContentType: "model/x-brep", Geometry: "shape"}, resp.Formats[0])
	assert.Equal(t, []dto.PairDTO{{From: "step", To: "stl"}}, resp.Pairs)
}
