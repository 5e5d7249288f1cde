package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/audit/storage"
	"github.com/cuongbtq/cad-convertor/internal/domain"
	"github.com/cuongbtq/cad-convertor/internal/engine"
	"github.com/cuongbtq/cad-convertor/internal/executor"
)

// RequestIDKey is the gin context key holding the request ID
const RequestIDKey = "request_id"

// Executor runs conversions
type Executor interface {
	Execute(ctx context.Context, req *domain.ConversionRequest) *domain.ConversionResult
	Stats() executor.Stats
}

// PairLister reports the supported conversion pairs
type PairLister interface {
	Pairs() []engine.Pair
}

// AuditStore reads the conversion history
type AuditStore interface {
	GetRecord(ctx context.Context, requestID string) (*audit.Record, error)
	ListRecords(ctx context.Context, filter storage.RecordFilter) ([]audit.Record, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Executor      Executor
	Engine        PairLister
	Recorder      audit.Recorder
	AuditStore    AuditStore // nil unless audit records go to a database
	MaxUploadSize int64
	ServiceName   string
	Version       string
}

// ConvertHandler handles conversion uploads
type ConvertHandler struct {
	logger        *slog.Logger
	executor      Executor
	recorder      audit.Recorder
	maxUploadSize int64
}

// NewConvertHandler creates a new ConvertHandler instance
func NewConvertHandler(deps *Dependencies) *ConvertHandler {
	return &ConvertHandler{
		logger:        deps.Logger,
		executor:      deps.Executor,
		recorder:      deps.Recorder,
		maxUploadSize: deps.MaxUploadSize,
	}
}

// SystemHandler serves health and capability endpoints
type SystemHandler struct {
	executor Executor
	engine   PairLister
	service  string
	version  string
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		executor: deps.Executor,
		engine:   deps.Engine,
		service:  deps.ServiceName,
		version:  deps.Version,
	}
}

// HistoryHandler serves the conversion audit history
type HistoryHandler struct {
	logger *slog.Logger
	store  AuditStore
}

// NewHistoryHandler creates a new HistoryHandler instance
func NewHistoryHandler(deps *Dependencies) *HistoryHandler {
	return &HistoryHandler{
		logger: deps.Logger,
		store:  deps.AuditStore,
	}
}
