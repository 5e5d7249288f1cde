package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/worker/domain"
)

// Consumer delivers audit events from the broker
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Consumer      Consumer
	Store         audit.Store
	WorkerID      string
	Concurrency   int
	InsertTimeout time.Duration
	RequeueDelay  time.Duration
}

// Worker consumes conversion audit events and stores them
type Worker struct {
	logger        *slog.Logger
	consumer      Consumer
	store         audit.Store
	workerID      string
	concurrency   int
	insertTimeout time.Duration
	requeueDelay  time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	jobsChan chan *domain.AuditMessage
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Consumer == nil || cfg.Store == nil {
		return nil, fmt.Errorf("worker requires a consumer and a store")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("worker concurrency must be greater than 0")
	}

	return &Worker{
		logger:        cfg.Logger,
		consumer:      cfg.Consumer,
		store:         cfg.Store,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		insertTimeout: cfg.InsertTimeout,
		requeueDelay:  cfg.RequeueDelay,
		stopChan:      make(chan struct{}),
		jobsChan:      make(chan *domain.AuditMessage),
	}, nil
}

// Start consumes events until ctx is canceled or the broker closes the
// delivery channel. It returns once the dispatcher has stopped; call Stop to
// wait for in-flight inserts.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting audit worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("insert_timeout", w.insertTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if err := w.startMessageDispatcher(ctx, deliveries); err != nil {
		return err
	}
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop cancels the consumer and waits for the pool to finish in-flight events
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")

		if err := w.consumer.Cancel(w.workerID); err != nil && !errors.Is(err, amqp.ErrClosed) {
			w.logger.Warn("Failed to cancel consumer",
				slog.String("worker_id", w.workerID),
				slog.String("error", err.Error()),
			)
		}

		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
