package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/tradesync/internal/router"
)

// WriterConfig configures batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// WriterMetrics are cumulative writer counters.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Recorder receives per-flush metrics.
type Recorder interface {
	ObserveBatch(writer string, rows int)
	IncWriterErrors(writer string)
}

// Option configures a Writer.
type Option func(*options)

type options struct {
	recorder Recorder
}

// WithRecorder attaches flush metrics.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// queueFunc appends the insert for one item to a batch.
type queueFunc[T any] func(b *pgx.Batch, item T)

// Writer drains a router buffer into batched inserts.
type Writer[T any] struct {
	name     string
	cfg      WriterConfig
	logger   *slog.Logger
	input    *router.GrowableBuffer[T]
	db       BatchSender
	queue    queueFunc[T]
	recorder Recorder

	batch       []T
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

func newWriter[T any](
	name string,
	cfg WriterConfig,
	input *router.GrowableBuffer[T],
	db BatchSender,
	queue queueFunc[T],
	logger *slog.Logger,
	opts ...Option,
) *Writer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Writer[T]{
		name:     name,
		cfg:      cfg,
		logger:   logger.With("component", "writer", "writer", name),
		input:    input,
		db:       db,
		queue:    queue,
		recorder: o.recorder,
		batch:    make([]T, 0, cfg.BatchSize),
	}
}

// Start begins consuming the buffer.
func (w *Writer[T]) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts down the writer and flushes what remains, bounded by ctx.
func (w *Writer[T]) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	// Pick up anything sent after the consumer exited.
	w.append(w.input.DrainTo(0))
	err := w.flush(ctx)

	w.logger.Info("writer stopped", "inserts", w.Stats().Inserts)
	return err
}

// Stats returns current counters.
func (w *Writer[T]) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer[T]) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case _, ok := <-w.input.Ready():
			w.add(w.input.DrainTo(0))
			if !ok {
				return
			}
		}
	}
}

func (w *Writer[T]) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends items and flushes once a batch is full.
func (w *Writer[T]) add(items []T) {
	if w.append(items) {
		w.flush(w.ctx)
	}
}

// append reports whether the pending batch is full.
func (w *Writer[T]) append(items []T) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, items...)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the pending rows in chunks of BatchSize.
func (w *Writer[T]) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	rows := w.batch
	w.batch = make([]T, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	var firstErr error
	for len(rows) > 0 {
		n := min(len(rows), w.cfg.BatchSize)
		if err := w.write(ctx, rows[:n]); err != nil && firstErr == nil {
			firstErr = err
		}
		rows = rows[n:]
	}
	return firstErr
}

func (w *Writer[T]) write(ctx context.Context, rows []T) error {
	start := time.Now()

	conflicts, err := w.batchInsert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		if w.recorder != nil {
			w.recorder.IncWriterErrors(w.name)
		}
		return fmt.Errorf("%s writer: %w", w.name, err)
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()
	if w.recorder != nil {
		w.recorder.ObserveBatch(w.name, len(rows)-conflicts)
	}

	w.logger.Debug("flushed batch",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert sends one pgx.Batch and counts rows that hit a conflict.
func (w *Writer[T]) batchInsert(ctx context.Context, rows []T) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		w.queue(batch, r)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
