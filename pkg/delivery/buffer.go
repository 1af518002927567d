// Package delivery batches row events by size and age and hands each sealed
// batch to the destination writer, retrying within a bounded window and
// falling back to the backup store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// ErrorTypeShutdown labels batches sent to backup because the drain deadline
// passed.
const ErrorTypeShutdown = "shutdown"

// Config holds the buffer thresholds and timeouts.
type Config struct {
	MaxBytes int
	// MaxBufferedBytes bounds the rows held across the open, queued and
	// in-flight batches. Add still accepts rows past it; callers check
	// Saturated before reading more.
	MaxBufferedBytes int
	MaxInterval      time.Duration
	RetryWindow      time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	WriteTimeout     time.Duration
	BackupTimeout    time.Duration
}

// State is what the flush task is doing.
type State int32

const (
	StateAccumulating State = iota
	StateFlushing
	StateBackingUp
)

func (s State) String() string {
	switch s {
	case StateFlushing:
		return "FLUSHING"
	case StateBackingUp:
		return "BACKING_UP"
	default:
		return "ACCUMULATING"
	}
}

// Item is one row with the message it came from.
type Item = types.BatchedMessage[types.RowEvent]

// Batch is a bounded, ordered group of rows flushed together exactly once.
type Batch struct {
	ID        string
	Items     []*Item
	SizeBytes int
	OpenedAt  time.Time
	SealedAt  time.Time
}

// Rows returns the row events of the batch in order.
func (b *Batch) Rows() []*types.RowEvent {
	rows := make([]*types.RowEvent, len(b.Items))
	for i, it := range b.Items {
		rows[i] = it.Payload
	}
	return rows
}

// Buffer accumulates rows into batches and delivers them from a single
// flush goroutine. Add never waits for a flush.
type Buffer struct {
	cfg     Config
	writer  sink.Writer
	backup  sink.BackupWriter
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	current  *Batch
	timer    *time.Timer
	queue    []*Batch
	inflight *Batch
	buffered int
	stopping bool

	notify   chan struct{}
	state    atomic.Int32
	abortCtx context.Context
	abort    context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewBuffer creates a buffer delivering to writer with backup as fallback.
func NewBuffer(cfg Config, writer sink.Writer, backup sink.BackupWriter, m *metrics.Metrics, logger zerolog.Logger) (*Buffer, error) {
	if writer == nil {
		return nil, errors.New("delivery buffer needs a writer")
	}
	if backup == nil {
		return nil, errors.New("delivery buffer needs a backup writer")
	}
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("delivery max bytes must be positive")
	}
	if cfg.MaxInterval <= 0 {
		return nil, errors.New("delivery max interval must be positive")
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = 4 * cfg.MaxBytes
	}
	if cfg.MaxBufferedBytes < cfg.MaxBytes {
		return nil, errors.New("delivery max buffered bytes must be at least max bytes")
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = 2 * time.Minute
	}
	abortCtx, abort := context.WithCancel(context.Background())
	return &Buffer{
		cfg:      cfg,
		writer:   writer,
		backup:   backup,
		metrics:  m,
		logger:   logger.With().Str("component", "DeliveryBuffer").Logger(),
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		abortCtx: abortCtx,
		abort:    abort,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the flush goroutine.
func (b *Buffer) Start() {
	b.logger.Info().
		Int("max_bytes", b.cfg.MaxBytes).
		Int("max_buffered_bytes", b.cfg.MaxBufferedBytes).
		Dur("max_interval", b.cfg.MaxInterval).
		Dur("retry_window", b.cfg.RetryWindow).
		Msg("Starting delivery buffer...")
	go b.flushLoop()
}

// State reports what the flush task is doing.
func (b *Buffer) State() State {
	return State(b.state.Load())
}

// Saturated reports whether the rows not yet delivered or backed up have
// reached MaxBufferedBytes.
func (b *Buffer) Saturated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered >= b.cfg.MaxBufferedBytes
}

// Add appends items to the open batch, sealing it once its size reaches
// MaxBytes. Items added after Stop are Nacked.
func (b *Buffer) Add(items ...*Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		b.logger.Error().Int("rows", len(items)).Msg("Rows added after stop, Nacking.")
		for _, it := range items {
			nack(it)
		}
		return
	}
	for _, it := range items {
		if b.current == nil {
			b.openLocked()
		}
		size := it.Payload.SizeBytes()
		b.current.Items = append(b.current.Items, it)
		b.current.SizeBytes += size
		b.buffered += size
		if b.current.SizeBytes >= b.cfg.MaxBytes {
			b.sealLocked()
		}
	}
	b.metrics.SetBufferedBytes(b.buffered)
}

func (b *Buffer) openLocked() {
	id := uuid.NewString()
	b.current = &Batch{ID: id, OpenedAt: b.now()}
	b.timer = time.AfterFunc(b.cfg.MaxInterval, func() { b.sealByID(id) })
}

// sealByID seals the open batch if it is still the one the timer was armed for.
func (b *Buffer) sealByID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil && b.current.ID == id {
		b.logger.Debug().Str("batch_id", id).Msg("Batch reached max interval, sealing.")
		b.sealLocked()
	}
}

func (b *Buffer) sealLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.current
	b.current = nil
	if batch == nil || len(batch.Items) == 0 {
		return
	}
	batch.SealedAt = b.now()
	b.queue = append(b.queue, batch)
	b.metrics.BatchSealed(len(batch.Items))
	b.signal()
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer) flushLoop() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			finished := b.stopping && b.current == nil
			b.mu.Unlock()
			if finished {
				return
			}
			<-b.notify
			continue
		}
		batch := b.queue[0]
		b.queue = b.queue[1:]
		b.inflight = batch
		b.mu.Unlock()

		b.deliver(batch)

		b.mu.Lock()
		b.inflight = nil
		b.buffered -= batch.SizeBytes
		b.metrics.SetBufferedBytes(b.buffered)
		b.mu.Unlock()
	}
}

// deliver writes one batch, retrying within its budget, and ends with every
// item settled: Ack on delivery or backup, Nack if backup also failed.
func (b *Buffer) deliver(batch *Batch) {
	defer b.state.Store(int32(StateAccumulating))
	b.state.Store(int32(StateFlushing))
	rows := batch.Rows()
	log := b.logger.With().Str("batch_id", batch.ID).Int("rows", len(rows)).Int("bytes", batch.SizeBytes).Logger()

	var budget *RetryBudget
	for {
		if b.abortCtx.Err() != nil {
			b.backupBatch(batch, ErrorTypeShutdown)
			return
		}
		ctx, cancel := context.WithTimeout(b.abortCtx, b.cfg.WriteTimeout)
		err := b.writer.Write(ctx, rows)
		cancel()
		if err == nil {
			b.metrics.FlushAttempt("success")
			b.metrics.Delivered(len(rows), batch.SealedAt)
			log.Info().Msg("Batch delivered.")
			for _, it := range batch.Items {
				ack(it)
			}
			return
		}

		reason := sink.ReasonOf(err)
		b.metrics.FlushAttempt(string(reason))
		if reason == sink.ReasonAuth {
			b.metrics.AuthFailed("sink")
		}
		if b.abortCtx.Err() != nil {
			b.backupBatch(batch, ErrorTypeShutdown)
			return
		}
		if budget == nil {
			budget = NewRetryBudget(b.cfg.RetryWindow, b.cfg.RetryInitial, b.cfg.RetryMax, b.now())
		}
		wait, ok := budget.Next(reason, b.now())
		if !ok {
			log.Warn().Err(err).Str("reason", string(reason)).Int("retries", budget.Retries()).Msg("Batch not deliverable, writing to backup.")
			b.backupBatch(batch, string(reason))
			return
		}
		log.Warn().Err(err).Str("reason", string(reason)).Dur("wait", wait).Msg("Batch write refused, retrying.")
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-b.abortCtx.Done():
			t.Stop()
		}
	}
}

func (b *Buffer) backupBatch(batch *Batch, errorType string) {
	b.state.Store(int32(StateBackingUp))
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.BackupTimeout)
	defer cancel()

	location, err := b.backup.WriteBackup(ctx, errorType, batch.Rows())
	if err != nil {
		werr := &sink.BackupWriteError{ErrorType: errorType, Rows: len(batch.Items), Err: err}
		b.metrics.BackupFailed()
		b.logger.Error().Err(werr).Str("batch_id", batch.ID).Bool("alarm", true).
			Msg("CRITICAL: backup write failed, Nacking rows for dead-lettering.")
		for _, it := range batch.Items {
			nack(it)
		}
		return
	}
	b.metrics.BackedUp(errorType, len(batch.Items), batch.SealedAt)
	b.logger.Warn().Str("batch_id", batch.ID).Str("error_type", errorType).Str("location", location).
		Int("rows", len(batch.Items)).Msg("Batch written to backup.")
	for _, it := range batch.Items {
		ack(it)
	}
}

// OldestPendingAge is the age of the oldest row not yet delivered or backed
// up, or zero when the buffer is empty.
func (b *Buffer) OldestPendingAge() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var oldest time.Time
	consider := func(batch *Batch) {
		if batch != nil && len(batch.Items) > 0 && (oldest.IsZero() || batch.OpenedAt.Before(oldest)) {
			oldest = batch.OpenedAt
		}
	}
	consider(b.inflight)
	consider(b.current)
	for _, batch := range b.queue {
		consider(batch)
	}
	if oldest.IsZero() {
		return 0
	}
	return b.now().Sub(oldest)
}

// Stop seals the open batch and waits for every queued batch to be
// delivered or backed up. When ctx expires first, the remaining batches go
// straight to backup. The writer and backup writer are closed afterwards.
func (b *Buffer) Stop(ctx context.Context) error {
	var stopErr error
	b.stopOnce.Do(func() {
		b.logger.Info().Msg("Stopping delivery buffer, draining batches...")
		b.mu.Lock()
		b.stopping = true
		b.sealLocked()
		b.mu.Unlock()
		b.signal()

		select {
		case <-b.done:
		case <-ctx.Done():
			b.logger.Warn().Msg("Drain deadline reached, sending remaining batches to backup.")
			stopErr = fmt.Errorf("delivery drain: %w", ctx.Err())
			b.abort()
			<-b.done
		}
		b.abort()

		if err := b.writer.Close(); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("close writer: %w", err))
		}
		if err := b.backup.Close(); err != nil {
			stopErr = errors.Join(stopErr, fmt.Errorf("close backup writer: %w", err))
		}
		b.logger.Info().Msg("Delivery buffer stopped.")
	})
	return stopErr
}

func ack(it *Item) {
	if it.OriginalMessage.Ack != nil {
		it.OriginalMessage.Ack()
	}
}

func nack(it *Item) {
	if it.OriginalMessage.Nack != nil {
		it.OriginalMessage.Nack()
	}
}
