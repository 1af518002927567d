package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/illmade-knight/go-otlp-ingest/pkg/consumers"
	"github.com/illmade-knight/go-otlp-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// ServiceConfig tunes the consume loop.
type ServiceConfig struct {
	NumWorkers int
	BatchSize  int
	MaxWait    time.Duration
	// MaxPollFailures consecutive poll errors dead-letter the messages held
	// from the failing polls.
	MaxPollFailures   int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	DeadLetterTimeout time.Duration
}

func (c ServiceConfig) validate() error {
	switch {
	case c.NumWorkers <= 0:
		return errors.New("number of workers must be positive")
	case c.BatchSize <= 0:
		return errors.New("poll batch size must be positive")
	case c.MaxWait <= 0:
		return errors.New("poll max wait must be positive")
	case c.MaxPollFailures <= 0:
		return errors.New("max poll failures must be positive")
	case c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial:
		return errors.New("backoff must satisfy 0 < initial <= max")
	}
	return nil
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeProcessingFailed
	outcomeDeliveryFailed
)

// outcome is the final state of one consumed message, reported by workers and
// by the processor's Ack/Nack callbacks.
type outcome struct {
	msg  types.ConsumedMessage
	kind outcomeKind
	err  error
}

// outcomeQueue collects outcomes from any goroutine for the poll goroutine.
type outcomeQueue struct {
	mu     sync.Mutex
	items  []outcome
	notify chan struct{}
}

func newOutcomeQueue() *outcomeQueue {
	return &outcomeQueue{notify: make(chan struct{}, 1)}
}

func (q *outcomeQueue) post(o outcome) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *outcomeQueue) take() []outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// ProcessingService consumes bundles from the source, transforms them on a
// pool of workers and hands the results to a MessageProcessor. An offset is
// committed only once every row from it, and every earlier offset on its
// partition, has been delivered, backed up or dead-lettered.
type ProcessingService[T any] struct {
	cfg         ServiceConfig
	connector   SourceConnector
	creds       CredentialSource
	processor   MessageProcessor[T]
	transformer MessageTransformer[T]
	dlq         deadletter.Publisher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	outcomes *outcomeQueue
	work     chan types.ConsumedMessage
	workers  sync.WaitGroup
	cancel   context.CancelFunc
	pollDone chan struct{}
	started  bool
	stopOnce sync.Once

	// Owned by the poll goroutine, and by Stop once it has exited.
	session  SourceSession
	tracker  *consumers.OffsetTracker
	toCommit map[string]types.Offset
	held     []types.ConsumedMessage
	failures int
	backoff  *backoff.ExponentialBackOff
	paused   bool

	// Failed messages waiting for a dead-letter write, retried with backoff.
	undelivered []outcome
	dlqBackoff  *backoff.ExponentialBackOff
	dlqRetryAt  time.Time
}

// NewProcessingService creates a new ProcessingService.
func NewProcessingService[T any](
	cfg ServiceConfig,
	connector SourceConnector,
	creds CredentialSource,
	processor MessageProcessor[T],
	transformer MessageTransformer[T],
	dlq deadletter.Publisher,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*ProcessingService[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if connector == nil || creds == nil || processor == nil || transformer == nil || dlq == nil {
		return nil, errors.New("connector, credentials, processor, transformer and dead-letter publisher are required")
	}
	if cfg.DeadLetterTimeout <= 0 {
		cfg.DeadLetterTimeout = 30 * time.Second
	}

	newBackoff := func() *backoff.ExponentialBackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BackoffInitial
		b.MaxInterval = cfg.BackoffMax
		b.Reset()
		return b
	}

	return &ProcessingService[T]{
		cfg:         cfg,
		connector:   connector,
		creds:       creds,
		processor:   processor,
		transformer: transformer,
		dlq:         dlq,
		metrics:     m,
		logger:      logger.With().Str("service", "ProcessingService").Logger(),
		now:         time.Now,
		outcomes:    newOutcomeQueue(),
		work:        make(chan types.ConsumedMessage, cfg.NumWorkers),
		pollDone:    make(chan struct{}),
		tracker:     consumers.NewOffsetTracker(),
		toCommit:    make(map[string]types.Offset),
		backoff:     newBackoff(),
		dlqBackoff:  newBackoff(),
	}, nil
}

// Start connects to the source with the current credential and begins
// consuming. When the source rejects the credential the service starts
// without a session and connects once the credential changes. Any other
// connection failure is returned.
func (s *ProcessingService[T]) Start(ctx context.Context) error {
	s.logger.Info().Int("workers", s.cfg.NumWorkers).Msg("Starting ProcessingService...")

	cred, err := s.creds.Current(ctx)
	if err != nil {
		return fmt.Errorf("load client credential: %w", err)
	}
	session, err := s.connector.Connect(ctx, cred)
	switch {
	case consumers.IsAuth(err):
		s.metrics.AuthFailed("source")
		s.logger.Error().Err(err).Bool("alarm", true).
			Msg("Source rejected the client credential. Waiting for a new one.")
	case err != nil:
		return fmt.Errorf("connect to source: %w", err)
	default:
		s.session = session
	}

	s.processor.Start()

	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	go s.pollLoop(pollCtx)

	s.logger.Info().Msg("ProcessingService started.")
	return nil
}

// Stop halts polling, lets the workers finish, stops the processor within
// ctx and commits whatever has been settled by then.
func (s *ProcessingService[T]) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if !s.started {
			return
		}
		s.logger.Info().Msg("Stopping ProcessingService...")
		s.cancel()
		<-s.pollDone
		s.workers.Wait()

		if perr := s.processor.Stop(ctx); perr != nil {
			s.logger.Error().Err(perr).Msg("Processor did not stop cleanly.")
			err = perr
		}

		// One last dead-letter attempt regardless of the retry schedule.
		s.dlqRetryAt = time.Time{}
		s.settle()
		s.commit()
		if n := len(s.undelivered); n > 0 {
			s.logger.Error().Int("messages", n).Bool("alarm", true).
				Msg("CRITICAL: stopped with messages not dead-lettered. They will be redelivered on restart.")
		}
		if pending := s.tracker.Pending(); pending > 0 {
			s.logger.Warn().Int("pending", pending).Msg("Uncommitted messages will be redelivered on restart.")
		}
		s.closeSession()
		s.logger.Info().Msg("ProcessingService stopped.")
	})
	return err
}

func (s *ProcessingService[T]) worker(id int) {
	defer s.workers.Done()
	s.logger.Debug().Int("worker_id", id).Msg("Worker started.")
	for msg := range s.work {
		s.process(msg)
	}
	s.logger.Debug().Int("worker_id", id).Msg("Worker stopped.")
}

// process transforms one message and attaches callbacks that report the
// message done once every one of its rows has been settled.
func (s *ProcessingService[T]) process(msg types.ConsumedMessage) {
	payloads, err := s.transformer(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Failed to transform message.")
		s.outcomes.post(outcome{msg: msg, kind: outcomeProcessingFailed, err: err})
		return
	}
	if len(payloads) == 0 {
		s.outcomes.post(outcome{msg: msg, kind: outcomeDone})
		return
	}

	var remaining atomic.Int32
	var failed atomic.Bool
	remaining.Store(int32(len(payloads)))
	settle := func(nacked bool) {
		if nacked {
			failed.Store(true)
		}
		if remaining.Add(-1) != 0 {
			return
		}
		if failed.Load() {
			s.outcomes.post(outcome{msg: msg, kind: outcomeDeliveryFailed,
				err: errors.New("rows could be neither delivered nor backed up")})
			return
		}
		s.outcomes.post(outcome{msg: msg, kind: outcomeDone})
	}

	original := msg
	original.Ack = func() { settle(false) }
	original.Nack = func() { settle(true) }

	items := make([]*types.BatchedMessage[T], len(payloads))
	for i, p := range payloads {
		items[i] = &types.BatchedMessage[T]{OriginalMessage: original, Payload: p}
	}
	s.processor.Add(items...)
}

func (s *ProcessingService[T]) pollLoop(ctx context.Context) {
	defer close(s.pollDone)
	defer close(s.work)

	for ctx.Err() == nil {
		s.settle()
		s.commit()

		if s.session == nil {
			s.awaitCredentialChange(ctx)
			continue
		}
		select {
		case <-s.creds.Changes():
			s.rotate(ctx)
			continue
		default:
		}
		if s.processor.Saturated() {
			s.waitForCapacity(ctx)
			continue
		}
		if s.paused {
			s.paused = false
			s.logger.Info().Msg("Processor has capacity again. Resuming polling.")
		}

		msgs, err := s.session.Poll(ctx, s.cfg.BatchSize, s.cfg.MaxWait)
		if ctx.Err() != nil {
			// Read but never dispatched, so never committed.
			return
		}
		s.metrics.BundleConsumed(len(msgs))
		if err != nil {
			s.handlePollError(ctx, msgs, err)
			continue
		}
		s.failures = 0
		s.backoff.Reset()

		batch := append(s.held, msgs...)
		s.held = nil
		for _, msg := range batch {
			if !s.dispatch(ctx, msg) {
				return
			}
		}
	}
}

// dispatch tracks the message and hands it to a worker, settling outcomes
// while the workers are busy.
func (s *ProcessingService[T]) dispatch(ctx context.Context, msg types.ConsumedMessage) bool {
	s.tracker.Track(msg.Position)
	for {
		select {
		case s.work <- msg:
			return true
		case <-s.outcomes.notify:
			s.settle()
		case <-ctx.Done():
			return false
		}
	}
}

// waitForCapacity blocks until an outcome is reported or MaxWait passes.
func (s *ProcessingService[T]) waitForCapacity(ctx context.Context) {
	if !s.paused {
		s.paused = true
		s.logger.Warn().Msg("Processor is saturated. Pausing polling.")
	}
	t := time.NewTimer(s.cfg.MaxWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.outcomes.notify:
	case <-t.C:
	}
}

func (s *ProcessingService[T]) handlePollError(ctx context.Context, msgs []types.ConsumedMessage, err error) {
	s.metrics.PollFailed()

	if consumers.IsAuth(err) {
		s.metrics.AuthFailed("source")
		s.logger.Error().Err(err).Int("held", len(s.held)+len(msgs)).
			Msg("Source rejected the client credential. Waiting for a new one.")
		// Held messages are past the committed offset and will be read again.
		s.held = nil
		s.closeSession()
		return
	}

	s.held = append(s.held, msgs...)
	s.failures++
	s.logger.Warn().Err(err).Int("consecutive_failures", s.failures).Int("held", len(s.held)).Msg("Source poll failed.")

	if s.failures >= s.cfg.MaxPollFailures {
		if len(s.held) > 0 {
			s.deadLetterHeld(err)
		}
		s.failures = 0
	}
	s.sleep(ctx, s.backoff.NextBackOff())
}

// deadLetterHeld publishes the messages read during failing polls and rewinds
// their partitions. They are not marked done, so their offsets stay
// uncommitted until they are read and handled again.
func (s *ProcessingService[T]) deadLetterHeld(cause error) {
	now := s.now()
	records := make([]deadletter.Record, len(s.held))
	lowest := consumers.NewOffsetTracker()
	for i := range s.held {
		records[i] = deadletter.NewRecord(&s.held[i], deadletter.ReasonSourcePollFailed, cause, now)
		lowest.Track(s.held[i].Position)
	}
	if !s.publish(records, deadletter.ReasonSourcePollFailed) {
		return
	}
	if err := s.session.Rewind(lowest.Lowest()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to rewind partitions after dead-lettering.")
	}
	s.held = nil
}

// settle applies every reported outcome to the offset tracker. Failed
// messages are marked done only once they are on the dead-letter queue.
func (s *ProcessingService[T]) settle() {
	for _, o := range s.outcomes.take() {
		if o.kind == outcomeDone {
			s.tracker.Done(o.msg.Position)
			continue
		}
		s.undelivered = append(s.undelivered, o)
	}
	s.deadLetterUndelivered()
}

// deadLetterUndelivered publishes failed messages in order. After a failed
// write the rest wait for the next backoff interval.
func (s *ProcessingService[T]) deadLetterUndelivered() {
	if len(s.undelivered) == 0 || s.now().Before(s.dlqRetryAt) {
		return
	}
	for i, o := range s.undelivered {
		reason := deadletter.ReasonDeliveryFailed
		if o.kind == outcomeProcessingFailed {
			reason = deadletter.ReasonProcessingFailed
		}
		if !s.publish([]deadletter.Record{deadletter.NewRecord(&o.msg, reason, o.err, s.now())}, reason) {
			s.undelivered = s.undelivered[i:]
			wait := s.dlqBackoff.NextBackOff()
			s.dlqRetryAt = s.now().Add(wait)
			s.logger.Warn().Int("messages", len(s.undelivered)).Dur("retry_in", wait).Msg("Dead-letter write will be retried.")
			return
		}
		s.tracker.Done(o.msg.Position)
	}
	s.undelivered = nil
	s.dlqRetryAt = time.Time{}
	s.dlqBackoff.Reset()
}

func (s *ProcessingService[T]) publish(records []deadletter.Record, reason deadletter.Reason) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeadLetterTimeout)
	defer cancel()
	if err := s.dlq.Publish(ctx, records); err != nil {
		s.metrics.DeadLetterFailed()
		s.logger.Error().Err(err).Bool("alarm", true).Str("reason", string(reason)).Int("messages", len(records)).
			Msg("CRITICAL: dead-letter write failed. Offsets stay uncommitted until it succeeds.")
		return false
	}
	s.metrics.DeadLettered(string(reason), len(records))
	s.logger.Warn().Str("reason", string(reason)).Int("messages", len(records)).Msg("Messages dead-lettered.")
	return true
}

// commit sends the committable offsets, keeping them for the next attempt if
// the commit fails or there is no session.
func (s *ProcessingService[T]) commit() {
	for _, o := range s.tracker.Committable() {
		s.toCommit[partitionKey(o)] = o
	}
	if s.session == nil || len(s.toCommit) == 0 {
		return
	}
	offsets := make([]types.Offset, 0, len(s.toCommit))
	for _, o := range s.toCommit {
		offsets = append(offsets, o)
	}
	if err := s.session.Commit(offsets); err != nil {
		if consumers.IsAuth(err) {
			s.metrics.AuthFailed("source")
		}
		s.logger.Warn().Err(err).Int("partitions", len(offsets)).Msg("Offset commit failed. Will retry.")
		return
	}
	s.metrics.Committed()
	clear(s.toCommit)
}

func partitionKey(o types.Offset) string {
	return fmt.Sprintf("%s/%d", o.Topic, o.Partition)
}

// rotate reconnects with the new credential after committing what it can.
func (s *ProcessingService[T]) rotate(ctx context.Context) {
	s.logger.Info().Msg("Client credential changed. Reconnecting...")
	s.settle()
	s.commit()
	s.held = nil
	s.closeSession()
	s.reconnect(ctx)
}

func (s *ProcessingService[T]) awaitCredentialChange(ctx context.Context) {
	var retry <-chan time.Time
	if len(s.undelivered) > 0 {
		t := time.NewTimer(max(s.dlqRetryAt.Sub(s.now()), 0))
		defer t.Stop()
		retry = t.C
	}
	select {
	case <-ctx.Done():
	case <-s.creds.Changes():
		s.reconnect(ctx)
	case <-s.outcomes.notify:
	case <-retry:
	}
}

// reconnect retries transient failures with backoff. An auth failure leaves
// the session closed until the credential changes again.
func (s *ProcessingService[T]) reconnect(ctx context.Context) {
	for ctx.Err() == nil {
		cred, err := s.creds.Current(ctx)
		if err == nil {
			var session SourceSession
			session, err = s.connector.Connect(ctx, cred)
			if err == nil {
				s.session = session
				s.backoff.Reset()
				s.logger.Info().Msg("Reconnected to source.")
				return
			}
		}
		if consumers.IsAuth(err) {
			s.metrics.AuthFailed("source")
			s.logger.Error().Err(err).Msg("Source rejected the client credential. Waiting for a new one.")
			return
		}
		s.logger.Warn().Err(err).Msg("Failed to reconnect to source.")
		s.sleep(ctx, s.backoff.NextBackOff())
	}
}

func (s *ProcessingService[T]) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing source session.")
	}
	s.session = nil
}

func (s *ProcessingService[T]) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
