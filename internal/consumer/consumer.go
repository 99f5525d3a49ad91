package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/semaphore"

	"github.com/stolink/imageworker/internal/engine"
	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/queue"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxInFlight   = 4
	DefaultShutdownGrace = 2 * time.Minute
	DefaultCallbackGrace = 10 * time.Second
	DefaultErrorBackoff  = time.Second
)

// ackTimeout bounds the acknowledgement of a finished message.
const ackTimeout = 5 * time.Second

// Source delivers queue messages.
type Source interface {
	// Receive blocks for the next message. It returns queue.ErrNoMessage
	// when none arrived in time.
	Receive(ctx context.Context) (queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	// Reject dead-letters a message that must never be redelivered.
	Reject(ctx context.Context, d queue.Delivery, reason string) error
}

// Runner executes one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, job model.Job) (engine.State, error)
}

// Notifier delivers the terminal outcome of a job.
type Notifier interface {
	URLFor(job model.Job) string
	Dispatch(ctx context.Context, url string, payload model.CallbackPayload) (int, error)
}

// Config bounds concurrency and shutdown.
type Config struct {
	MaxInFlight int
	// ShutdownGrace is how long in-flight runs may continue after shutdown
	// starts before they are cancelled.
	ShutdownGrace time.Duration
	// CallbackGrace is how long a callback still being delivered may run
	// once in-flight runs have been cancelled.
	CallbackGrace time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.CallbackGrace <= 0 {
		c.CallbackGrace = DefaultCallbackGrace
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	return c
}

// Consumer runs queued jobs through the engine.
type Consumer struct {
	src      Source
	runner   Runner
	notifier Notifier
	ready    func() bool
	cfg      Config
	logger   *slog.Logger
}

// New creates a consumer. ready reports the queue connection state and may
// be nil, in which case the consumer always reports ready.
func New(src Source, runner Runner, notifier Notifier, ready func() bool, cfg Config, logger *slog.Logger) *Consumer {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Consumer{
		src:      src,
		runner:   runner,
		notifier: notifier,
		ready:    ready,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Ready reports whether the queue connection is usable.
func (c *Consumer) Ready() bool {
	return c.ready()
}

// Run fetches and processes messages until ctx is cancelled. A worker slot
// is acquired before each fetch, so messages beyond the concurrency bound
// stay in the queue. On cancellation Run stops fetching and waits for
// in-flight runs up to the shutdown grace, then cancels them and waits for
// them to finish.
func (c *Consumer) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(c.cfg.MaxInFlight))
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	var wg sync.WaitGroup
	c.logger.Info("consumer started", "max_in_flight", c.cfg.MaxInFlight)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		d, err := c.src.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, queue.ErrNoMessage) {
				continue
			}
			c.logger.Error("failed to receive message", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}

		wg.Add(1)
		inFlight.Inc()
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer inFlight.Dec()
			c.Handle(runCtx, d)
		}()
	}

	c.drain(&wg, cancelRuns)
	return nil
}

func (c *Consumer) drain(wg *sync.WaitGroup, cancelRuns context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	c.logger.Info("consumer stopping, waiting for in-flight jobs", "grace", c.cfg.ShutdownGrace.String())
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("shutdown grace elapsed, cancelling in-flight jobs")
		cancelRuns()
		<-done
	}
	c.logger.Info("consumer stopped")
}

// Handle processes one delivery. Invalid messages are dead-lettered. Jobs
// that reach a terminal state have their callback dispatched and are
// acknowledged whatever the outcome. An unclassified fault leaves the message
// pending so the queue redelivers it.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) {
	log := c.logger.With("message_id", d.ID, "deliveries", d.Deliveries)

	job, err := model.Decode(d.Payload)
	if err != nil {
		log.Warn("rejecting invalid message", "error", err)
		if err := c.src.Reject(ctx, d, err.Error()); err != nil {
			log.Error("failed to reject message", "error", err)
			return
		}
		messagesTotal.WithLabelValues(outcomeRejected).Inc()
		return
	}
	log = log.With("job_id", job.ID, "action", job.Action())

	st, err := c.run(ctx, job)
	if errors.Is(err, engine.ErrInProgress) {
		// The live run acks its own delivery; this copy is redelivered later
		// and replays the stored outcome.
		log.Info("job already running, leaving message for redelivery")
		messagesTotal.WithLabelValues(outcomeUnacked).Inc()
		return
	}
	if err != nil {
		log.Error("job fault, leaving message for redelivery", "error", err)
		report(job, d, err)
		messagesTotal.WithLabelValues(outcomeUnacked).Inc()
		return
	}

	dctx, cancel := afterDone(ctx, c.cfg.CallbackGrace)
	defer cancel()
	if _, err := c.notifier.Dispatch(dctx, c.notifier.URLFor(job), st.Payload(job)); err != nil {
		log.Warn("callback not delivered", "error", err)
	}

	actx, cancelAck := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancelAck()
	if err := c.src.Ack(actx, d); err != nil {
		log.Error("failed to ack message", "error", err)
		return
	}
	messagesTotal.WithLabelValues(outcomeAcked).Inc()
	log.Debug("message acked", "stage", st.Stage, "replayed", st.Replayed)
}

// afterDone returns a context that outlives ctx by grace: it is cancelled
// grace after ctx is done, or when the returned cancel is called.
func afterDone(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(grace, cancel)
	})
	return dctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// run calls the runner, converting a panic into an unclassified fault.
func (c *Consumer) run(ctx context.Context, job model.Job) (st engine.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", engine.ErrUnclassified, r)
		}
	}()
	st, err = c.runner.Run(ctx, job)
	if err == nil && !st.Stage.Terminal() {
		err = fmt.Errorf("%w: run ended in non-terminal stage %s", engine.ErrUnclassified, st.Stage)
	}
	return st, err
}

func report(job model.Job, d queue.Delivery, err error) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", job.ID)
		scope.SetTag("action", string(job.Action()))
		scope.SetTag("message_id", d.ID)
		scope.SetTag("deliveries", strconv.FormatInt(d.Deliveries, 10))
	})
	hub.CaptureException(err)
}
