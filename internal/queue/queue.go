// Package queue runs named background jobs with per-job retry policies on
// top of an in-process watermill pub/sub.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/sergeycw/windline/internal/apperrors"
	"github.com/sergeycw/windline/internal/metrics"
)

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff is the delay policy between attempts. Exponential delays are
// Delay, 2*Delay, 4*Delay...
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions control how often a job is attempted.
type JobOptions struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

// Job is the envelope published for every Enqueue.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Options JobOptions      `json:"options"`
	Attempt int             `json:"-"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one attempt of a job. Errors that apperrors classifies as
// non-retryable end the job immediately.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for asynchronous processing.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload any, opts JobOptions) error
}

type Config struct {
	Workers int
}

// WatermillQueue delivers jobs over a gochannel pub/sub, one topic per job
// name, and executes them on a bounded worker pool shared by all topics.
type WatermillQueue struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	slots chan struct{}
	wg    sync.WaitGroup

	// stop ends subscriptions and pending retry waits; running attempts finish.
	stop     context.Context
	stopFunc context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	closed   bool
}

func New(cfg Config, logger watermill.LoggerAdapter) *WatermillQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	stop, stopFunc := context.WithCancel(context.Background())
	return &WatermillQueue{
		pubsub:   gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
		logger:   logger,
		slots:    make(chan struct{}, cfg.Workers),
		stop:     stop,
		stopFunc: stopFunc,
		handlers: make(map[string]Handler),
	}
}

// Register subscribes h to jobs named name. It must be called before the
// first Enqueue of that name; jobs published with no subscriber are dropped.
func (q *WatermillQueue) Register(name string, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	if _, exists := q.handlers[name]; exists {
		return fmt.Errorf("handler for %q already registered", name)
	}

	messages, err := q.pubsub.Subscribe(q.stop, name)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", name, err)
	}
	q.handlers[name] = h

	q.wg.Add(1)
	go q.dispatch(name, messages, h)
	return nil
}

// Enqueue publishes a job. Missing options default to a single attempt.
func (q *WatermillQueue) Enqueue(ctx context.Context, name string, payload any, opts JobOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	job := Job{ID: watermill.NewUUID(), Name: name, Payload: raw, Options: opts}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", name, err)
	}

	q.mu.Lock()
	_, registered := q.handlers[name]
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("queue is closed")
	}
	if !registered {
		return fmt.Errorf("no handler registered for %q", name)
	}

	msg := message.NewMessage(job.ID, body)
	if err := q.pubsub.Publish(name, msg); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	logrus.WithFields(logrus.Fields{"queue": name, "job_id": job.ID}).Debug("job enqueued")
	return nil
}

// dispatch acks each message once a worker slot is free, so the subscription
// never holds more than the pool can run.
func (q *WatermillQueue) dispatch(name string, messages <-chan *message.Message, h Handler) {
	defer q.wg.Done()
	for msg := range messages {
		var job Job
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			q.logger.Error("dropping undecodable job", err, watermill.LogFields{"queue": name, "message_uuid": msg.UUID})
			msg.Ack()
			continue
		}

		select {
		case q.slots <- struct{}{}:
		case <-q.stop.Done():
			msg.Nack()
			return
		}
		msg.Ack()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.slots }()
			q.run(name, job, h)
		}()
	}
}

func (q *WatermillQueue) run(name string, job Job, h Handler) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	entry := logrus.WithFields(logrus.Fields{"queue": name, "job_id": job.ID})
	attempt := 0
	operation := func() error {
		attempt++
		job.Attempt = attempt
		started := time.Now()
		err := safeCall(h, job)
		metrics.JobDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.JobsProcessed.WithLabelValues(name, "retry").Inc()
		entry.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait}).Warn("job attempt failed, retrying")
	}

	err := backoff.RetryNotify(operation, retryPolicy(q.stop, job.Options), notify)
	if err != nil {
		metrics.JobsProcessed.WithLabelValues(name, "failed").Inc()
		entry.WithError(err).WithField("attempts", attempt).Error("job failed")
		return
	}
	metrics.JobsProcessed.WithLabelValues(name, "success").Inc()
	entry.WithField("attempts", attempt).Debug("job completed")
}

// retryPolicy allows opts.Attempts tries in total.
func retryPolicy(ctx context.Context, opts JobOptions) backoff.BackOff {
	var b backoff.BackOff
	switch opts.Backoff.Type {
	case BackoffExponential:
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(opts.Backoff.Delay),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxInterval(time.Hour),
			backoff.WithMaxElapsedTime(0),
		)
	default:
		b = backoff.NewConstantBackOff(opts.Backoff.Delay)
	}
	retries := 0
	if opts.Attempts > 1 {
		retries = opts.Attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// safeCall turns a handler panic into a retryable error.
func safeCall(h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Internal("queue", fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(context.Background(), job)
}

// Close stops accepting jobs, abandons pending retries and waits for running
// attempts to finish.
func (q *WatermillQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.stopFunc()
	q.wg.Wait()
	return q.pubsub.Close()
}
