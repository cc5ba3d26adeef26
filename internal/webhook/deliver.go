package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"docjobs/internal/metrics"
	"docjobs/internal/tracing"
)

// Sentinel errors returned by Publish.
var (
	ErrClosed      = errors.New("webhook deliverer is closed")
	ErrBacklogFull = errors.New("webhook backlog is full")
)

// Config controls the delivery lane and its retry policy.
type Config struct {
	Concurrency     int           `yaml:"concurrency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	Backlog         int           `yaml:"backlog"`
}

// DefaultConfig returns the default delivery settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		RequestTimeout:  10 * time.Second,
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		Backlog:         1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("webhook concurrency must be at least 1")
	}
	if c.Backlog < 1 {
		return errors.New("webhook backlog must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("webhook max attempts must be at least 1")
	}
	if c.RequestTimeout <= 0 || c.InitialInterval <= 0 || c.MaxInterval < c.InitialInterval || c.MaxElapsedTime <= 0 {
		return errors.New("webhook durations must be positive and max interval at least the initial interval")
	}
	return nil
}

// DeadLetterFunc is called when an event could not be delivered.
type DeadLetterFunc func(ctx context.Context, sub Subscription, event Event, err error)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint responded with status %d", e.StatusCode)
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Deliverer) { d.client = c }
}

// WithDeadLetter sets the callback for undeliverable events.
func WithDeadLetter(fn DeadLetterFunc) Option {
	return func(d *Deliverer) { d.deadLetter = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = logger }
}

// Deliverer signs and sends events to subscriptions. Published deliveries
// wait in a backlog drained by the deliverer's own lane, so publishers never
// block on slow endpoints.
type Deliverer struct {
	cfg        Config
	subs       *Subscriptions
	client     *http.Client
	sem        *semaphore.Weighted
	deadLetter DeadLetterFunc
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	// mu guards pending and closed, and orders wg.Add before Shutdown's Wait.
	mu      sync.Mutex
	pending []delivery
	closed  bool
	wg      sync.WaitGroup
}

type delivery struct {
	ctx   context.Context
	sub   Subscription
	event Event
}

// NewDeliverer creates a Deliverer for the given subscriptions and starts its
// lane.
func NewDeliverer(cfg Config, subs *Subscriptions, opts ...Option) (*Deliverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deliverer{
		cfg:    cfg,
		subs:   subs,
		client: &http.Client{},
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "webhook")
	go d.loop()
	return d, nil
}

// Publish queues event for every matching subscription and returns without
// waiting for the lane. It fails with ErrBacklogFull when the backlog cannot
// take all deliveries, and with ErrClosed after Shutdown.
func (d *Deliverer) Publish(ctx context.Context, event Event) error {
	subs := d.subs.Match(event.Type)
	if len(subs) == 0 {
		return nil
	}
	// Values such as the task id stay available to the delivery, the
	// publisher's cancellation does not.
	dctx := context.WithoutCancel(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if len(d.pending)+len(subs) > d.cfg.Backlog {
		d.mu.Unlock()
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Add(float64(len(subs)))
		return fmt.Errorf("%w: %d deliveries waiting", ErrBacklogFull, d.cfg.Backlog)
	}
	for _, sub := range subs {
		d.pending = append(d.pending, delivery{ctx: dctx, sub: sub, event: event})
	}
	d.wg.Add(len(subs))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// loop hands pending deliveries to the lane until the deliverer is closed and
// the backlog is empty, or Shutdown gives up waiting. A delivery stays in the
// backlog until it holds a lane slot.
func (d *Deliverer) loop() {
	for {
		d.mu.Lock()
		n, closed := len(d.pending), d.closed
		d.mu.Unlock()
		if n == 0 {
			if closed {
				return
			}
			select {
			case <-d.wake:
			case <-d.ctx.Done():
			}
			continue
		}

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.drain(err)
			return
		}
		d.mu.Lock()
		next := d.pending[0]
		d.pending[0] = delivery{}
		d.pending = d.pending[1:]
		d.mu.Unlock()

		go func() {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.run(next)
		}()
	}
}

// drain dead-letters everything left in the backlog.
func (d *Deliverer) drain(err error) {
	d.mu.Lock()
	left := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, dl := range left {
		d.abandon(dl, err)
		d.wg.Done()
	}
}

func (d *Deliverer) run(dl delivery) {
	ctx, cancel := context.WithCancel(dl.ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	if err := d.Deliver(ctx, dl.sub, dl.event); err != nil {
		d.abandon(dl, err)
	}
}

// abandon dead-letters a delivery that failed or never got a lane slot.
func (d *Deliverer) abandon(dl delivery, err error) {
	d.logger.ErrorContext(dl.ctx, "webhook delivery failed",
		"subscription", dl.sub, "event_id", dl.event.ID, "event_type", dl.event.Type, "error", err)
	if d.deadLetter != nil {
		d.deadLetter(dl.ctx, dl.sub, dl.event, err)
	}
}

// Deliver sends event to sub, retrying throttled, server-side and transport
// failures with exponential backoff.
func (d *Deliverer) Deliver(ctx context.Context, sub Subscription, event Event) error {
	ctx, span := tracing.WebhookSpan(ctx, event.Type, sub.ID)
	defer span.End()

	body, err := event.Canonical()
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	signature := Sign(sub.Secret, body)
	deliveryID := uuid.NewString()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.cfg.InitialInterval
	expo.MaxInterval = d.cfg.MaxInterval

	start := time.Now()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.send(ctx, sub, event, deliveryID, signature, body)
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(d.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("retried").Inc()
			d.logger.WarnContext(ctx, "webhook delivery attempt failed, retrying",
				"subscription", sub, "delivery_id", deliveryID, "retry_in", next, "error", err)
		}),
	)
	metrics.WebhookDeliveryDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		tracing.RecordError(span, err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.logger.DebugContext(ctx, "webhook delivered", "subscription", sub, "delivery_id", deliveryID, "event_type", event.Type)
	return nil
}

func (d *Deliverer) send(ctx context.Context, sub Subscription, event Event, deliveryID, signature string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "docjobs-webhook/1")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return &StatusError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &StatusError{StatusCode: resp.StatusCode}
	default:
		return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode})
	}
}

// Shutdown stops accepting events and waits for queued and in-flight
// deliveries. When ctx expires first the remaining deliveries are cancelled
// and dead-lettered.
func (d *Deliverer) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
