// Package docjobs is a background job orchestration engine for a
// document-sharing product.
//
// An Engine is built once from a config.Config and owns every component:
// the store, the task registry, the queue manager, the dispatcher, the
// scheduler, the progress reporter and the webhook deliverer.
package docjobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"docjobs/internal/api"
	"docjobs/internal/config"
	"docjobs/internal/convert"
	"docjobs/internal/dispatch"
	"docjobs/internal/jobs"
	"docjobs/internal/notify"
	"docjobs/internal/progress"
	"docjobs/internal/queue"
	"docjobs/internal/registry"
	"docjobs/internal/scheduler"
	"docjobs/internal/store"
	"docjobs/internal/task"
	"docjobs/internal/webhook"
)

// ErrNotConfigured is returned by the conversion stand-in used when no
// conversion service URL is set.
var ErrNotConfigured = errors.New("conversion service is not configured")

type options struct {
	logger     *slog.Logger
	store      store.Store
	converter  convert.Converter
	notifier   notify.Sender
	httpClient *http.Client
	now        func() time.Time
	register   []func(*registry.Registry) error
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore uses s instead of opening the configured store. The engine closes
// it on Close.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConverter replaces the conversion service client.
func WithConverter(c convert.Converter) Option {
	return func(o *options) { o.converter = c }
}

// WithNotifier replaces the notification sender.
func WithNotifier(n notify.Sender) Option {
	return func(o *options) { o.notifier = n }
}

// WithHTTPClient sets the client used for webhooks and ntfy.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock overrides the time source of the queue manager, the dispatcher
// and the scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTaskTypes registers additional task types before configured overrides
// are applied.
func WithTaskTypes(fn func(*registry.Registry) error) Option {
	return func(o *options) { o.register = append(o.register, fn) }
}

// Engine wires the components together.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store         store.Store
	registry      *registry.Registry
	progress      *progress.Reporter
	manager       *queue.Manager
	dispatcher    *dispatch.Dispatcher
	scheduler     *scheduler.Scheduler
	subscriptions *webhook.Subscriptions
	webhooks      *webhook.Deliverer
	alerts        *notify.NtfyClient
}

// New builds an engine from cfg. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   o.logger.With("component", "engine"),
		registry: registry.New(),
	}

	e.store = o.store
	if e.store == nil {
		s, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		e.store = s
	}

	if err := e.build(ctx, o); err != nil {
		_ = e.store.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	cfg := e.cfg
	e.progress = progress.NewReporter(e.store)

	e.subscriptions = webhook.NewSubscriptions()
	for _, sub := range cfg.Webhooks.Subscriptions {
		if _, err := e.subscriptions.Add(sub); err != nil {
			return fmt.Errorf("failed to add webhook subscription: %w", err)
		}
	}
	whOpts := []webhook.Option{
		webhook.WithLogger(o.logger),
		webhook.WithDeadLetter(func(ctx context.Context, sub webhook.Subscription, event webhook.Event, err error) {
			e.logger.ErrorContext(ctx, "webhook event dead-lettered", "subscription", sub, "event_id", event.ID, "event_type", event.Type, "error", err)
		}),
	}
	if o.httpClient != nil {
		whOpts = append(whOpts, webhook.WithHTTPClient(o.httpClient))
	}
	deliverer, err := webhook.NewDeliverer(cfg.Webhooks.Delivery, e.subscriptions, whOpts...)
	if err != nil {
		return fmt.Errorf("failed to create webhook deliverer: %w", err)
	}
	e.webhooks = deliverer

	var ntfyOpts []notify.Option
	if cfg.Ntfy.Token != "" {
		ntfyOpts = append(ntfyOpts, notify.WithToken(cfg.Ntfy.Token))
	}
	if o.httpClient != nil {
		ntfyOpts = append(ntfyOpts, notify.WithHTTPClient(o.httpClient))
	}
	if cfg.Ntfy.ServerURL != "" && cfg.Ntfy.AlertTopic != "" {
		e.alerts = notify.NewNtfyClient(cfg.Ntfy.ServerURL, cfg.Ntfy.AlertTopic, ntfyOpts...)
	}

	notifier := o.notifier
	switch {
	case notifier != nil:
	case cfg.Ntfy.ServerURL != "" && cfg.Ntfy.Topic != "":
		notifier = notify.NewNtfyClient(cfg.Ntfy.ServerURL, cfg.Ntfy.Topic, ntfyOpts...)
	default:
		e.logger.Warn("ntfy is not configured, notifications are only logged")
		notifier = notify.NewLogSender(o.logger)
	}

	converter := o.converter
	switch {
	case converter != nil:
	case cfg.Converter.URL != "":
		c, err := convert.NewClient(ctx, cfg.Converter, o.logger)
		if err != nil {
			return fmt.Errorf("failed to create conversion client: %w", err)
		}
		converter = c
	default:
		e.logger.Warn("conversion service is not configured, conversions will fail")
		converter = unconfiguredConverter{}
	}

	if err := jobs.Register(e.registry, jobs.Deps{
		Converter: converter,
		Notifier:  notifier,
		Events:    e.webhooks,
		Tasks:     e.store,
		Now:       o.now,
	}); err != nil {
		return fmt.Errorf("failed to register task types: %w", err)
	}
	for _, fn := range o.register {
		if err := fn(e.registry); err != nil {
			return fmt.Errorf("failed to register task types: %w", err)
		}
	}
	for _, override := range cfg.Tasks {
		if err := e.registry.Override(override.Type, override.Queue, override.Retry, override.Timeout); err != nil {
			return fmt.Errorf("failed to apply task override: %w", err)
		}
	}

	manager, err := queue.NewManager(e.store, e.registry, cfg.Queues,
		queue.WithLogger(o.logger),
		queue.WithProgress(e.progress),
		queue.WithDeadLetter(e.deadLetter),
		queue.WithClock(o.now),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	e.manager = manager

	// Every registered type must land on a declared queue.
	for _, def := range e.registry.Definitions() {
		if !manager.HasQueue(def.Queue) {
			return fmt.Errorf("task type %q: %w: %q", def.Type, task.ErrUnknownQueue, def.Queue)
		}
	}

	e.dispatcher = dispatch.New(e.store, e.registry, manager,
		dispatch.WithIdempotencyTTL(cfg.IdempotencyTTL),
		dispatch.WithLogger(o.logger),
		dispatch.WithClock(o.now),
	)
	manager.SetSubmitter(e.dispatcher)

	e.scheduler = scheduler.New(e.store, e.dispatcher,
		scheduler.WithTick(cfg.Scheduler.Tick),
		scheduler.WithLookback(cfg.Scheduler.Lookback),
		scheduler.WithLogger(o.logger),
		scheduler.WithClock(o.now),
	)
	for _, job := range cfg.Scheduler.Jobs {
		if _, err := e.registry.Lookup(job.TaskType); err != nil {
			return fmt.Errorf("scheduled job %q: %w", job.Name, err)
		}
		if err := e.scheduler.Add(job); err != nil {
			return fmt.Errorf("failed to add scheduled job: %w", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		s, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := store.NewPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(), nil
	}
}

// Run restores unfinished tasks, then runs the queue manager and the
// scheduler until ctx is cancelled. Running handlers are interrupted and
// awaited before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	restored, err := e.manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}
	e.logger.InfoContext(ctx, "engine started", "restored", restored, "task_types", len(e.registry.Definitions()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.manager.Run(gctx) })
	g.Go(func() error { return e.scheduler.Run(gctx) })
	err = g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// Close waits for in-flight webhook deliveries under ctx and closes the
// store. Call it after Run has returned.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.webhooks.Shutdown(ctx), e.store.Close())
}

// Submit submits a task. See dispatch.Dispatcher.Submit.
func (e *Engine) Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error) {
	return e.dispatcher.Submit(ctx, taskType, payload, opts)
}

// Get returns a task by id.
func (e *Engine) Get(ctx context.Context, id string) (*task.Task, error) {
	return e.dispatcher.Get(ctx, id)
}

// List returns the tasks matching filter.
func (e *Engine) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return e.dispatcher.List(ctx, filter)
}

// Cancel cancels a pending or running task.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.dispatcher.Cancel(ctx, id)
}

// Progress returns the progress reporter.
func (e *Engine) Progress() *progress.Reporter { return e.progress }

// Queues returns the occupancy of every queue.
func (e *Engine) Queues() []queue.Stats { return e.manager.Queues() }

// Jobs returns the scheduled jobs.
func (e *Engine) Jobs() []scheduler.JobStatus { return e.scheduler.Jobs() }

// Subscriptions returns the webhook subscription set. Changes apply to the
// next published event.
func (e *Engine) Subscriptions() *webhook.Subscriptions { return e.subscriptions }

// Handler returns the HTTP API.
func (e *Engine) Handler() http.Handler {
	return api.NewServer(e, e.manager, e.progress, e.logger)
}

// TaskFailed is the data of the task.failed event.
type TaskFailed struct {
	TaskID   string    `json:"task_id"`
	Type     string    `json:"type"`
	Queue    string    `json:"queue"`
	Attempt  int       `json:"attempt"`
	ParentID string    `json:"parent_id,omitempty"`
	Kind     task.Kind `json:"kind"`
	Message  string    `json:"message"`
}

// deadLetter announces a task that failed permanently or exhausted its
// retries.
func (e *Engine) deadLetter(ctx context.Context, t *task.Task, cause error) {
	data := TaskFailed{
		TaskID:   t.ID,
		Type:     t.Type,
		Queue:    t.Queue,
		Attempt:  t.Attempt,
		ParentID: t.ParentID,
		Kind:     task.KindOf(cause),
		Message:  cause.Error(),
	}
	if t.LastError != nil {
		data.Kind, data.Message = t.LastError.Kind, t.LastError.Message
	}
	event, err := webhook.NewEvent(webhook.EventTaskFailed, data)
	if err == nil {
		err = e.webhooks.Publish(ctx, event)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish task.failed event", "task_id", t.ID, "error", err)
	}

	if e.alerts != nil {
		if err := e.alerts.TaskFailed(ctx, t); err != nil {
			e.logger.WarnContext(ctx, "failed to send failure alert", "task_id", t.ID, "error", err)
		}
	}
}

type unconfiguredConverter struct{}

func (unconfiguredConverter) Convert(context.Context, convert.Request) (convert.Result, error) {
	return convert.Result{}, task.Permanent(ErrNotConfigured)
}
