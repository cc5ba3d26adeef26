// Package jobs registers the product's task types: document conversion,
// video transcoding, transactional notifications and scheduled cleanup.
package jobs

import (
	"context"
	"errors"
	"time"

	"docjobs/internal/convert"
	"docjobs/internal/notify"
	"docjobs/internal/registry"
	"docjobs/internal/retry"
	"docjobs/internal/store"
	"docjobs/internal/webhook"
)

// Task types.
const (
	TypeDocumentConvert    = "document.convert"
	TypeVideoTranscode     = "video.transcode"
	TypeNotificationSend   = "notification.send"
	TypeMaintenanceCleanup = "maintenance.cleanup"
)

// Queues used by the task types.
const (
	QueueConvert     = "convert"
	QueueVideo       = "video"
	QueueMaintenance = "maintenance"
)

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event webhook.Event) error
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Converter convert.Converter
	Notifier  notify.Sender
	Events    Publisher
	Tasks     store.TaskStore
	Now       func() time.Time
}

// Register adds every task type to reg.
func Register(reg *registry.Registry, deps Deps) error {
	if deps.Converter == nil || deps.Notifier == nil || deps.Tasks == nil {
		return errors.New("jobs: converter, notifier and task store are required")
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	h := &handlers{deps: deps}
	return errors.Join(
		registry.Register(reg, registry.Definition{
			Type:        TypeDocumentConvert,
			Queue:       QueueConvert,
			Timeout:     10 * time.Minute,
			Description: "Convert a document to another format and notify the owner.",
		}, h.convertDocument),
		registry.Register(reg, registry.Definition{
			Type:        TypeVideoTranscode,
			Queue:       QueueVideo,
			Timeout:     time.Hour,
			Retry:       retry.Policy{MaxAttempts: 5, MinBackoff: 10 * time.Second, MaxBackoff: 10 * time.Minute, Factor: 2, Jitter: true},
			Description: "Transcode a video into one rendition per profile.",
		}, h.transcodeVideo),
		registry.Register(reg, registry.Definition{
			Type:        TypeNotificationSend,
			Timeout:     30 * time.Second,
			Retry:       retry.Policy{MaxAttempts: 5, MinBackoff: 2 * time.Second, MaxBackoff: 5 * time.Minute, Factor: 3, Jitter: true},
			Description: "Send a templated notification.",
		}, h.sendNotification),
		registry.Register(reg, registry.Definition{
			Type:        TypeMaintenanceCleanup,
			Queue:       QueueMaintenance,
			Timeout:     5 * time.Minute,
			Retry:       retry.Policy{MaxAttempts: 1, MinBackoff: time.Second, MaxBackoff: time.Second, Factor: 1},
			Description: "Purge finished tasks past their retention.",
		}, h.cleanup),
	)
}

type handlers struct {
	deps Deps
}

type discardEvents struct{}

func (discardEvents) Publish(context.Context, webhook.Event) error { return nil }
