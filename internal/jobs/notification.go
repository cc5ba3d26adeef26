package jobs

import (
	"context"
	"errors"

	"docjobs/internal/registry"
)

// NotificationPayload is the payload of notification.send.
type NotificationPayload struct {
	TemplateID string            `json:"template_id"`
	Recipient  string            `json:"recipient"`
	Vars       map[string]string `json:"vars,omitempty"`
}

func (p NotificationPayload) Validate() error {
	if p.TemplateID == "" {
		return &registry.FieldError{Field: "template_id", Err: errors.New("is required")}
	}
	if p.Recipient == "" {
		return &registry.FieldError{Field: "recipient", Err: errors.New("is required")}
	}
	return nil
}

func (h *handlers) sendNotification(ctx context.Context, run registry.Run, p NotificationPayload) (any, error) {
	if err := h.deps.Notifier.Notify(ctx, p.TemplateID, p.Recipient, p.Vars); err != nil {
		return nil, err
	}
	run.Logger().InfoContext(ctx, "notification sent", "template_id", p.TemplateID)
	return nil, nil
}
