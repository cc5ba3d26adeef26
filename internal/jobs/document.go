package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"docjobs/internal/convert"
	"docjobs/internal/registry"
	"docjobs/internal/task"
	"docjobs/internal/webhook"
)

// DocumentReadyTemplate is the notification sent after a conversion.
const DocumentReadyTemplate = "document-ready"

var documentFormats = []string{"docx", "html", "md", "odt", "pdf", "png", "txt"}

// ConvertPayload is the payload of document.convert.
type ConvertPayload struct {
	DocumentID   string `json:"document_id"`
	SourceRef    string `json:"source_ref"`
	TargetFormat string `json:"target_format"`
	// NotifyRecipient receives a document-ready notification when set.
	NotifyRecipient string `json:"notify_recipient,omitempty"`
}

func (p ConvertPayload) Validate() error {
	switch {
	case p.SourceRef == "":
		return &registry.FieldError{Field: "source_ref", Err: errors.New("is required")}
	case !slices.Contains(documentFormats, p.TargetFormat):
		return &registry.FieldError{Field: "target_format", Err: fmt.Errorf("unsupported format %q", p.TargetFormat)}
	}
	return nil
}

// ConvertResult is the result of document.convert.
type ConvertResult struct {
	OutputRef string `json:"output_ref"`
	Pages     int    `json:"pages,omitempty"`
}

// DocumentConverted is the data of the document.converted event.
type DocumentConverted struct {
	TaskID       string `json:"task_id"`
	DocumentID   string `json:"document_id,omitempty"`
	SourceRef    string `json:"source_ref"`
	OutputRef    string `json:"output_ref"`
	TargetFormat string `json:"target_format"`
}

func (h *handlers) convertDocument(ctx context.Context, run registry.Run, p ConvertPayload) (any, error) {
	t := run.Task()
	if err := run.ReportProgress(5, "submitting to conversion service"); err != nil {
		run.Logger().WarnContext(ctx, "failed to report progress", "error", err)
	}

	res, err := h.deps.Converter.Convert(ctx, convert.Request{SourceRef: p.SourceRef, TargetFormat: p.TargetFormat})
	if err != nil {
		return nil, err
	}
	if err := run.ReportProgress(95, "converted"); err != nil {
		run.Logger().WarnContext(ctx, "failed to report progress", "error", err)
	}

	event, err := webhook.NewEvent(webhook.EventDocumentConverted, DocumentConverted{
		TaskID:       t.ID,
		DocumentID:   p.DocumentID,
		SourceRef:    p.SourceRef,
		OutputRef:    res.OutputRef,
		TargetFormat: p.TargetFormat,
	})
	if err != nil {
		return nil, task.Permanent(err)
	}
	if err := h.deps.Events.Publish(ctx, event); err != nil {
		run.Logger().WarnContext(ctx, "failed to publish event", "event_type", event.Type, "error", err)
	}

	if p.NotifyRecipient != "" {
		run.Chain("notify", TypeNotificationSend, NotificationPayload{
			TemplateID: DocumentReadyTemplate,
			Recipient:  p.NotifyRecipient,
			Vars: map[string]string{
				"document_id": p.DocumentID,
				"output_ref":  res.OutputRef,
				"format":      p.TargetFormat,
			},
		}, task.SubmitOptions{})
	}

	run.Logger().InfoContext(ctx, "document converted", "output_ref", res.OutputRef, "pages", res.Pages)
	return ConvertResult{OutputRef: res.OutputRef, Pages: res.Pages}, nil
}
