package jobs

import (
	"context"
	"errors"
	"fmt"

	"docjobs/internal/convert"
	"docjobs/internal/registry"
	"docjobs/internal/task"
	"docjobs/internal/webhook"
)

var videoProfiles = map[string]bool{"1080p": true, "720p": true, "480p": true, "audio": true}

// TranscodePayload is the payload of video.transcode.
type TranscodePayload struct {
	VideoID   string   `json:"video_id"`
	SourceRef string   `json:"source_ref"`
	Profiles  []string `json:"profiles"`
}

func (p TranscodePayload) Validate() error {
	if p.SourceRef == "" {
		return &registry.FieldError{Field: "source_ref", Err: errors.New("is required")}
	}
	if len(p.Profiles) == 0 {
		return &registry.FieldError{Field: "profiles", Err: errors.New("at least one profile is required")}
	}
	for _, profile := range p.Profiles {
		if !videoProfiles[profile] {
			return &registry.FieldError{Field: "profiles", Err: fmt.Errorf("unknown profile %q", profile)}
		}
	}
	return nil
}

// TranscodeResult maps each profile to its rendition.
type TranscodeResult struct {
	Renditions map[string]string `json:"renditions"`
}

// VideoTranscoded is the data of the video.transcoded event.
type VideoTranscoded struct {
	TaskID     string            `json:"task_id"`
	VideoID    string            `json:"video_id,omitempty"`
	Renditions map[string]string `json:"renditions"`
}

func (h *handlers) transcodeVideo(ctx context.Context, run registry.Run, p TranscodePayload) (any, error) {
	renditions := make(map[string]string, len(p.Profiles))
	for i, profile := range p.Profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := h.deps.Converter.Convert(ctx, convert.Request{
			SourceRef:    p.SourceRef,
			TargetFormat: "mp4",
			Options:      map[string]string{"profile": profile},
		})
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", profile, err)
		}
		renditions[profile] = res.OutputRef

		percent := (i + 1) * 100 / len(p.Profiles)
		if err := run.ReportProgress(percent, fmt.Sprintf("transcoded %s (%d/%d)", profile, i+1, len(p.Profiles))); err != nil {
			run.Logger().WarnContext(ctx, "failed to report progress", "error", err)
		}
	}

	event, err := webhook.NewEvent(webhook.EventVideoTranscoded, VideoTranscoded{
		TaskID:     run.Task().ID,
		VideoID:    p.VideoID,
		Renditions: renditions,
	})
	if err != nil {
		return nil, task.Permanent(err)
	}
	if err := h.deps.Events.Publish(ctx, event); err != nil {
		run.Logger().WarnContext(ctx, "failed to publish event", "event_type", event.Type, "error", err)
	}
	return TranscodeResult{Renditions: renditions}, nil
}
