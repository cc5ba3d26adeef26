package jobs

import (
	"context"
	"fmt"
	"time"

	"docjobs/internal/registry"
)

// DefaultRetention is how long finished tasks are kept.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupPayload is the payload of maintenance.cleanup.
type CleanupPayload struct {
	// Retention is a duration such as "168h". Empty means DefaultRetention.
	Retention string `json:"retention,omitempty"`
}

func (p CleanupPayload) Validate() error {
	_, err := p.retention()
	return err
}

func (p CleanupPayload) retention() (time.Duration, error) {
	if p.Retention == "" {
		return DefaultRetention, nil
	}
	d, err := time.ParseDuration(p.Retention)
	if err != nil {
		return 0, &registry.FieldError{Field: "retention", Err: err}
	}
	if d <= 0 {
		return 0, &registry.FieldError{Field: "retention", Err: fmt.Errorf("must be positive, got %s", d)}
	}
	return d, nil
}

// CleanupResult reports how many tasks were purged.
type CleanupResult struct {
	Purged int       `json:"purged"`
	Before time.Time `json:"before"`
}

func (h *handlers) cleanup(ctx context.Context, run registry.Run, p CleanupPayload) (any, error) {
	retention, err := p.retention()
	if err != nil {
		return nil, err
	}
	before := h.deps.Now().UTC().Add(-retention)
	n, err := h.deps.Tasks.PurgeTasks(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("failed to purge tasks: %w", err)
	}
	run.Logger().InfoContext(ctx, "purged finished tasks", "count", n, "before", before)
	return CleanupResult{Purged: n, Before: before}, nil
}
