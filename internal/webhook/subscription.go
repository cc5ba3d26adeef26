package webhook

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const redacted = "[REDACTED]"

// MatchAll subscribes to every event type.
const MatchAll = "*"

// Subscription is an endpoint interested in some event types. The secret is
// redacted whenever the subscription is logged, printed or encoded.
type Subscription struct {
	ID         string   `yaml:"id" json:"id"`
	URL        string   `yaml:"url" json:"url"`
	Secret     string   `yaml:"secret" json:"secret,omitempty"`
	EventTypes []string `yaml:"event_types" json:"event_types"`
}

// Validate checks the subscription.
func (s Subscription) Validate() error {
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook url has no host")
	}
	if s.Secret == "" {
		return errors.New("webhook secret is required")
	}
	if len(s.EventTypes) == 0 {
		return errors.New("at least one event type is required")
	}
	return nil
}

// Matches reports whether the subscription wants eventType.
func (s Subscription) Matches(eventType string) bool {
	return slices.Contains(s.EventTypes, MatchAll) || slices.Contains(s.EventTypes, eventType)
}

func (s Subscription) safeURL() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.Redacted()
}

func (s Subscription) String() string {
	return fmt.Sprintf("Subscription{id=%s url=%s events=%s secret=%s}",
		s.ID, s.safeURL(), strings.Join(s.EventTypes, ","), redacted)
}

func (s Subscription) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("url", s.safeURL()),
		slog.Any("event_types", s.EventTypes),
	)
}

func (s Subscription) MarshalJSON() ([]byte, error) {
	type plain Subscription
	p := plain(s)
	if p.Secret != "" {
		p.Secret = redacted
	}
	return json.Marshal(p)
}

// Subscriptions is a concurrency-safe set of subscriptions.
type Subscriptions struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewSubscriptions creates an empty set.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[string]Subscription)}
}

// Add validates and stores sub, assigning an id if it has none. It returns
// the stored subscription.
func (s *Subscriptions) Add(sub Subscription) (Subscription, error) {
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.EventTypes = slices.Clone(sub.EventTypes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return Subscription{}, fmt.Errorf("subscription %q already exists", sub.ID)
	}
	s.subs[sub.ID] = sub
	return sub, nil
}

// Remove deletes a subscription.
func (s *Subscriptions) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	return ok
}

// List returns every subscription sorted by id.
func (s *Subscriptions) List() []Subscription {
	return s.filter(func(Subscription) bool { return true })
}

// Match returns the subscriptions interested in eventType.
func (s *Subscriptions) Match(eventType string) []Subscription {
	return s.filter(func(sub Subscription) bool { return sub.Matches(eventType) })
}

func (s *Subscriptions) filter(keep func(Subscription) bool) []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s Subscription) GoString() string {
	return s.String()
}
