package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/platform/metrics"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// AutoDismissAfter is the minimum age before a read or low priority
// notification is swept.
const AutoDismissAfter = 30 * time.Second

// Event is the payload of a notification. Each variant carries only its own
// fields.
type Event interface {
	Kind() string
	Priority() Priority
}

type Queued struct {
	PostID string `json:"postId"`
	Text   string `json:"text"`
}

type Success struct {
	PostID string `json:"postId"`
}

type Failed struct {
	PostID string `json:"postId"`
	Reason string `json:"reason"`
}

type RetryScheduled struct {
	PostID  string    `json:"postId"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

type RateLimited struct {
	PostID     string        `json:"postId"`
	RetryAfter time.Duration `json:"retryAfter"`
}

func (Queued) Kind() string         { return "queued" }
func (Success) Kind() string        { return "success" }
func (Failed) Kind() string         { return "failed" }
func (RetryScheduled) Kind() string { return "retryScheduled" }
func (RateLimited) Kind() string    { return "rateLimited" }

func (Queued) Priority() Priority         { return PriorityLow }
func (Success) Priority() Priority        { return PriorityLow }
func (Failed) Priority() Priority         { return PriorityHigh }
func (RetryScheduled) Priority() Priority { return PriorityMedium }
func (RateLimited) Priority() Priority    { return PriorityMedium }

type Notification struct {
	ID        string
	Event     Event
	Timestamp time.Time
	IsRead    bool
}

func (n Notification) Priority() Priority { return n.Event.Priority() }

func (n Notification) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		Priority  string    `json:"priority"`
		Timestamp time.Time `json:"timestamp"`
		IsRead    bool      `json:"isRead"`
		Data      Event     `json:"data"`
	}{n.ID, n.Event.Kind(), n.Priority().String(), n.Timestamp, n.IsRead, n.Event})
}

// Center keeps the active notifications and a bounded audit history.
type Center struct {
	mu      sync.Mutex
	active  []Notification
	history []Notification
	limit   int
	now     func() time.Time
	feed    *eventbus.Feed[Notification]
	metrics *metrics.Metrics
}

func NewCenter(historyLimit int, now func() time.Time, m *metrics.Metrics) *Center {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	if now == nil {
		now = time.Now
	}
	return &Center{limit: historyLimit, now: now, feed: eventbus.NewFeed[Notification](), metrics: m}
}

// Post records ev and broadcasts it.
func (c *Center) Post(ev Event) Notification {
	n := Notification{ID: uuid.NewString(), Event: ev, Timestamp: c.now()}

	c.mu.Lock()
	c.active = append(c.active, n)
	c.history = append(c.history, n)
	if over := len(c.history) - c.limit; over > 0 {
		c.history = slices.Delete(c.history, 0, over)
	}
	c.feed.Publish(n)
	c.mu.Unlock()

	c.metrics.ObserveNotification(ev.Kind())
	return n
}

// Active returns undismissed notifications, highest priority first and
// oldest first within a priority.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	out := slices.Clone(c.active)
	c.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Notification) int {
		return int(b.Priority()) - int(a.Priority())
	})
	return out
}

// History returns up to the history limit of recent notifications in the
// order they happened, dismissed ones included.
func (c *Center) History() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.active {
		if c.active[i].ID == id {
			c.active[i].IsRead = true
			return true
		}
	}
	return false
}

func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.active {
		if c.active[i].ID == id {
			c.active = slices.Delete(c.active, i, i+1)
			return true
		}
	}
	return false
}

func (c *Center) DismissAll() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

// Sweep drops notifications that are read or low priority and older than
// AutoDismissAfter. It returns how many were removed.
func (c *Center) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.active)
	c.active = slices.DeleteFunc(c.active, func(n Notification) bool {
		return (n.IsRead || n.Priority() == PriorityLow) && now.Sub(n.Timestamp) > AutoDismissAfter
	})
	return before - len(c.active)
}

// Subscribe streams notifications in the order they were posted.
func (c *Center) Subscribe(ctx context.Context) <-chan Notification {
	return c.feed.Subscribe(ctx)
}
