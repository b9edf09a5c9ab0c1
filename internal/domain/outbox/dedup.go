package outbox

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects how post text is normalised before duplicate comparison.
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeTrim     Mode = "trim"
	ModeCollapse Mode = "collapse"
)

// DefaultWindow is how long a text is remembered.
const DefaultWindow = 30 * time.Minute

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeExact, ModeTrim, ModeCollapse:
		return m, nil
	case "":
		return ModeCollapse, nil
	default:
		return "", fmt.Errorf("unknown dedup mode %q", s)
	}
}

// Normalize maps text to its comparison key under m.
func (m Mode) Normalize(text string) string {
	switch m {
	case ModeExact:
		return text
	case ModeTrim:
		return strings.TrimSpace(text)
	default:
		return strings.Join(strings.Fields(text), " ")
	}
}

// Tracker remembers recently seen texts for a trailing window.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	mode   Mode
	now    func() time.Time
	seen   map[string]time.Time
}

func NewTracker(window time.Duration, mode Mode, now func() time.Time) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if mode == "" {
		mode = ModeCollapse
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{window: window, mode: mode, now: now, seen: make(map[string]time.Time)}
}

// Seen reports whether text was recorded within the window.
func (t *Tracker) Seen(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()
	_, ok := t.seen[t.mode.Normalize(text)]
	return ok
}

// Record remembers text as of now.
func (t *Tracker) Record(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[t.mode.Normalize(text)] = t.now()
}

// RecordAt remembers text as of at, used when reloading persisted posts.
func (t *Tracker) RecordAt(text string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.mode.Normalize(text)
	if prev, ok := t.seen[key]; !ok || at.After(prev) {
		t.seen[key] = at
	}
}

// Forget drops text so it may be enqueued again.
func (t *Tracker) Forget(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, t.mode.Normalize(text))
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.seen)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()
	return len(t.seen)
}

func (t *Tracker) purge() {
	cutoff := t.now().Add(-t.window)
	for k, at := range t.seen {
		if !at.After(cutoff) {
			delete(t.seen, k)
		}
	}
}
