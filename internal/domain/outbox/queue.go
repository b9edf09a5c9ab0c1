package outbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postkeeper/internal/domain/connectivity"
	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/domain/retry"
	pkerrors "postkeeper/internal/platform/errors"
	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
	"postkeeper/internal/util/task"
)

// SendFunc delivers one post. Its errors are classified by the retry engine.
type SendFunc func(ctx context.Context, text string) error

type Options struct {
	Repository    Repository
	Send          SendFunc
	Retry         *retry.Engine
	Dedup         *Tracker
	Notifications *Center
	// Limiter paces deliveries within one processing run. Nil means unpaced.
	Limiter       *rate.Limiter
	SweepInterval time.Duration
	Bus           eventbus.Bus
	Logger        logging.Interface
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Queue holds posts waiting for delivery. Every mutation is persisted before
// the in-memory view changes, and an item is delivered by at most one
// processing run at a time.
type Queue struct {
	repo    Repository
	send    SendFunc
	retry   *retry.Engine
	dedup   *Tracker
	center  *Center
	limiter *rate.Limiter
	bus     eventbus.Bus
	logger  logging.Interface
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	items   map[string]QueuedPost
	claimed map[string]struct{}
	depth   *eventbus.Feed[int]

	sweeper    *task.Periodic
	onRestored func(eventbus.ConnectivityEvent)
	wg         sync.WaitGroup
}

// NewQueue loads persisted posts from the repository.
func NewQueue(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Repository == nil {
		return nil, errors.New("outbox queue requires a repository")
	}
	if opts.Send == nil {
		return nil, errors.New("outbox queue requires a send function")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewEngine(nil, retry.WithLogger(opts.Logger))
	}
	if opts.Dedup == nil {
		opts.Dedup = NewTracker(DefaultWindow, ModeCollapse, opts.Now)
	}
	if opts.Notifications == nil {
		opts.Notifications = NewCenter(0, opts.Now, opts.Metrics)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}

	q := &Queue{
		repo:    opts.Repository,
		send:    opts.Send,
		retry:   opts.Retry,
		dedup:   opts.Dedup,
		center:  opts.Notifications,
		limiter: opts.Limiter,
		bus:     opts.Bus,
		logger:  logging.OrDiscard(opts.Logger),
		metrics: opts.Metrics,
		now:     opts.Now,
		items:   make(map[string]QueuedPost),
		claimed: make(map[string]struct{}),
		depth:   eventbus.NewFeedWith(0),
	}
	q.sweeper = task.NewPeriodic("outbox-sweep", opts.SweepInterval, q.sweep)

	posts, err := q.repo.Load(ctx)
	if err != nil {
		return nil, pkerrors.Wrap(pkerrors.KindQueue, "outbox.load", "load persisted queue", err)
	}
	for _, p := range posts {
		q.items[p.ID] = p
		q.dedup.RecordAt(p.Text, p.CreatedAt)
	}
	q.publishDepthLocked()
	if len(posts) > 0 {
		q.logger.Info("loaded %d queued posts", len(posts))
	}
	return q, nil
}

// Start runs the periodic sweep and drains the queue on every
// connectivity-restored event.
func (q *Queue) Start(ctx context.Context) error {
	if q.bus != nil && q.onRestored == nil {
		q.onRestored = func(eventbus.ConnectivityEvent) {
			q.wg.Add(1)
			go func() {
				defer q.wg.Done()
				if n := q.ForceProcessAll(ctx); n > 0 {
					q.logger.Info("connectivity restored, delivered %d queued posts", n)
				}
			}()
		}
		if err := q.bus.Subscribe(eventbus.TopicConnectivityRestored, q.onRestored); err != nil {
			return err
		}
	}
	return q.sweeper.Start(ctx)
}

// Stop ends the sweep task and waits for drains it started.
func (q *Queue) Stop() {
	if q.bus != nil && q.onRestored != nil {
		_ = q.bus.Unsubscribe(eventbus.TopicConnectivityRestored, q.onRestored)
		q.onRestored = nil
	}
	q.sweeper.Stop()
	q.wg.Wait()
}

func (q *Queue) Pause()  { q.sweeper.Pause() }
func (q *Queue) Resume() { q.sweeper.Resume() }

func (q *Queue) sweep(ctx context.Context) {
	if n := q.center.Sweep(q.now()); n > 0 {
		q.logger.Debug("auto-dismissed %d notifications", n)
	}
	q.ProcessQueue(ctx)
}

// Enqueue stores text for later delivery. It returns false without error
// when the text duplicates one seen within the dedup window.
func (q *Queue) Enqueue(ctx context.Context, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, pkerrors.Wrap(pkerrors.KindQueue, "outbox.enqueue", "refusing empty post", ErrEmptyText)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedup.Seen(text) {
		q.logger.Debug("duplicate post rejected")
		return false, nil
	}
	now := q.now()
	p := QueuedPost{ID: newID(now), Text: text, CreatedAt: now, NextEligibleRetryAt: now}
	if err := q.repo.Put(ctx, p); err != nil {
		return false, pkerrors.Wrap(pkerrors.KindQueue, "outbox.enqueue", "persist queued post", err)
	}
	q.items[p.ID] = p
	q.dedup.Record(text)
	q.publishDepthLocked()
	q.center.Post(Queued{PostID: p.ID, Text: p.Text})
	q.metrics.ObservePost("queued")
	q.logger.Info("post %s queued", p.ID)
	return true, nil
}

// WouldBeDuplicate reports whether Enqueue would reject text.
func (q *Queue) WouldBeDuplicate(text string) bool {
	return q.dedup.Seen(text)
}

// RecordSent remembers text delivered outside the queue so it counts for
// duplicate detection.
func (q *Queue) RecordSent(text string) {
	q.dedup.Record(text)
}

func (q *Queue) ClearDeduplicationHistory() {
	q.dedup.Clear()
}

// ProcessQueue attempts every item whose retry time has come and returns
// how many were delivered.
func (q *Queue) ProcessQueue(ctx context.Context) int {
	return q.process(ctx, false)
}

// ForceProcessAll attempts every item regardless of its retry time. Parked
// items still need Retry.
func (q *Queue) ForceProcessAll(ctx context.Context) int {
	return q.process(ctx, true)
}

func (q *Queue) process(ctx context.Context, force bool) int {
	batch := q.claimReady(force)
	sent := 0
	for i, p := range batch {
		if err := q.pace(ctx); err != nil {
			q.release(batch[i:]...)
			break
		}
		if q.deliver(ctx, p) {
			sent++
		}
	}
	return sent
}

func (q *Queue) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.limiter == nil {
		return nil
	}
	return q.limiter.Wait(ctx)
}

// claimReady marks eligible, unclaimed items as owned by the caller.
func (q *Queue) claimReady(force bool) []QueuedPost {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var batch []QueuedPost
	for id, p := range q.items {
		if _, busy := q.claimed[id]; busy {
			continue
		}
		if p.Parked || (!force && !p.ReadyAt(now)) {
			continue
		}
		q.claimed[id] = struct{}{}
		batch = append(batch, p)
	}
	sortPosts(batch)
	return batch
}

func (q *Queue) release(posts ...QueuedPost) {
	q.mu.Lock()
	for _, p := range posts {
		delete(q.claimed, p.ID)
	}
	q.mu.Unlock()
}

// deliver sends a claimed item and records the outcome. It releases the
// claim before returning.
func (q *Queue) deliver(ctx context.Context, p QueuedPost) bool {
	defer q.release(p)

	err := q.retry.Do(ctx, connectivity.OpPosting, func(ctx context.Context) error {
		return q.send(ctx, p.Text)
	})
	if err == nil {
		q.delivered(ctx, p)
		return true
	}

	class := retry.Classify(err)
	if class == retry.ClassCancelled {
		return false
	}
	q.failed(ctx, p, class, err)
	return false
}

func (q *Queue) delivered(ctx context.Context, p QueuedPost) {
	q.mu.Lock()
	if err := q.repo.Delete(context.WithoutCancel(ctx), p.ID); err != nil {
		q.logger.Error("post %s delivered but not removed from storage: %v", p.ID, err)
	}
	delete(q.items, p.ID)
	q.dedup.Record(p.Text)
	q.publishDepthLocked()
	q.mu.Unlock()

	q.center.Post(Success{PostID: p.ID})
	q.metrics.ObservePost("sent")
	q.logger.Info("queued post %s delivered after %d retries", p.ID, p.RetryCount)
	if q.bus != nil {
		q.bus.Publish(eventbus.TopicPostDelivered, eventbus.PostEvent{ID: p.ID, Text: p.Text, Queued: true, At: q.now()})
	}
}

func (q *Queue) failed(ctx context.Context, p QueuedPost, class retry.Class, cause error) {
	now := q.now()
	p.RetryCount++
	p.LastError = cause.Error()

	var ev Event
	switch {
	case class == retry.ClassRateLimited:
		wait, ok := retry.RetryAfter(cause)
		if !ok {
			wait = retry.DelayForAttempt(q.retry.Strategy(), p.RetryCount-1)
		}
		p.NextEligibleRetryAt = now.Add(wait)
		ev = RateLimited{PostID: p.ID, RetryAfter: wait}
	case class.Transient():
		p.NextEligibleRetryAt = now.Add(retry.DelayForAttempt(q.retry.Strategy(), p.RetryCount-1))
		ev = RetryScheduled{PostID: p.ID, Attempt: p.RetryCount, At: p.NextEligibleRetryAt}
	default:
		p.Parked = true
		ev = Failed{PostID: p.ID, Reason: cause.Error()}
	}

	q.mu.Lock()
	if _, ok := q.items[p.ID]; !ok {
		q.mu.Unlock()
		return
	}
	if err := q.repo.Put(context.WithoutCancel(ctx), p); err != nil {
		q.mu.Unlock()
		q.logger.Error("could not persist retry state of post %s: %v", p.ID, err)
		return
	}
	q.items[p.ID] = p
	q.mu.Unlock()

	q.center.Post(ev)
	q.metrics.ObservePost(ev.Kind())
	if p.Parked {
		q.logger.Warn("queued post %s rejected (%s), parked until retried by hand", p.ID, class)
		return
	}
	q.logger.Warn("queued post %s failed (%s), next attempt at %s", p.ID, class, p.NextEligibleRetryAt.Format(time.RFC3339))
}

// Retry attempts one item immediately. It returns false when the item is
// unknown, already being delivered or fails again.
func (q *Queue) Retry(ctx context.Context, id string) bool {
	q.mu.Lock()
	p, ok := q.items[id]
	_, busy := q.claimed[id]
	if !ok || busy {
		q.mu.Unlock()
		return false
	}
	q.claimed[id] = struct{}{}
	q.mu.Unlock()
	p.Parked = false
	return q.deliver(ctx, p)
}

// Remove deletes one item. The text may be enqueued again afterwards.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[id]
	if !ok {
		return pkerrors.Wrap(pkerrors.KindQueue, "outbox.remove", "no post "+id, ErrNotFound)
	}
	if err := q.repo.Delete(ctx, id); err != nil {
		return pkerrors.Wrap(pkerrors.KindQueue, "outbox.remove", "delete queued post", err)
	}
	delete(q.items, id)
	q.dedup.Forget(p.Text)
	q.publishDepthLocked()
	return nil
}

// Clear removes every item. Dedup history is kept.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.repo.Clear(ctx); err != nil {
		return pkerrors.Wrap(pkerrors.KindQueue, "outbox.clear", "clear queue storage", err)
	}
	clear(q.items)
	q.publishDepthLocked()
	return nil
}

// Items returns the pending posts in enqueue order.
func (q *Queue) Items() []QueuedPost {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedPost, 0, len(q.items))
	for _, p := range q.items {
		out = append(out, p)
	}
	sortPosts(out)
	return out
}

func (q *Queue) Get(id string) (QueuedPost, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[id]
	return p, ok
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SubscribeDepth streams the queue depth, starting with the current value.
func (q *Queue) SubscribeDepth(ctx context.Context) <-chan int {
	return q.depth.Subscribe(ctx)
}

func (q *Queue) publishDepthLocked() {
	n := len(q.items)
	if last, _ := q.depth.Last(); last != n {
		q.depth.Publish(n)
	}
	q.metrics.SetQueueDepth(n)
}

func (q *Queue) Notifications() []Notification { return q.center.Active() }
func (q *Queue) History() []Notification       { return q.center.History() }
func (q *Queue) MarkRead(id string) bool       { return q.center.MarkRead(id) }
func (q *Queue) Dismiss(id string) bool        { return q.center.Dismiss(id) }
func (q *Queue) DismissAll()                   { q.center.DismissAll() }

// SweepNotifications auto-dismisses stale notifications as of now.
func (q *Queue) SweepNotifications(now time.Time) int { return q.center.Sweep(now) }

func (q *Queue) SubscribeNotifications(ctx context.Context) <-chan Notification {
	return q.center.Subscribe(ctx)
}

// Pending reports the IDs currently being delivered, for diagnostics.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.claimed))
	for id := range q.claimed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
