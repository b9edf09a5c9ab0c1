package connectivity

import (
	"context"
	"sync"
	"time"

	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/platform/logging"
	"postkeeper/internal/platform/metrics"
	"postkeeper/internal/util/task"
)

type Options struct {
	Prober   Prober
	Interval time.Duration
	Bus      eventbus.Bus
	Logger   logging.Interface
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Monitor owns the current reachability and quality. It is updated by a
// periodic probe task and by explicit reports from callers.
type Monitor struct {
	prober  Prober
	bus     eventbus.Bus
	logger  logging.Interface
	metrics *metrics.Metrics
	now     func() time.Time

	// pubMu orders state changes with their publication.
	pubMu sync.Mutex

	mu        sync.RWMutex
	probed    bool
	reachable bool
	quality   Quality
	reported  *Signal
	measured  *Signal

	reach    *eventbus.Feed[bool]
	qualityF *eventbus.Feed[Quality]
	task     *task.Periodic
}

func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prober == nil {
		opts.Prober = ProberFunc(func(context.Context) (ProbeResult, error) {
			return ProbeResult{Reachable: true}, nil
		})
	}
	m := &Monitor{
		prober:   opts.Prober,
		bus:      opts.Bus,
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		now:      opts.Now,
		quality:  None,
		reach:    eventbus.NewFeedWith(false),
		qualityF: eventbus.NewFeedWith(None),
	}
	m.task = task.NewPeriodic("connectivity-probe", opts.Interval, func(ctx context.Context) {
		m.Probe(ctx)
	})
	return m
}

// Start probes once synchronously and then keeps probing in the background.
func (m *Monitor) Start(ctx context.Context) error {
	m.Probe(ctx)
	return m.task.Start(ctx)
}

func (m *Monitor) Stop()   { m.task.Stop() }
func (m *Monitor) Pause()  { m.task.Pause() }
func (m *Monitor) Resume() { m.task.Resume() }

// Probe runs the prober once and applies its result.
func (m *Monitor) Probe(ctx context.Context) Quality {
	res, err := m.prober.Probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return m.CurrentQuality()
		}
		m.logger.Warn("connectivity probe failed: %v", err)
		res = ProbeResult{Reachable: false}
	}

	m.mu.Lock()
	m.measured = res.Signal
	m.mu.Unlock()
	return m.apply(res.Reachable)
}

// ReportReachability records an externally observed reachability change,
// for example a transport that just failed with "not connected".
func (m *Monitor) ReportReachability(reachable bool) Quality {
	return m.apply(reachable)
}

// ReportSignal pins an explicit link measurement. It takes precedence over
// probe measurements until ClearSignal.
func (m *Monitor) ReportSignal(latency time.Duration, loss float64) Quality {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	m.reported = &Signal{Latency: latency, Loss: loss}
	reachable := m.reachable
	m.mu.Unlock()
	return m.applyLocked(reachable)
}

func (m *Monitor) ClearSignal() Quality {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.mu.Lock()
	m.reported = nil
	reachable := m.reachable
	m.mu.Unlock()
	return m.applyLocked(reachable)
}

func (m *Monitor) apply(reachable bool) Quality {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	return m.applyLocked(reachable)
}

// applyLocked updates state and publishes the change. Caller holds pubMu,
// so feeds and bus topics see changes in the order they were made.
func (m *Monitor) applyLocked(reachable bool) Quality {
	m.mu.Lock()
	prevReach, prevQuality, first := m.reachable, m.quality, !m.probed
	m.probed = true
	m.reachable = reachable

	q := None
	if reachable {
		switch {
		case m.reported != nil:
			q = classify(*m.reported)
		case m.measured != nil:
			q = classify(*m.measured)
		default:
			q = Excellent
		}
	}
	m.quality = q
	m.mu.Unlock()

	if q != prevQuality {
		m.metrics.SetQuality(int(q))
		m.qualityF.Publish(q)
		m.publish(eventbus.TopicQualityChanged, reachable, q)
		m.logger.Info("connection quality %s -> %s", prevQuality, q)
	}
	if reachable != prevReach || first {
		if reachable != prevReach {
			m.reach.Publish(reachable)
		}
		if reachable {
			m.publish(eventbus.TopicConnectivityRestored, reachable, q)
		} else if !first {
			m.publish(eventbus.TopicConnectivityLost, reachable, q)
		}
	}
	return q
}

func (m *Monitor) publish(topic string, reachable bool, q Quality) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, eventbus.ConnectivityEvent{
		Reachable: reachable,
		Quality:   q.String(),
		At:        m.now(),
	})
}

func (m *Monitor) CurrentQuality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

func (m *Monitor) IsReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reachable
}

// Subscribe streams reachability changes, starting with the current value.
func (m *Monitor) Subscribe(ctx context.Context) <-chan bool {
	return m.reach.Subscribe(ctx)
}

// SubscribeQuality streams quality changes, starting with the current value.
func (m *Monitor) SubscribeQuality(ctx context.Context) <-chan Quality {
	return m.qualityF.Subscribe(ctx)
}

// WaitForConnection blocks until the link is reachable, timeout elapses or
// ctx ends.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsReachable() {
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for v := range m.reach.Subscribe(wctx) {
		if v {
			return true
		}
	}
	return false
}

// WaitForGoodQuality blocks until quality reaches Good or better.
func (m *Monitor) WaitForGoodQuality(ctx context.Context, timeout time.Duration) bool {
	if m.CurrentQuality() >= Good {
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for q := range m.qualityF.Subscribe(wctx) {
		if q >= Good {
			return true
		}
	}
	return false
}

func (m *Monitor) TimeoutFor(op OperationType) time.Duration {
	return TimeoutFor(m.CurrentQuality(), op)
}

func (m *Monitor) ResourceTimeoutFor(op OperationType) time.Duration {
	return ResourceTimeoutFor(m.CurrentQuality(), op)
}

func (m *Monitor) Strategy() Strategy {
	return StrategyFor(m.CurrentQuality())
}
