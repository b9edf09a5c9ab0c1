// Package task runs owned background loops that can be paused and resumed.
package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAlreadyRunning = errors.New("task already running")

// Periodic calls fn every interval until stopped. While paused no tick fires.
// Resume runs fn once immediately and then restarts the interval from that
// moment, so missed ticks are never replayed.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	paused  bool
	control chan signal
}

type signal int

const (
	signalReschedule signal = iota
	signalRunNow
)

func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		control:  make(chan signal, 4),
	}
}

func (p *Periodic) Name() string { return p.name }

// Start launches the loop under a context derived from ctx.
func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, p.done)
	return nil
}

// Stop cancels the loop and waits for an in-progress fn to return.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Periodic) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.send(signalReschedule)
}

func (p *Periodic) Resume() {
	p.mu.Lock()
	wasPaused := p.paused
	p.paused = false
	p.mu.Unlock()
	if wasPaused {
		p.send(signalRunNow)
	}
}

// Trigger runs fn as soon as possible unless paused.
func (p *Periodic) Trigger() {
	p.send(signalRunNow)
}

func (p *Periodic) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Periodic) send(s signal) {
	select {
	case p.control <- s:
	default:
	}
}

func (p *Periodic) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	if p.Paused() {
		timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.control:
			if p.Paused() {
				timer.Stop()
				continue
			}
			if s == signalRunNow {
				p.fn(ctx)
			}
			timer.Reset(p.interval)
		case <-timer.C:
			if p.Paused() {
				continue
			}
			p.fn(ctx)
			timer.Reset(p.interval)
		}
	}
}
