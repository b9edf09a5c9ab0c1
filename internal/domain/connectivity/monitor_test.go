package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postkeeper/internal/domain/eventbus"
)

type switchProber struct {
	mu  sync.Mutex
	res ProbeResult
}

func (p *switchProber) set(res ProbeResult) {
	p.mu.Lock()
	p.res = res
	p.mu.Unlock()
}

func (p *switchProber) Probe(context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res, nil
}

func TestMonitor_ProbeDerivesQuality(t *testing.T) {
	prober := &switchProber{res: ProbeResult{Reachable: true, Signal: &Signal{Latency: 500 * time.Millisecond}}}
	m := NewMonitor(Options{Prober: prober, Interval: time.Hour})

	assert.Equal(t, Fair, m.Probe(context.Background()))
	assert.True(t, m.IsReachable())
	assert.Equal(t, Moderate, m.Strategy())
	assert.Equal(t, 15*time.Second, m.TimeoutFor(OpPosting))

	prober.set(ProbeResult{Reachable: false})
	assert.Equal(t, None, m.Probe(context.Background()))
	assert.False(t, m.IsReachable())
	assert.Equal(t, 5*time.Second, m.TimeoutFor(OpPosting))
}

func TestMonitor_ReportedSignalOverridesProbe(t *testing.T) {
	prober := &switchProber{res: ProbeResult{Reachable: true}}
	m := NewMonitor(Options{Prober: prober, Interval: time.Hour})

	assert.Equal(t, Excellent, m.Probe(context.Background()))
	assert.Equal(t, Poor, m.ReportSignal(2*time.Second, 0.2))
	assert.Equal(t, Poor, m.Probe(context.Background()))
	assert.Equal(t, Excellent, m.ClearSignal())
}

func TestMonitor_PublishesTransitions(t *testing.T) {
	bus := eventbus.New()
	var (
		mu     sync.Mutex
		topics []string
	)
	record := func(topic string) func(eventbus.ConnectivityEvent) {
		return func(eventbus.ConnectivityEvent) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
		}
	}
	require.NoError(t, bus.Subscribe(eventbus.TopicConnectivityRestored, record("restored")))
	require.NoError(t, bus.Subscribe(eventbus.TopicConnectivityLost, record("lost")))

	m := NewMonitor(Options{Bus: bus, Interval: time.Hour})
	m.ReportReachability(true)
	m.ReportReachability(true)
	m.ReportReachability(false)
	m.ReportReachability(true)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"restored", "lost", "restored"}, topics)
}

func TestMonitor_WaitForConnection(t *testing.T) {
	m := NewMonitor(Options{Interval: time.Hour})
	m.ReportReachability(false)

	done := make(chan bool, 1)
	go func() {
		done <- m.WaitForConnection(context.Background(), 2*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	m.ReportReachability(true)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForConnection did not return")
	}
}

func TestMonitor_WaitForGoodQualityTimesOut(t *testing.T) {
	m := NewMonitor(Options{Interval: time.Hour})
	m.ReportReachability(true)
	m.ReportSignal(time.Second, 0)

	start := time.Now()
	assert.False(t, m.WaitForGoodQuality(context.Background(), 50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitor_SubscribeQualityReplaysCurrent(t *testing.T) {
	m := NewMonitor(Options{Interval: time.Hour})
	m.ReportReachability(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.SubscribeQuality(ctx)
	select {
	case q := <-ch:
		assert.Equal(t, Excellent, q)
	case <-time.After(time.Second):
		t.Fatal("no replay")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	prober := &switchProber{res: ProbeResult{Reachable: true}}
	m := NewMonitor(Options{Prober: prober, Interval: 10 * time.Millisecond})
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsReachable())

	prober.set(ProbeResult{Reachable: false})
	assert.Eventually(t, func() bool { return !m.IsReachable() }, time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestMonitor_ConcurrentReportsPublishInOrder(t *testing.T) {
	bus := eventbus.New()
	var (
		mu     sync.Mutex
		events []bool
	)
	record := func(ev eventbus.ConnectivityEvent) {
		mu.Lock()
		events = append(events, ev.Reachable)
		mu.Unlock()
	}
	require.NoError(t, bus.Subscribe(eventbus.TopicConnectivityRestored, record))
	require.NoError(t, bus.Subscribe(eventbus.TopicConnectivityLost, record))

	m := NewMonitor(Options{Bus: bus})
	m.ReportReachability(true)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				switch (g + i) % 3 {
				case 0:
					m.ReportReachability(i%2 == 0)
				case 1:
					m.ReportSignal(time.Duration(i)*time.Millisecond, 0)
				default:
					m.ClearSignal()
				}
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.True(t, events[0])
	for i := 1; i < len(events); i++ {
		require.NotEqual(t, events[i-1], events[i], "event %d repeats the previous transition", i)
	}
	assert.Equal(t, m.IsReachable(), events[len(events)-1])

	reach, _ := m.reach.Last()
	assert.Equal(t, m.IsReachable(), reach)
	q, _ := m.qualityF.Last()
	assert.Equal(t, m.CurrentQuality(), q)
}
