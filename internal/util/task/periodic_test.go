package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodic_Ticks(t *testing.T) {
	var calls atomic.Int32
	p := NewPeriodic("ticker", 10*time.Millisecond, func(context.Context) { calls.Add(1) })
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyRunning)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestPeriodic_PauseResume(t *testing.T) {
	var calls atomic.Int32
	p := NewPeriodic("pausable", 20*time.Millisecond, func(context.Context) { calls.Add(1) })
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	p.Pause()
	assert.Eventually(t, p.Paused, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	before := calls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, before, calls.Load(), "no ticks while paused")

	p.Resume()
	assert.Eventually(t, func() bool { return calls.Load() > before }, time.Second, time.Millisecond)
}

func TestPeriodic_TriggerAndStop(t *testing.T) {
	var calls atomic.Int32
	p := NewPeriodic("manual", time.Hour, func(context.Context) { calls.Add(1) })
	require.NoError(t, p.Start(context.Background()))

	p.Trigger()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	p.Stop()
	assert.False(t, p.Running())
	p.Stop()
}
