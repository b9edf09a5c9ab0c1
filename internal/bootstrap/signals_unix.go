//go:build unix

package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/platform/logging"
)

// watchLifecycleSignals maps SIGUSR1 to system sleep and SIGUSR2 to wake,
// so a host suspend hook can pause background work.
func watchLifecycleSignals(ctx context.Context, bus eventbus.Bus, logger logging.Interface) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case sig := <-ch:
				topic := eventbus.TopicSystemWake
				if sig == syscall.SIGUSR1 {
					topic = eventbus.TopicSystemSleep
				}
				logger.Info("[Bootstrap] %s received, publishing %s", sig, topic)
				bus.Publish(topic, eventbus.LifecycleEvent{At: time.Now()})
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
