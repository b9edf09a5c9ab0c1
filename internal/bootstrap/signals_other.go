//go:build !unix

package bootstrap

import (
	"context"

	"postkeeper/internal/domain/eventbus"
	"postkeeper/internal/platform/logging"
)

func watchLifecycleSignals(context.Context, eventbus.Bus, logging.Interface) func() {
	return func() {}
}
