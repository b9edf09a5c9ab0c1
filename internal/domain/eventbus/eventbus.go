// Package eventbus carries in-process notifications between components: a
// topic bus for fire-and-forget signals and typed feeds with last-value replay
// for observable state.
package eventbus

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus is the topic bus shared by a session's components.
type Bus = evbus.Bus

// New creates a bus. Each session owns its own; there is no global instance.
func New() Bus {
	return evbus.New()
}
