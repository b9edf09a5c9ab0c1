package eventbus

import "time"

const (
	// Connectivity transitions, published by the connection monitor.
	TopicConnectivityRestored = "connectivity:restored"
	TopicConnectivityLost     = "connectivity:lost"
	TopicQualityChanged       = "connectivity:quality"

	// Host lifecycle, published by the process on sleep/wake signals.
	TopicSystemSleep = "system:sleep"
	TopicSystemWake  = "system:wake"

	TopicAuthStateChanged = "auth:state"
	TopicPostDelivered    = "post:delivered"
)

type ConnectivityEvent struct {
	Reachable bool      `json:"reachable"`
	Quality   string    `json:"quality"`
	At        time.Time `json:"at"`
}

type LifecycleEvent struct {
	At time.Time `json:"at"`
}

type AuthStateEvent struct {
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type PostEvent struct {
	ID     string    `json:"id,omitempty"`
	Text   string    `json:"text"`
	Queued bool      `json:"queued"`
	At     time.Time `json:"at"`
}
