package session

import "errors"

// Phase is the step a PostText call is in.
type Phase int

const (
	PhaseValidating Phase = iota
	PhaseAuthenticating
	PhasePosting
	PhaseDone
	PhaseQueued
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseAuthenticating:
		return "authenticating"
	case PhasePosting:
		return "posting"
	case PhaseDone:
		return "done"
	case PhaseQueued:
		return "queued"
	default:
		return "failed"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Terminal reports whether no further transition follows p.
func (p Phase) Terminal() bool { return p >= PhaseDone }

var ErrInvalidText = errors.New("invalid post text")

// PostResult describes a PostText outcome. When Queued is set the post was
// accepted for later delivery and QueueID names the queued item.
type PostResult struct {
	ID        string `json:"id,omitempty"`
	Queued    bool   `json:"queued"`
	QueueID   string `json:"queueId,omitempty"`
	Remaining int    `json:"remaining"`
	Phase     Phase  `json:"phase"`
}
