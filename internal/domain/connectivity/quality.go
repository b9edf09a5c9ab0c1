// Package connectivity tracks reachability of the posting service and turns
// it into a connection quality tier that drives timeouts and retry strategy.
package connectivity

import (
	"fmt"
	"time"
)

// Quality is an ordered tier: None < Poor < Fair < Good < Excellent.
type Quality int

const (
	None Quality = iota
	Poor
	Fair
	Good
	Excellent
)

func (q Quality) String() string {
	switch q {
	case None:
		return "none"
	case Poor:
		return "poor"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

func (q Quality) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// Strategy bounds how many times and how patiently an operation is retried.
type Strategy struct {
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
}

var (
	Conservative = Strategy{Name: "conservative", MaxRetries: 2, BaseDelay: 5 * time.Second}
	Moderate     = Strategy{Name: "moderate", MaxRetries: 3, BaseDelay: 2 * time.Second}
	Aggressive   = Strategy{Name: "aggressive", MaxRetries: 5, BaseDelay: time.Second}
)

// StrategyFor selects the preset for q.
func StrategyFor(q Quality) Strategy {
	switch q {
	case Excellent, Good:
		return Aggressive
	case Fair:
		return Moderate
	default:
		return Conservative
	}
}

// OperationType picks the base timeout for a network call.
type OperationType int

const (
	OpGeneral OperationType = iota
	OpAuthentication
	OpPosting
	OpRefresh
)

func (o OperationType) String() string {
	switch o {
	case OpAuthentication:
		return "authentication"
	case OpPosting:
		return "posting"
	case OpRefresh:
		return "refresh"
	default:
		return "general"
	}
}

// BaseTimeout is the per-request timeout under good conditions.
func BaseTimeout(op OperationType) time.Duration {
	switch op {
	case OpAuthentication:
		return 30 * time.Second
	case OpPosting:
		return 10 * time.Second
	case OpRefresh:
		return 20 * time.Second
	default:
		return 5 * time.Second
	}
}

// TimeoutFor scales the base timeout: ×1.5 on Fair or Poor links, ×0.5 when
// there is no connectivity so callers fail fast.
func TimeoutFor(q Quality, op OperationType) time.Duration {
	base := BaseTimeout(op)
	switch q {
	case Fair, Poor:
		return base * 3 / 2
	case None:
		return base / 2
	default:
		return base
	}
}

// ResourceTimeoutFor bounds a whole exchange and is always twice the request timeout.
func ResourceTimeoutFor(q Quality, op OperationType) time.Duration {
	return 2 * TimeoutFor(q, op)
}

// Signal is an observed link measurement.
type Signal struct {
	Latency time.Duration
	Loss    float64
}

// classify maps a measured signal onto a tier for a reachable link.
func classify(s Signal) Quality {
	switch {
	case s.Latency < 100*time.Millisecond && s.Loss < 0.01:
		return Excellent
	case s.Latency < 300*time.Millisecond && s.Loss < 0.03:
		return Good
	case s.Latency < 800*time.Millisecond && s.Loss < 0.10:
		return Fair
	default:
		return Poor
	}
}
