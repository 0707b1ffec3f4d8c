package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle of a physical channel.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateAuthFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthFailed:
		return "auth_failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Action is what a channel should do about a dropped connection.
type Action int

const (
	// WaitForSignal idles until SetVisible(true) or Reconnect.
	WaitForSignal Action = iota
	ReconnectNow
	// ReconnectAfter redials once Decision.Delay has elapsed.
	ReconnectAfter
)

// Input is everything the policy sees when deciding.
type Input struct {
	LastState       State
	SinceDisconnect time.Duration
	Visible         bool
	Explicit        bool
	Attempts        int
}

type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy decides when a dropped channel is redialed. Delays grow
// exponentially with failed attempts.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each delay, 0 to 1.
	Jitter float64
	// MaxAttempts stops automatic redials; an explicit request still
	// reconnects. Zero means unlimited.
	MaxAttempts int
}

func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.3,
		MaxAttempts:     0,
	}
}

// Decide maps in to an action. A channel that failed authentication or was
// closed is never redialed.
func (p *Policy) Decide(in Input) Decision {
	switch in.LastState {
	case StateAuthFailed, StateClosed, StateOpen:
		return Decision{Action: WaitForSignal}
	}
	if in.Explicit {
		return Decision{Action: ReconnectNow}
	}
	if !in.Visible {
		return Decision{Action: WaitForSignal}
	}
	if p.MaxAttempts > 0 && in.Attempts >= p.MaxAttempts {
		return Decision{Action: WaitForSignal}
	}
	if in.Attempts == 0 {
		return Decision{Action: ReconnectNow}
	}
	return Decision{Action: ReconnectAfter, Delay: p.delay(in.Attempts)}
}

// delay is the backoff interval before attempt n (n >= 1).
func (p *Policy) delay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
