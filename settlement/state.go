package settlement

import (
	"time"

	"github.com/vitwit/x402-facilitator/types"
)

// State is a step of the settlement state machine.
type State string

const (
	StateReceived      State = "received"
	StateVerifying     State = "verifying"
	StateRejected      State = "rejected"
	StateVerified      State = "verified"
	StateSubmitting    State = "submitting"
	StateSubmitted     State = "submitted"
	StatePolling       State = "polling"
	StateConfirmed     State = "confirmed"
	StateChainRejected State = "chain_rejected"
	StateTimedOut      State = "timed_out"
)

// Terminal reports whether no transition leaves st.
func (st State) Terminal() bool {
	switch st {
	case StateRejected, StateConfirmed, StateChainRejected, StateTimedOut:
		return true
	}
	return false
}

// PollPolicy bounds confirmation polling. Intervals double from
// InitialInterval up to MaxInterval. MaxAttempts of zero leaves only the
// Timeout bound.
type PollPolicy struct {
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Timeout:         60 * time.Second,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// PollPolicyFromConfig fills the unset fields of cfg with defaults.
func PollPolicyFromConfig(cfg types.PollConfig) PollPolicy {
	return PollPolicy{
		Timeout:         cfg.Timeout,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxAttempts:     cfg.MaxAttempts,
	}.withDefaults()
}

func (p PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

func (p PollPolicy) next(cur time.Duration) time.Duration {
	cur *= 2
	if cur > p.MaxInterval {
		return p.MaxInterval
	}
	return cur
}
