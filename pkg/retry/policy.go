// Package retry implements the retransmission policy for outstanding
// RADIUS requests: exponential backoff bounded by a maximum interval, a
// maximum total duration and a maximum transmission count.
package retry

import (
	"fmt"
	"time"

	"layeh.com/radius"
)

// Policy holds the retransmission knobs for one packet type.
type Policy struct {
	Initial     time.Duration // irt: first retransmission interval
	MaxInterval time.Duration // mrt: cap for the exponential backoff
	MaxDuration time.Duration // mrd: total time budget from the first send (0 = unlimited)
	MaxCount    int           // mrc: maximum number of transmissions (0 = unlimited)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     2 * time.Second,
		MaxInterval: 16 * time.Second,
		MaxDuration: 30 * time.Second,
		MaxCount:    5,
	}
}

// Validate checks that the policy can terminate.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial retransmission interval must be positive, got %s", p.Initial)
	}
	if p.MaxInterval < 0 || p.MaxDuration < 0 || p.MaxCount < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}
	if p.MaxDuration == 0 && p.MaxCount == 0 {
		return fmt.Errorf("either a maximum duration or a maximum count is required")
	}
	return nil
}

// Interval returns the wait after transmission number attempt (1-based):
// Initial * 2^(attempt-1), capped at MaxInterval.
func (p Policy) Interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	interval := p.Initial
	for i := 1; i < attempt; i++ {
		interval *= 2
		if p.MaxInterval > 0 && interval >= p.MaxInterval {
			return p.MaxInterval
		}
		// Overflow guard for absurd attempt numbers without a cap.
		if interval <= 0 {
			return time.Duration(1<<63 - 1)
		}
	}

	if p.MaxInterval > 0 && interval > p.MaxInterval {
		return p.MaxInterval
	}
	return interval
}

// Table resolves a policy per packet code.
type Table struct {
	def    Policy
	byCode map[radius.Code]Policy
}

// NewTable creates a table that falls back to def.
func NewTable(def Policy) *Table {
	return &Table{
		def:    def,
		byCode: make(map[radius.Code]Policy),
	}
}

// Set overrides the policy for one packet code.
func (t *Table) Set(code radius.Code, p Policy) {
	t.byCode[code] = p
}

// Lookup returns the policy for code.
func (t *Table) Lookup(code radius.Code) Policy {
	if p, ok := t.byCode[code]; ok {
		return p
	}
	return t.def
}

// Validate validates every policy in the table.
func (t *Table) Validate() error {
	if err := t.def.Validate(); err != nil {
		return fmt.Errorf("default policy: %w", err)
	}
	for code, p := range t.byCode {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for %s: %w", code, err)
		}
	}
	return nil
}
