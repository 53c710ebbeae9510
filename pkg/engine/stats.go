package engine

import (
	"fmt"
	"io"
)

// Statistics are the run counters. accepted+rejected counts correlated
// replies; lost+passed+failed counts finished resend cycles.
type Statistics struct {
	Accepted uint64
	Rejected uint64
	Lost     uint64
	Passed   uint64
	Failed   uint64
	// Skipped counts requests that could not be encoded and were never sent.
	Skipped uint64
}

// Success reports whether the run should exit zero: nothing lost, failed
// or skipped.
func (s Statistics) Success() bool {
	return s.Lost == 0 && s.Failed == 0 && s.Skipped == 0
}

// WriteSummary prints the packet summary table.
func (s Statistics) WriteSummary(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Packet summary:\n"+
		"\tAccepted      : %d\n"+
		"\tRejected      : %d\n"+
		"\tLost          : %d\n"+
		"\tPassed filter : %d\n"+
		"\tFailed filter : %d\n",
		s.Accepted, s.Rejected, s.Lost, s.Passed, s.Failed)
	if err != nil {
		return err
	}
	if s.Skipped > 0 {
		_, err = fmt.Fprintf(w, "\tSkipped       : %d\n", s.Skipped)
	}
	return err
}
