package retry

import "time"

// Action is the decision taken when a retransmission deadline fires.
type Action int

const (
	Wait       Action = iota // Deadline not reached yet
	Retransmit               // Send the request again
	Expire                   // Give up; the request is lost
)

func (a Action) String() string {
	switch a {
	case Wait:
		return "Wait"
	case Retransmit:
		return "Retransmit"
	case Expire:
		return "Expire"
	default:
		return "Unknown"
	}
}

// State tracks the retransmission timer of one in-flight request.
type State struct {
	policy   Policy
	start    time.Time
	attempts int
	deadline time.Time
}

// Start arms the timer for the first transmission sent at now.
func Start(p Policy, now time.Time) *State {
	s := &State{
		policy:   p,
		start:    now,
		attempts: 1,
	}
	s.arm(now)
	return s
}

// Deadline is the instant the next decision is due.
func (s *State) Deadline() time.Time {
	return s.deadline
}

// Attempts returns the number of transmissions so far.
func (s *State) Attempts() int {
	return s.attempts
}

// Elapsed returns the time since the first transmission.
func (s *State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.start)
}

// Next decides what happens at now. On Retransmit the attempt counter has
// already been advanced and the next deadline armed.
func (s *State) Next(now time.Time) Action {
	if now.Before(s.deadline) {
		return Wait
	}
	if s.policy.MaxDuration > 0 && now.Sub(s.start) >= s.policy.MaxDuration {
		return Expire
	}
	if s.policy.MaxCount > 0 && s.attempts >= s.policy.MaxCount {
		return Expire
	}

	s.attempts++
	s.arm(now)
	return Retransmit
}

func (s *State) arm(now time.Time) {
	s.deadline = now.Add(s.policy.Interval(s.attempts))
	if s.policy.MaxDuration > 0 {
		if limit := s.start.Add(s.policy.MaxDuration); s.deadline.After(limit) {
			s.deadline = limit
		}
	}
}
