package engine

import (
	"time"

	"layeh.com/radius"

	"github.com/codelaboratoryltd/radclient/pkg/credential"
	"github.com/codelaboratoryltd/radclient/pkg/retry"
)

// State is the lifecycle position of a request within one run.
type State int

const (
	Pending  State = iota // Waiting for a send slot
	InFlight              // Sent, identifier held, awaiting reply or expiry
	Done                  // Completed every resend cycle or skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// NoID marks a request that does not hold a protocol identifier.
const NoID = -1

// Request is one transaction description plus its runtime state. The
// exported fields are filled by the loader before Enqueue and are not
// modified by the engine.
type Request struct {
	Name       string
	Source     string
	Code       radius.Code
	Attributes radius.Attributes
	// Filter is sorted with filter.Sort.
	Filter       []*radius.AVP
	ExpectedCode radius.Code
	// Authenticator presets the request vector when non-nil.
	Authenticator *[16]byte
	Password      credential.Password

	seq      int
	state    State
	id       int
	vector   [16]byte
	packet   *radius.Packet
	wire     []byte
	reply    *radius.Packet
	sentAt   time.Time
	timer    *retry.State
	attempts int
	resends  int
}

// Seq returns the insertion sequence number assigned by Enqueue.
func (r *Request) Seq() int { return r.seq }

// State returns the lifecycle state.
func (r *Request) State() State { return r.state }

// ID returns the protocol identifier, or NoID when not in flight.
func (r *Request) ID() int { return r.id }

// Done reports whether the request is complete.
func (r *Request) Done() bool { return r.state == Done }

// Attempts returns the transmissions made in the current resend cycle.
func (r *Request) Attempts() int { return r.attempts }

// Resends returns the number of resend cycles started.
func (r *Request) Resends() int { return r.resends }

// SentAt returns the time of the most recent transmission.
func (r *Request) SentAt() time.Time { return r.sentAt }

// Packet returns the packet currently on the wire, if any.
func (r *Request) Packet() *radius.Packet { return r.packet }

// Reply returns the last correlated reply, if any.
func (r *Request) Reply() *radius.Packet { return r.reply }

func (r *Request) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Source
}
