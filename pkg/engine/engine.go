// Package engine implements the request transaction engine: it owns the
// batch of requests, hands out protocol identifiers, drives every request
// through send, retransmit, reply and expiry, and keeps the run statistics.
//
// The engine is not safe for concurrent use. All methods are expected to run
// on the dispatcher goroutine.
package engine

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radclient/pkg/allocator"
	"github.com/codelaboratoryltd/radclient/pkg/codec"
	"github.com/codelaboratoryltd/radclient/pkg/credential"
	"github.com/codelaboratoryltd/radclient/pkg/filter"
	"github.com/codelaboratoryltd/radclient/pkg/retry"
)

// ErrEncode marks a request that could not be turned into a packet. Such
// requests are skipped; the run continues.
var ErrEncode = errors.New("encode request")

// Outcomes reported to the Recorder when a resend cycle finishes.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeLost    = "lost"
	OutcomeSkipped = "skipped"
)

// Transport sends packets and yields queued replies.
type Transport interface {
	// EncodeAndSend returns the bytes written. Errors wrapping
	// codec.ErrEncode are local to the packet; any other error is fatal.
	EncodeAndSend(pkt *radius.Packet) ([]byte, error)
	TryReceive() (codec.Reply, bool)
}

// Interest toggles write readiness in the event loop.
type Interest interface {
	SetWritable(on bool)
}

// Recorder observes engine activity, typically for metrics.
type Recorder interface {
	RequestSent(code radius.Code, retransmit bool)
	ReplyReceived(code radius.Code, rtt time.Duration)
	Completed(outcome string)
}

// Config holds the run parameters.
type Config struct {
	Secret []byte
	Retry  *retry.Table
	// ResendCount is the number of resend cycles per request (at least 1).
	ResendCount int
	// PrintFilename logs the source file with every reply code.
	PrintFilename bool
	// FirstID seeds the identifier cursor.
	FirstID uint8
	// Stream marks a reliable transport (TCP). Requests are never
	// retransmitted on it (RFC 6613 section 2.6.1); they wait out the retry
	// policy and then expire.
	Stream bool
	// AttributeName resolves attribute names for filter diagnostics.
	AttributeName filter.Namer
}

// Engine is the request transaction engine.
type Engine struct {
	cfg       Config
	transport Transport
	encoder   *credential.Encoder
	ids       *allocator.IdentifierPool
	logger    *zap.Logger
	recorder  Recorder
	interest  Interest
	rand      io.Reader

	requests []*Request
	cursor   int
	inflight [allocator.PoolSize]*Request
	live     int
	starved  bool

	stats Statistics
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithRand sets the source of request authenticators and credential
// randomness.
func WithRand(r io.Reader) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// New creates an engine bound to transport.
func New(cfg Config, transport Transport, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("shared secret required")
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.NewTable(retry.DefaultPolicy())
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.ResendCount < 1 {
		cfg.ResendCount = 1
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		ids:       allocator.NewIdentifierPool(cfg.FirstID),
		logger:    logger,
		recorder:  nopRecorder{},
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.encoder = credential.NewEncoder(logger, credential.WithRand(e.rand))

	return e, nil
}

// SetInterest connects the engine to the event loop's write toggle.
func (e *Engine) SetInterest(i Interest) {
	e.interest = i
}

// Enqueue appends req to the batch.
func (e *Engine) Enqueue(req *Request) {
	req.seq = len(e.requests)
	req.state = Pending
	req.id = NoID
	e.requests = append(e.requests, req)
	e.live++
	e.setWritable(true)
}

// Requests returns the batch in insertion order.
func (e *Engine) Requests() []*Request {
	return e.requests
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Statistics {
	return e.stats
}

// Done reports whether every request has completed.
func (e *Engine) Done() bool {
	return e.live == 0
}

// Outstanding returns the number of requests holding an identifier.
func (e *Engine) Outstanding() int {
	return e.ids.Stats().Allocated
}

// NextSendable returns the first pending request in insertion order.
func (e *Engine) NextSendable() *Request {
	for e.cursor < len(e.requests) {
		if req := e.requests[e.cursor]; req.state == Pending {
			return req
		}
		e.cursor++
	}
	return nil
}

// OnWritable sends the next pending request. It withdraws write interest
// when nothing is sendable or no identifier is free.
func (e *Engine) OnWritable(now time.Time) error {
	req := e.NextSendable()
	if req == nil {
		e.setWritable(false)
		return nil
	}

	id, err := e.ids.Allocate()
	if err != nil {
		if errors.Is(err, allocator.ErrExhausted) {
			e.logger.Debug("All identifiers in use, pausing writes",
				zap.Int("in_flight", e.Outstanding()))
			e.starved = true
			e.setWritable(false)
			return nil
		}
		return err
	}

	req.id = int(id)
	if err := e.newVector(req); err != nil {
		e.skip(req, err)
		return nil
	}

	if err := e.transmit(req); err != nil {
		if errors.Is(err, ErrEncode) {
			e.skip(req, err)
			return nil
		}
		return err
	}

	e.inflight[id] = req
	req.state = InFlight
	req.attempts = 1
	req.resends++
	req.sentAt = now
	req.timer = retry.Start(e.cfg.Retry.Lookup(req.Code), now)

	e.logger.Debug("Sent request",
		zap.String("name", req.label()),
		zap.String("code", codec.CodeName(req.Code)),
		zap.Int("id", req.id),
		zap.Int("cycle", req.resends))
	e.recorder.RequestSent(req.Code, false)
	return nil
}

// OnReadable processes every queued reply.
func (e *Engine) OnReadable(now time.Time) error {
	for {
		reply, ok := e.transport.TryReceive()
		if !ok {
			return nil
		}
		e.receive(now, reply)
	}
}

// OnTimer retransmits or expires every in-flight request whose deadline
// has passed.
func (e *Engine) OnTimer(now time.Time) error {
	for _, req := range e.inflight {
		if req == nil {
			continue
		}

		switch req.timer.Next(now) {
		case retry.Wait:
		case retry.Retransmit:
			if e.cfg.Stream {
				e.logger.Debug("Not retransmitting over stream transport",
					zap.String("name", req.label()),
					zap.Int("id", req.id),
					zap.Int("attempt", req.timer.Attempts()))
				continue
			}
			if err := e.retransmit(now, req); err != nil {
				return err
			}
		case retry.Expire:
			e.logger.Warn("No reply from server",
				zap.String("name", req.label()),
				zap.Int("id", req.id),
				zap.Int("attempts", req.timer.Attempts()),
				zap.Duration("elapsed", req.timer.Elapsed(now)))
			e.stats.Lost++
			e.recorder.Completed(OutcomeLost)
			e.release(req)
			e.finishCycle(req)
		}
	}
	return nil
}

// OnError logs a fatal loop error.
func (e *Engine) OnError(err error) {
	e.logger.Error("Aborting run",
		zap.Error(err),
		zap.Int("in_flight", e.Outstanding()),
		zap.Int("remaining", e.live))
}

// NextDeadline returns the earliest retry deadline among in-flight
// requests.
func (e *Engine) NextDeadline() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, req := range e.inflight {
		if req == nil {
			continue
		}
		if d := req.timer.Deadline(); !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

func (e *Engine) receive(now time.Time, reply codec.Reply) {
	req := e.inflight[reply.Identifier]
	if req == nil {
		e.logger.Debug("Discarding reply with unknown identifier",
			zap.Uint8("id", reply.Identifier),
			zap.String("code", codec.CodeName(reply.Code)))
		return
	}

	pkt, err := codec.Decode(reply, req.wire, e.cfg.Secret)
	if errors.Is(err, codec.ErrBadAuthenticator) {
		// Not an answer to the packet now holding this identifier.
		e.logger.Debug("Discarding reply with invalid authenticator",
			zap.String("name", req.label()),
			zap.Uint8("id", reply.Identifier))
		return
	}

	if e.cfg.PrintFilename {
		e.logger.Info("Reply received",
			zap.String("file", req.Source),
			zap.Int("code", int(reply.Code)))
	}

	rtt := now.Sub(req.sentAt)
	e.release(req)

	if err != nil {
		e.logger.Error("Reply decode failed",
			zap.String("name", req.label()),
			zap.Error(err))
		e.stats.Lost++
		e.recorder.Completed(OutcomeLost)
		e.finishCycle(req)
		return
	}

	req.reply = pkt
	e.recorder.ReplyReceived(pkt.Code, rtt)

	if codec.IsAckClass(pkt.Code) {
		e.stats.Accepted++
	} else {
		e.stats.Rejected++
	}

	res := filter.Match(req.ExpectedCode, req.Filter, pkt.Code, pkt.Attributes)
	if res.Passed {
		e.logger.Debug("Response passed filter",
			zap.String("name", req.label()),
			zap.String("code", codec.CodeName(pkt.Code)),
			zap.Duration("rtt", rtt))
		e.stats.Passed++
		e.recorder.Completed(OutcomePassed)
	} else {
		for _, line := range res.Diagnostics(e.cfg.AttributeName) {
			e.logger.Error("Response failed filter",
				zap.String("name", req.label()),
				zap.String("reason", line))
		}
		e.stats.Failed++
		e.recorder.Completed(OutcomeFailed)
	}

	e.finishCycle(req)
}

func (e *Engine) retransmit(now time.Time, req *Request) error {
	if err := e.transmit(req); err != nil {
		if !errors.Is(err, ErrEncode) {
			return err
		}
		e.logger.Error("Failed to re-encode request",
			zap.String("name", req.label()),
			zap.Error(err))
		e.stats.Lost++
		e.recorder.Completed(OutcomeLost)
		e.release(req)
		e.finishCycle(req)
		return nil
	}

	req.attempts = req.timer.Attempts()
	req.sentAt = now

	e.logger.Debug("Retransmitting request",
		zap.String("name", req.label()),
		zap.Int("id", req.id),
		zap.Int("attempt", req.attempts))
	e.recorder.RequestSent(req.Code, true)
	return nil
}

// transmit builds a fresh packet from the request template, derives
// credentials into it and writes it.
func (e *Engine) transmit(req *Request) error {
	pkt := &radius.Packet{
		Code:          req.Code,
		Identifier:    uint8(req.id),
		Authenticator: req.vector,
		Secret:        e.cfg.Secret,
		Attributes:    cloneAttributes(req.Attributes),
	}

	if err := e.encoder.Apply(pkt, req.Password); err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}

	if needsMessageAuthenticator(req) {
		if err := codec.AddMessageAuthenticator(pkt, e.cfg.Secret); err != nil {
			return fmt.Errorf("%w: message authenticator: %v", ErrEncode, err)
		}
	}

	wire, err := e.transport.EncodeAndSend(pkt)
	if err != nil {
		if errors.Is(err, codec.ErrEncode) {
			return fmt.Errorf("%w: %v", ErrEncode, err)
		}
		return err
	}

	req.packet = pkt
	req.wire = wire
	return nil
}

func (e *Engine) newVector(req *Request) error {
	if req.Authenticator != nil {
		req.vector = *req.Authenticator
		return nil
	}
	if _, err := io.ReadFull(e.rand, req.vector[:]); err != nil {
		return fmt.Errorf("%w: generate authenticator: %v", ErrEncode, err)
	}
	return nil
}

// skip abandons a request that could not be encoded.
func (e *Engine) skip(req *Request, err error) {
	e.logger.Error("Skipping request",
		zap.String("name", req.label()),
		zap.Error(err))
	e.stats.Skipped++
	e.recorder.Completed(OutcomeSkipped)
	e.release(req)
	e.remove(req)
}

// release returns the identifier and drops the wire packet.
func (e *Engine) release(req *Request) {
	if req.id == NoID {
		return
	}

	id := uint8(req.id)
	if e.inflight[id] == req {
		e.inflight[id] = nil
	}
	if err := e.ids.Release(id); err != nil {
		panic(fmt.Sprintf("engine: release of identifier %d for %q: %v", id, req.label(), err))
	}

	req.id = NoID
	req.packet = nil
	req.wire = nil
	req.timer = nil

	if e.starved {
		e.starved = false
		e.setWritable(true)
	}
}

// finishCycle completes the current resend cycle: the request either goes
// back to pending for another cycle or leaves the live set.
func (e *Engine) finishCycle(req *Request) {
	if req.resends < e.cfg.ResendCount {
		req.state = Pending
		req.attempts = 0
		if req.seq < e.cursor {
			e.cursor = req.seq
		}
		e.setWritable(true)
		return
	}
	e.remove(req)
}

// remove takes req out of the live set. Removing twice is a programming
// error.
func (e *Engine) remove(req *Request) {
	if req.state == Done {
		panic(fmt.Sprintf("engine: request %d (%q) removed twice", req.seq, req.label()))
	}
	req.state = Done
	e.live--
}

func (e *Engine) setWritable(on bool) {
	if e.interest != nil {
		e.interest.SetWritable(on)
	}
}

func needsMessageAuthenticator(req *Request) bool {
	switch req.Code {
	case radius.CodeStatusServer:
		return true
	case radius.CodeAccessRequest:
		_, ok := req.Attributes.Lookup(rfc2869.MessageAuthenticator_Type)
		return ok
	default:
		return false
	}
}

func cloneAttributes(attrs radius.Attributes) radius.Attributes {
	out := make(radius.Attributes, 0, len(attrs))
	for _, avp := range attrs {
		out = append(out, &radius.AVP{
			Type:      avp.Type,
			Attribute: append(radius.Attribute(nil), avp.Attribute...),
		})
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) RequestSent(radius.Code, bool)            {}
func (nopRecorder) ReplyReceived(radius.Code, time.Duration) {}
func (nopRecorder) Completed(string)                         {}
