// Package credential derives wire-ready password attributes for RADIUS
// requests: PAP User-Password, CHAP-Password and MS-CHAPv1.
//
// Credentials are derived per transmission because they depend on the
// request authenticator. The encoder only touches the packet it is given;
// callers build that packet from a copy of the stored request attributes so
// the cleartext password is never overwritten.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/vendors/microsoft"
)

// Kind selects the password encoding applied to a request.
type Kind int

const (
	KindNone   Kind = iota // No password handling
	KindUser               // User-Password (PAP)
	KindCHAP               // CHAP-Password
	KindMSCHAP             // MS-CHAP-Challenge + MS-CHAP-Response
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUser:
		return "pap"
	case KindCHAP:
		return "chap"
	case KindMSCHAP:
		return "mschap"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Password is the cleartext credential stored on a request.
type Password struct {
	Kind  Kind
	Value []byte
}

// IsZero reports whether no password handling is configured.
func (p Password) IsZero() bool {
	return p.Kind == KindNone
}

// ErrNoPacket is returned when Apply is given a nil packet.
var ErrNoPacket = errors.New("credential: nil packet")

// Encoder writes derived password attributes into outgoing packets.
type Encoder struct {
	rand   io.Reader
	logger *zap.Logger
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithRand sets the source of CHAP identifiers and MS-CHAP challenges.
func WithRand(r io.Reader) Option {
	return func(e *Encoder) {
		e.rand = r
	}
}

// NewEncoder creates an encoder backed by crypto/rand.
func NewEncoder(logger *zap.Logger, opts ...Option) *Encoder {
	e := &Encoder{
		rand:   rand.Reader,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply encodes pw into pkt, replacing previous occurrences of the derived
// attributes. pkt.Authenticator and pkt.Secret must already be final.
func (e *Encoder) Apply(pkt *radius.Packet, pw Password) error {
	if pkt == nil {
		return ErrNoPacket
	}

	switch pw.Kind {
	case KindNone:
		e.logger.Debug("No password in the request",
			zap.Uint8("id", pkt.Identifier))
		return nil

	case KindUser:
		if err := rfc2865.UserPassword_Set(pkt, pw.Value); err != nil {
			return fmt.Errorf("encode User-Password: %w", err)
		}
		return nil

	case KindCHAP:
		return e.applyCHAP(pkt, pw.Value)

	case KindMSCHAP:
		return e.applyMSCHAP(pkt, pw.Value)

	default:
		return fmt.Errorf("unsupported password %s", pw.Kind)
	}
}

func (e *Encoder) applyCHAP(pkt *radius.Packet, password []byte) error {
	if IsPreEncodedCHAP(password) {
		pkt.Attributes.Set(rfc2865.CHAPPassword_Type, radius.Attribute(password))
		return nil
	}

	var id [1]byte
	if _, err := io.ReadFull(e.rand, id[:]); err != nil {
		return fmt.Errorf("generate CHAP identifier: %w", err)
	}

	challenge := pkt.Authenticator[:]
	if c, ok := pkt.Attributes.Lookup(rfc2865.CHAPChallenge_Type); ok && len(c) == CHAPChallengeLen {
		challenge = c
	}

	pkt.Attributes.Set(rfc2865.CHAPPassword_Type, radius.Attribute(CHAP(id[0], password, challenge)))
	return nil
}

func (e *Encoder) applyMSCHAP(pkt *radius.Packet, password []byte) error {
	var challenge [MSCHAPChallengeLen]byte
	if _, err := io.ReadFull(e.rand, challenge[:]); err != nil {
		return fmt.Errorf("generate MS-CHAP challenge: %w", err)
	}

	resp, err := MSCHAPv1(challenge, string(password))
	if err != nil {
		return fmt.Errorf("encode MS-CHAP-Response: %w", err)
	}

	microsoft.MSCHAPChallenge_Del(pkt)
	microsoft.MSCHAPResponse_Del(pkt)
	if err := microsoft.MSCHAPChallenge_Add(pkt, challenge[:]); err != nil {
		return fmt.Errorf("set MS-CHAP-Challenge: %w", err)
	}
	if err := microsoft.MSCHAPResponse_Add(pkt, resp); err != nil {
		return fmt.Errorf("set MS-CHAP-Response: %w", err)
	}
	return nil
}
