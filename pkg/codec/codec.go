// Package codec moves RADIUS packets between memory and the wire: packet
// encoding, reply verification and decoding, code names, and the client
// connection used to exchange datagrams or stream frames with a server.
package codec

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/radius"
	"layeh.com/radius/rfc2869"
)

const (
	// HeaderLen is the fixed RADIUS header: code, identifier, length and
	// authenticator.
	HeaderLen = 20
	// MaxPacketLen is the largest packet RFC 2865 allows.
	MaxPacketLen = 4096
)

var (
	// ErrShortPacket is returned for frames smaller than a RADIUS header.
	ErrShortPacket = errors.New("packet shorter than RADIUS header")
	// ErrBadAuthenticator is returned when a reply fails the response
	// authenticator check against its request.
	ErrBadAuthenticator = errors.New("reply authenticator does not match request")
	// ErrEncode wraps packet encoding failures, which are local to one
	// request rather than fatal to the connection.
	ErrEncode = errors.New("encode packet")
)

// Encode serialises pkt. Request authenticators for accounting and
// dynamic authorization requests are computed here.
func Encode(pkt *radius.Packet) ([]byte, error) {
	b, err := pkt.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

// AddMessageAuthenticator sets Message-Authenticator (RFC 2869 section 5.14)
// to the HMAC-MD5 of the packet under secret. The packet authenticator must
// already hold its final value.
func AddMessageAuthenticator(pkt *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(pkt)

	if err := rfc2869.MessageAuthenticator_Set(pkt, make([]byte, md5.Size)); err != nil {
		return err
	}

	encoded, err := pkt.Encode()
	if err != nil {
		return err
	}

	mac := hmac.New(md5.New, secret)
	mac.Write(encoded)

	return rfc2869.MessageAuthenticator_Set(pkt, mac.Sum(nil))
}

// Reply is a raw frame received from the server, with its header fields
// peeked for correlation.
type Reply struct {
	Identifier uint8
	Code       radius.Code
	Raw        []byte
}

// Peek reads the correlation fields of a raw frame without verifying it.
func Peek(b []byte) (Reply, error) {
	if len(b) < HeaderLen {
		return Reply{}, ErrShortPacket
	}
	return Reply{
		Code:       radius.Code(b[0]),
		Identifier: b[1],
		Raw:        b,
	}, nil
}

// FrameLen returns the packet length advertised in a RADIUS header.
func FrameLen(header []byte) int {
	return int(binary.BigEndian.Uint16(header[2:4]))
}

// Decode verifies a reply against the request bytes it answers and parses
// its attributes.
func Decode(reply Reply, request, secret []byte) (*radius.Packet, error) {
	if len(reply.Raw) < HeaderLen {
		return nil, ErrShortPacket
	}
	if !radius.IsAuthenticResponse(reply.Raw, request, secret) {
		return nil, ErrBadAuthenticator
	}

	pkt, err := radius.Parse(reply.Raw, secret)
	if err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	return pkt, nil
}
