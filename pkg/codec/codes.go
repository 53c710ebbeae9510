package codec

import (
	"fmt"
	"strconv"
	"strings"

	"layeh.com/radius"
)

// Well known RADIUS ports.
const (
	AuthPort       = 1812
	AuthPortAlt    = 1645
	AcctPort       = 1813
	AcctPortAlt    = 1646
	CoAPort        = 3799
	DisconnectPort = 1700
)

var codeNames = map[radius.Code]string{
	radius.CodeAccessRequest:      "Access-Request",
	radius.CodeAccessAccept:       "Access-Accept",
	radius.CodeAccessReject:       "Access-Reject",
	radius.CodeAccountingRequest:  "Accounting-Request",
	radius.CodeAccountingResponse: "Accounting-Response",
	radius.CodeAccessChallenge:    "Access-Challenge",
	radius.CodeStatusServer:       "Status-Server",
	radius.CodeStatusClient:       "Status-Client",
	radius.CodeDisconnectRequest:  "Disconnect-Request",
	radius.CodeDisconnectACK:      "Disconnect-ACK",
	radius.CodeDisconnectNAK:      "Disconnect-NAK",
	radius.CodeCoARequest:         "CoA-Request",
	radius.CodeCoAACK:             "CoA-ACK",
	radius.CodeCoANAK:             "CoA-NAK",
}

// keywords accepted on the command line in place of a request code.
var keywords = map[string]radius.Code{
	"auth":       radius.CodeAccessRequest,
	"acct":       radius.CodeAccountingRequest,
	"status":     radius.CodeStatusServer,
	"coa":        radius.CodeCoARequest,
	"disconnect": radius.CodeDisconnectRequest,
	"auto":       0,
}

// KnownCode reports whether code has a registered name.
func KnownCode(code radius.Code) bool {
	_, ok := codeNames[code]
	return ok
}

// CodeName returns the RFC name of code, or its decimal value when unknown.
func CodeName(code radius.Code) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return strconv.Itoa(int(code))
}

// ParseCode accepts a code name ("Access-Request"), a command keyword
// ("auth", "auto") or a decimal number. "auto" yields 0.
func ParseCode(s string) (radius.Code, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty packet type")
	}

	if code, ok := keywords[strings.ToLower(s)]; ok {
		return code, nil
	}
	for code, name := range codeNames {
		if strings.EqualFold(name, s) {
			return code, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unrecognised packet type %q", s)
	}
	return radius.Code(n), nil
}

// IsAckClass reports whether a reply code counts as accepted.
func IsAckClass(code radius.Code) bool {
	switch code {
	case radius.CodeAccessAccept,
		radius.CodeAccountingResponse,
		radius.CodeCoAACK,
		radius.CodeDisconnectACK:
		return true
	default:
		return false
	}
}

// ExpectedReply infers the reply code a request should receive. Status-Server
// depends on which service listens on port. It returns an error for request
// codes with no defined reply.
func ExpectedReply(code radius.Code, port int) (radius.Code, error) {
	switch code {
	case radius.CodeAccessRequest:
		return radius.CodeAccessAccept, nil
	case radius.CodeAccountingRequest:
		return radius.CodeAccountingResponse, nil
	case radius.CodeCoARequest:
		return radius.CodeCoAACK, nil
	case radius.CodeDisconnectRequest:
		return radius.CodeDisconnectACK, nil
	case radius.CodeStatusServer:
		switch CodeForPort(port) {
		case radius.CodeAccessRequest:
			return radius.CodeAccessAccept, nil
		case radius.CodeAccountingRequest:
			return radius.CodeAccountingResponse, nil
		default:
			return 0, nil
		}
	case 0:
		return 0, fmt.Errorf("packet type must be defined, or a well known RADIUS port")
	default:
		return 0, fmt.Errorf("can't determine expected reply code for packet type %s", CodeName(code))
	}
}

// RequestFor infers the request code from an expected reply code. It
// returns 0 when the reply code does not identify a request type.
func RequestFor(reply radius.Code) radius.Code {
	switch reply {
	case radius.CodeAccessAccept, radius.CodeAccessReject:
		return radius.CodeAccessRequest
	case radius.CodeAccountingResponse:
		return radius.CodeAccountingRequest
	case radius.CodeDisconnectACK, radius.CodeDisconnectNAK:
		return radius.CodeDisconnectRequest
	case radius.CodeCoAACK, radius.CodeCoANAK:
		return radius.CodeCoARequest
	default:
		return 0
	}
}

// DefaultPort returns the destination port used for code when none is
// given.
func DefaultPort(code radius.Code) int {
	switch code {
	case radius.CodeAccountingRequest:
		return AcctPort
	case radius.CodeDisconnectRequest:
		return DisconnectPort
	case radius.CodeCoARequest:
		return CoAPort
	case 0:
		return 0
	default:
		return AuthPort
	}
}

// CodeForPort maps a well known destination port back to a request code.
func CodeForPort(port int) radius.Code {
	switch port {
	case AuthPort, AuthPortAlt:
		return radius.CodeAccessRequest
	case AcctPort, AcctPortAlt:
		return radius.CodeAccountingRequest
	case CoAPort:
		return radius.CodeCoARequest
	default:
		return 0
	}
}
