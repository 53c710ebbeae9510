// Package filter decides whether a RADIUS reply satisfies the expectations
// attached to a request: the reply code and a multiset of attributes that
// must be present with equal values.
package filter

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"layeh.com/radius"

	"github.com/codelaboratoryltd/radclient/pkg/codec"
)

// ErrMismatch is wrapped by Result.Err for every failed match.
var ErrMismatch = errors.New("reply does not match filter")

// Namer resolves attribute types to names for diagnostics.
type Namer func(radius.Type) string

// Sort returns a copy of attrs ordered by attribute type and then by value.
// The input is left untouched.
func Sort(attrs radius.Attributes) []*radius.AVP {
	out := make([]*radius.AVP, len(attrs))
	copy(out, attrs)
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	return out
}

func less(a, b *radius.AVP) bool {
	return compare(a, b) < 0
}

func compare(a, b *radius.AVP) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Attribute, b.Attribute)
}

// Result is the outcome of matching one reply.
type Result struct {
	Passed       bool
	CodeMismatch bool
	Expected     radius.Code
	Got          radius.Code
	Missing      []*radius.AVP
}

// Match checks the reply code against expected and then every filter
// attribute against the reply. filter must be sorted with Sort. An expected
// code of 0 disables the code check.
func Match(expected radius.Code, filter []*radius.AVP, got radius.Code, reply radius.Attributes) Result {
	res := Result{Expected: expected, Got: got}

	if expected != 0 && expected != got {
		res.CodeMismatch = true
		return res
	}

	if len(filter) == 0 {
		res.Passed = true
		return res
	}

	sorted := Sort(reply)
	i, j := 0, 0
	for i < len(filter) {
		if j >= len(sorted) {
			res.Missing = append(res.Missing, filter[i:]...)
			break
		}
		switch c := compare(sorted[j], filter[i]); {
		case c < 0:
			j++
		case c == 0:
			i++
			j++
		default:
			res.Missing = append(res.Missing, filter[i])
			i++
		}
	}

	res.Passed = len(res.Missing) == 0
	return res
}

// Diagnostics returns one line per failure, suitable for logging.
func (r Result) Diagnostics(name Namer) []string {
	if r.Passed {
		return nil
	}
	if r.CodeMismatch {
		return []string{fmt.Sprintf("expected %s got %s",
			codec.CodeName(r.Expected), codec.CodeName(r.Got))}
	}

	lines := make([]string, 0, len(r.Missing))
	for _, avp := range r.Missing {
		lines = append(lines, fmt.Sprintf("attribute %s = 0x%s not found in reply",
			attrName(name, avp.Type), hex.EncodeToString(avp.Attribute)))
	}
	return lines
}

// Err returns nil for a passing result and an ErrMismatch wrapped
// diagnostic otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMismatch, strings.Join(r.Diagnostics(nil), "; "))
}

func attrName(name Namer, t radius.Type) string {
	if name != nil {
		if n := name(t); n != "" {
			return n
		}
	}
	return fmt.Sprintf("Attr-%d", int(t))
}
