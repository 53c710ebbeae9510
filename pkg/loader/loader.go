// Package loader reads request descriptions in the FreeRADIUS text format
// ("Attr-Name = value" pairs, blank-line separated records) and turns them
// into engine requests, optionally paired with a stream of expected-reply
// filters.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/radclient/pkg/codec"
	"github.com/codelaboratoryltd/radclient/pkg/credential"
	"github.com/codelaboratoryltd/radclient/pkg/engine"
	"github.com/codelaboratoryltd/radclient/pkg/filter"
)

// ErrCountMismatch is returned when the packet and filter streams hold a
// different number of records.
var ErrCountMismatch = errors.New("differing number of packets and filters")

// Pseudo-attributes that control the request rather than going on the wire.
const (
	attrPacketType           = "Packet-Type"
	attrRequestAuthenticator = "Request-Authenticator"
	attrTestName             = "Radclient-Test-Name"
	attrCleartextPassword    = "Cleartext-Password"
	attrMSCHAPPassword       = "MS-CHAP-Password"
)

var pseudoAliases = map[string]string{
	"packet-type":           attrPacketType,
	"request-authenticator": attrRequestAuthenticator,
	"radclient-test-name":   attrTestName,
	"cleartext-password":    attrCleartextPassword,
	"password.cleartext":    attrCleartextPassword,
	"ms-chap-password":      attrMSCHAPPassword,
	"password.ms-chap":      attrMSCHAPPassword,
}

// Options control request defaults.
type Options struct {
	// Code is the packet type from the command line; 0 means "auto".
	Code radius.Code
	// Port is the destination port, used to infer Status-Server replies.
	Port int
	// Dictionary resolves attribute names. DefaultDictionary when nil.
	Dictionary *Dictionary
}

// Loader builds engine requests from text.
type Loader struct {
	opts   Options
	dict   *Dictionary
	logger *zap.Logger
}

// New creates a loader.
func New(opts Options, logger *zap.Logger) *Loader {
	dict := opts.Dictionary
	if dict == nil {
		dict = DefaultDictionary()
	}
	return &Loader{opts: opts, dict: dict, logger: logger}
}

// Dictionary returns the dictionary in use.
func (l *Loader) Dictionary() *Dictionary {
	return l.dict
}

// FileSpec names a packet file and an optional filter file. "-" is stdin.
type FileSpec struct {
	Packets string
	Filters string
}

// ParseFileSpec splits "packets[:filters]".
func ParseFileSpec(s string) FileSpec {
	packets, filters, _ := strings.Cut(s, ":")
	return FileSpec{Packets: packets, Filters: filters}
}

func (f FileSpec) String() string {
	if f.Filters == "" {
		return f.Packets
	}
	return f.Packets + ":" + f.Filters
}

// LoadFile reads the files named by spec.
func (l *Loader) LoadFile(spec FileSpec, stdin io.Reader) ([]*engine.Request, error) {
	var packets io.Reader
	if spec.Packets == "" || spec.Packets == "-" {
		packets = stdin
		spec.Packets = "-"
	} else {
		f, err := os.Open(spec.Packets)
		if err != nil {
			return nil, fmt.Errorf("open packets: %w", err)
		}
		defer f.Close()
		packets = f
	}

	var filters io.Reader
	if spec.Filters != "" {
		f, err := os.Open(spec.Filters)
		if err != nil {
			return nil, fmt.Errorf("open filters: %w", err)
		}
		defer f.Close()
		filters = f
	}

	return l.Load(spec, packets, filters)
}

// Load parses packets and, when non-nil, the positionally paired filters.
func (l *Loader) Load(spec FileSpec, packets, filters io.Reader) ([]*engine.Request, error) {
	source := spec.Packets
	if source == "-" {
		source = "stdin"
	}

	reqRecords, err := ParseRecords(packets, source)
	if err != nil {
		return nil, err
	}

	var filterRecords []Record
	if filters != nil {
		filterRecords, err = ParseRecords(filters, spec.Filters)
		if err != nil {
			return nil, err
		}
		switch {
		case len(reqRecords) > len(filterRecords):
			return nil, fmt.Errorf("%w in %s (too many requests)", ErrCountMismatch, spec)
		case len(reqRecords) < len(filterRecords):
			return nil, fmt.Errorf("%w in %s (too many filters)", ErrCountMismatch, spec)
		}
	}

	requests := make([]*engine.Request, 0, len(reqRecords))
	for i, rec := range reqRecords {
		if len(rec.Pairs) == 0 {
			l.logger.Warn("Skipping record: no attributes",
				zap.String("file", source),
				zap.Int("line", rec.Line))
			continue
		}

		var frec *Record
		if filterRecords != nil {
			frec = &filterRecords[i]
		}

		req, err := l.build(source, rec, frec)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", source, rec.Line, err)
		}
		requests = append(requests, req)
	}

	l.logger.Debug("Loaded requests",
		zap.String("file", source),
		zap.Int("count", len(requests)))
	return requests, nil
}

func (l *Loader) build(source string, rec Record, frec *Record) (*engine.Request, error) {
	req := &engine.Request{
		Name:       source,
		Source:     source,
		Attributes: radius.Attributes{},
	}

	var (
		password  []byte
		hasPass   bool
		hasMSCHAP bool
	)

	for _, p := range rec.Pairs {
		switch pseudoAliases[strings.ToLower(p.Name)] {
		case attrPacketType:
			code, err := codec.ParseCode(unquote(p.Value))
			if err != nil {
				return nil, err
			}
			req.Code = code
			continue

		case attrRequestAuthenticator:
			b, err := decodeText(p.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Name, err)
			}
			var vector [16]byte
			copy(vector[:], b)
			req.Authenticator = &vector
			continue

		case attrTestName:
			b, err := decodeText(p.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Name, err)
			}
			req.Name = string(b)
			continue

		case attrCleartextPassword:
			b, err := decodeText(p.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Name, err)
			}
			password, hasPass = b, true
			continue

		case attrMSCHAPPassword:
			b, err := decodeText(p.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.Name, err)
			}
			password, hasPass = b, true
			hasMSCHAP = true
			continue
		}

		def, ok := l.dict.Lookup(p.Name)
		if !ok {
			return nil, fmt.Errorf("unknown attribute %q", p.Name)
		}
		avp, err := l.dict.Encode(def, p.Value)
		if err != nil {
			return nil, err
		}

		switch avp.Type {
		case rfc2865.UserPassword_Type:
			password, hasPass = avp.Attribute, true
		case rfc2865.CHAPPassword_Type:
			if !credential.IsPreEncodedCHAP(avp.Attribute) {
				password, hasPass = avp.Attribute, true
			}
		}
		req.Attributes = append(req.Attributes, avp)
	}

	req.Password = l.password(req.Attributes, password, hasPass, hasMSCHAP)

	if frec != nil {
		if err := l.buildFilter(req, *frec); err != nil {
			return nil, fmt.Errorf("filter line %d: %w", frec.Line, err)
		}
	}

	if req.Code == 0 {
		req.Code = l.opts.Code
	}

	if req.ExpectedCode == 0 {
		expected, err := codec.ExpectedReply(req.Code, l.opts.Port)
		if err != nil {
			return nil, err
		}
		req.ExpectedCode = expected
	} else if req.Code == 0 {
		req.Code = codec.RequestFor(req.ExpectedCode)
		if req.Code == 0 {
			return nil, fmt.Errorf("can't determine packet type for expected reply %s",
				codec.CodeName(req.ExpectedCode))
		}
	}

	return req, nil
}

// password selects the encoding from the attributes present, in the order
// User-Password, CHAP-Password, MS-CHAP-Password.
func (l *Loader) password(attrs radius.Attributes, cleartext []byte, hasPass, hasMSCHAP bool) credential.Password {
	if _, ok := attrs.Lookup(rfc2865.UserPassword_Type); ok && hasPass {
		return credential.Password{Kind: credential.KindUser, Value: cleartext}
	}
	if chap, ok := attrs.Lookup(rfc2865.CHAPPassword_Type); ok {
		if !hasPass {
			// Pre-encoded value, sent unchanged.
			return credential.Password{Kind: credential.KindCHAP, Value: chap}
		}
		return credential.Password{Kind: credential.KindCHAP, Value: cleartext}
	}
	if hasMSCHAP {
		return credential.Password{Kind: credential.KindMSCHAP, Value: cleartext}
	}
	return credential.Password{}
}

func (l *Loader) buildFilter(req *engine.Request, rec Record) error {
	var attrs radius.Attributes
	for _, p := range rec.Pairs {
		switch pseudoAliases[strings.ToLower(p.Name)] {
		case attrPacketType:
			code, err := codec.ParseCode(unquote(p.Value))
			if err != nil {
				return err
			}
			req.ExpectedCode = code
			continue
		case "":
		default:
			continue
		}

		def, ok := l.dict.Lookup(p.Name)
		if !ok {
			return fmt.Errorf("unknown attribute %q", p.Name)
		}
		avp, err := l.dict.Encode(def, p.Value)
		if err != nil {
			return err
		}
		attrs = append(attrs, avp)
	}

	req.Filter = filter.Sort(attrs)
	return nil
}
