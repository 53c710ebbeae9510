package loader

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// ValueType is the data type of an attribute value.
type ValueType int

const (
	TypeString ValueType = iota
	TypeOctets
	TypeInteger
	TypeIPAddr
)

const microsoftVendorID = 311

// AttributeDef describes one dictionary attribute.
type AttributeDef struct {
	Name       string
	Type       radius.Type
	ValueType  ValueType
	VendorID   uint32 // non-zero for vendor-specific attributes
	VendorType uint8
	Values     map[string]uint32
}

// Dictionary maps attribute names to wire types and value encodings.
type Dictionary struct {
	byName map[string]*AttributeDef
	byType map[radius.Type]*AttributeDef
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		byName: make(map[string]*AttributeDef),
		byType: make(map[radius.Type]*AttributeDef),
	}
}

// Add registers def. Vendor attributes are only indexed by name.
func (d *Dictionary) Add(def *AttributeDef) {
	d.byName[strings.ToLower(def.Name)] = def
	if def.VendorID == 0 {
		d.byType[def.Type] = def
	}
}

// Lookup finds an attribute by name, case-insensitively. Names of the form
// Attr-N resolve to an octets attribute of type N.
func (d *Dictionary) Lookup(name string) (*AttributeDef, bool) {
	if def, ok := d.byName[strings.ToLower(name)]; ok {
		return def, true
	}

	if rest, ok := strings.CutPrefix(name, "Attr-"); ok {
		n, err := strconv.ParseUint(rest, 10, 8)
		if err == nil && n > 0 {
			return &AttributeDef{Name: name, Type: radius.Type(n), ValueType: TypeOctets}, true
		}
	}
	return nil, false
}

// Name returns the registered name for t, or "" if unknown.
func (d *Dictionary) Name(t radius.Type) string {
	if def, ok := d.byType[t]; ok {
		return def.Name
	}
	return ""
}

// Encode converts a textual value into a wire attribute for def.
func (d *Dictionary) Encode(def *AttributeDef, value string) (*radius.AVP, error) {
	raw, err := encodeValue(def, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}

	if def.VendorID == 0 {
		return &radius.AVP{Type: def.Type, Attribute: raw}, nil
	}

	if len(raw) > 247 {
		return nil, fmt.Errorf("%s: value too long", def.Name)
	}
	sub := make(radius.Attribute, 0, len(raw)+2)
	sub = append(sub, def.VendorType, byte(len(raw)+2))
	sub = append(sub, raw...)
	vsa, err := radius.NewVendorSpecific(def.VendorID, sub)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}
	return &radius.AVP{Type: rfc2865.VendorSpecific_Type, Attribute: vsa}, nil
}

func encodeValue(def *AttributeDef, value string) (radius.Attribute, error) {
	switch def.ValueType {
	case TypeString, TypeOctets:
		b, err := decodeText(value)
		if err != nil {
			return nil, err
		}
		return radius.NewBytes(b)

	case TypeInteger:
		v := unquote(value)
		if n, ok := def.Values[v]; ok {
			return radius.NewInteger(n), nil
		}
		n, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", value)
		}
		return radius.NewInteger(uint32(n)), nil

	case TypeIPAddr:
		ip := net.ParseIP(unquote(value)).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", value)
		}
		return radius.NewIPAddr(ip)

	default:
		return nil, fmt.Errorf("unsupported value type %d", def.ValueType)
	}
}

// decodeText accepts "quoted" strings with Go escapes, 'raw' strings,
// 0x-prefixed hex and bare words.
func decodeText(value string) ([]byte, error) {
	switch {
	case strings.HasPrefix(value, `"`):
		s, err := strconv.Unquote(value)
		if err != nil {
			return nil, fmt.Errorf("invalid quoted string %s", value)
		}
		return []byte(s), nil
	case strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2:
		return []byte(value[1 : len(value)-1]), nil
	case strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X"):
		b, err := hex.DecodeString(value[2:])
		if err != nil {
			return nil, fmt.Errorf("invalid hex value %s", value)
		}
		return b, nil
	default:
		return []byte(value), nil
	}
}

func unquote(value string) string {
	if s, err := strconv.Unquote(value); err == nil {
		return s
	}
	return strings.Trim(value, "'")
}

// DefaultDictionary returns the built-in RFC 2865/2866/2869 attributes plus
// the Microsoft MS-CHAP attributes.
func DefaultDictionary() *Dictionary {
	d := NewDictionary()

	str := func(name string, t radius.Type) {
		d.Add(&AttributeDef{Name: name, Type: t, ValueType: TypeString})
	}
	oct := func(name string, t radius.Type) {
		d.Add(&AttributeDef{Name: name, Type: t, ValueType: TypeOctets})
	}
	num := func(name string, t radius.Type, values map[string]uint32) {
		d.Add(&AttributeDef{Name: name, Type: t, ValueType: TypeInteger, Values: values})
	}
	ip := func(name string, t radius.Type) {
		d.Add(&AttributeDef{Name: name, Type: t, ValueType: TypeIPAddr})
	}

	// RFC 2865
	str("User-Name", rfc2865.UserName_Type)
	str("User-Password", rfc2865.UserPassword_Type)
	oct("CHAP-Password", rfc2865.CHAPPassword_Type)
	ip("NAS-IP-Address", rfc2865.NASIPAddress_Type)
	num("NAS-Port", rfc2865.NASPort_Type, nil)
	num("Service-Type", rfc2865.ServiceType_Type, serviceTypes)
	num("Framed-Protocol", rfc2865.FramedProtocol_Type, framedProtocols)
	ip("Framed-IP-Address", rfc2865.FramedIPAddress_Type)
	ip("Framed-IP-Netmask", rfc2865.FramedIPNetmask_Type)
	str("Filter-Id", rfc2865.FilterID_Type)
	num("Framed-MTU", rfc2865.FramedMTU_Type, nil)
	str("Reply-Message", rfc2865.ReplyMessage_Type)
	str("Callback-Number", rfc2865.CallbackNumber_Type)
	str("Framed-Route", rfc2865.FramedRoute_Type)
	oct("State", rfc2865.State_Type)
	oct("Class", rfc2865.Class_Type)
	oct("Vendor-Specific", rfc2865.VendorSpecific_Type)
	num("Session-Timeout", rfc2865.SessionTimeout_Type, nil)
	num("Idle-Timeout", rfc2865.IdleTimeout_Type, nil)
	num("Termination-Action", rfc2865.TerminationAction_Type, map[string]uint32{"Default": 0, "RADIUS-Request": 1})
	str("Called-Station-Id", rfc2865.CalledStationID_Type)
	str("Calling-Station-Id", rfc2865.CallingStationID_Type)
	str("NAS-Identifier", rfc2865.NASIdentifier_Type)
	oct("Proxy-State", rfc2865.ProxyState_Type)
	oct("CHAP-Challenge", rfc2865.CHAPChallenge_Type)
	num("NAS-Port-Type", rfc2865.NASPortType_Type, nasPortTypes)
	num("Port-Limit", rfc2865.PortLimit_Type, nil)

	// RFC 2866
	num("Acct-Status-Type", rfc2866.AcctStatusType_Type, acctStatusTypes)
	num("Acct-Delay-Time", rfc2866.AcctDelayTime_Type, nil)
	num("Acct-Input-Octets", rfc2866.AcctInputOctets_Type, nil)
	num("Acct-Output-Octets", rfc2866.AcctOutputOctets_Type, nil)
	str("Acct-Session-Id", rfc2866.AcctSessionID_Type)
	num("Acct-Authentic", rfc2866.AcctAuthentic_Type, map[string]uint32{"RADIUS": 1, "Local": 2, "Remote": 3})
	num("Acct-Session-Time", rfc2866.AcctSessionTime_Type, nil)
	num("Acct-Input-Packets", rfc2866.AcctInputPackets_Type, nil)
	num("Acct-Output-Packets", rfc2866.AcctOutputPackets_Type, nil)
	num("Acct-Terminate-Cause", rfc2866.AcctTerminateCause_Type, terminateCauses)
	str("Acct-Multi-Session-Id", rfc2866.AcctMultiSessionID_Type)
	num("Acct-Link-Count", rfc2866.AcctLinkCount_Type, nil)

	// RFC 2869
	num("Acct-Input-Gigawords", rfc2869.AcctInputGigawords_Type, nil)
	num("Acct-Output-Gigawords", rfc2869.AcctOutputGigawords_Type, nil)
	num("Event-Timestamp", rfc2869.EventTimestamp_Type, nil)
	str("Connect-Info", rfc2869.ConnectInfo_Type)
	oct("EAP-Message", rfc2869.EAPMessage_Type)
	oct("Message-Authenticator", rfc2869.MessageAuthenticator_Type)
	num("Acct-Interim-Interval", rfc2869.AcctInterimInterval_Type, nil)
	str("NAS-Port-Id", rfc2869.NASPortID_Type)
	str("Framed-Pool", rfc2869.FramedPool_Type)

	// Microsoft (RFC 2548)
	d.Add(&AttributeDef{Name: "MS-CHAP-Response", ValueType: TypeOctets, VendorID: microsoftVendorID, VendorType: 1})
	d.Add(&AttributeDef{Name: "MS-CHAP-Error", ValueType: TypeString, VendorID: microsoftVendorID, VendorType: 2})
	d.Add(&AttributeDef{Name: "MS-CHAP-Domain", ValueType: TypeString, VendorID: microsoftVendorID, VendorType: 10})
	d.Add(&AttributeDef{Name: "MS-CHAP-Challenge", ValueType: TypeOctets, VendorID: microsoftVendorID, VendorType: 11})

	return d
}

var serviceTypes = map[string]uint32{
	"Login-User":              1,
	"Framed-User":             2,
	"Callback-Login-User":     3,
	"Callback-Framed-User":    4,
	"Outbound-User":           5,
	"Administrative-User":     6,
	"NAS-Prompt-User":         7,
	"Authenticate-Only":       8,
	"Callback-NAS-Prompt":     9,
	"Call-Check":              10,
	"Callback-Administrative": 11,
}

var framedProtocols = map[string]uint32{
	"PPP":              1,
	"SLIP":             2,
	"ARAP":             3,
	"GPRS-PDP-Context": 7,
}

var nasPortTypes = map[string]uint32{
	"Async":           0,
	"Sync":            1,
	"ISDN":            2,
	"Virtual":         5,
	"Ethernet":        15,
	"xDSL":            16,
	"Cable":           17,
	"Wireless-802.11": 19,
}

var acctStatusTypes = map[string]uint32{
	"Start":          1,
	"Stop":           2,
	"Interim-Update": 3,
	"Alive":          3,
	"Accounting-On":  7,
	"Accounting-Off": 8,
}

var terminateCauses = map[string]uint32{
	"User-Request":    1,
	"Lost-Carrier":    2,
	"Lost-Service":    3,
	"Idle-Timeout":    4,
	"Session-Timeout": 5,
	"Admin-Reset":     6,
	"Admin-Reboot":    7,
	"Port-Error":      8,
	"NAS-Error":       9,
	"NAS-Request":     10,
	"NAS-Reboot":      11,
}
