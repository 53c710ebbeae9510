package credential

import "crypto/md5"

// CHAPValueLen is the wire length of a CHAP-Password value: one identifier
// byte followed by the MD5 digest.
const CHAPValueLen = 1 + md5.Size

// CHAPChallengeLen is the only CHAP-Challenge length honoured in place of the
// request authenticator.
const CHAPChallengeLen = 16

// CHAP computes a CHAP-Password value as defined by RFC 2865 section 2.2:
// id || MD5(id || password || challenge).
func CHAP(id byte, password, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write(password)
	h.Write(challenge)

	out := make([]byte, 0, CHAPValueLen)
	out = append(out, id)
	return h.Sum(out)
}

// IsPreEncodedCHAP reports whether v looks like an already computed
// CHAP-Password value rather than a cleartext password.
//
// A 17 byte value with at least one control character (< 0x20) is taken as
// pre-encoded. A 17 character printable passphrase is treated as cleartext;
// a random digest is all-printable with probability of about 2^-51.
func IsPreEncodedCHAP(v []byte) bool {
	if len(v) != CHAPValueLen {
		return false
	}
	for _, b := range v {
		if b < 0x20 {
			return true
		}
	}
	return false
}
