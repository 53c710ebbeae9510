package credential

import (
	"crypto/des"
	"fmt"

	"golang.org/x/crypto/md4"
	"golang.org/x/text/encoding/unicode"
)

const (
	// MSCHAPChallengeLen is the length of an MS-CHAP-Challenge value.
	MSCHAPChallengeLen = 8
	// MSCHAPResponseLen is the length of an MS-CHAP-Response value.
	MSCHAPResponseLen = 50

	ntResponseOffset = 26
	flagsOffset      = 1
	flagUseNT        = 0x01
)

// NTPasswordHash returns MD4 over the UTF-16LE encoding of password
// (RFC 2759 section 8.3).
func NTPasswordHash(password string) ([16]byte, error) {
	var hash [16]byte

	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(password))
	if err != nil {
		return hash, fmt.Errorf("encode password as UTF-16LE: %w", err)
	}

	h := md4.New()
	h.Write(encoded)
	copy(hash[:], h.Sum(nil))
	return hash, nil
}

// ChallengeResponse encrypts the challenge with three DES keys cut from the
// zero padded hash (RFC 2759 section 8.5).
func ChallengeResponse(challenge [MSCHAPChallengeLen]byte, hash [16]byte) [24]byte {
	var padded [21]byte
	copy(padded[:], hash[:])

	var out [24]byte
	for i := 0; i < 3; i++ {
		block, err := des.NewCipher(expandDESKey(padded[i*7 : i*7+7]))
		if err != nil {
			// Only reachable with a key that is not 8 bytes long.
			panic(err)
		}
		block.Encrypt(out[i*8:i*8+8], challenge[:])
	}
	return out
}

// MSCHAPv1 builds the 50 byte MS-CHAP-Response for password under challenge.
// The LM response is left zeroed and the flags byte selects the NT response.
func MSCHAPv1(challenge [MSCHAPChallengeLen]byte, password string) ([]byte, error) {
	hash, err := NTPasswordHash(password)
	if err != nil {
		return nil, err
	}

	resp := make([]byte, MSCHAPResponseLen)
	resp[flagsOffset] = flagUseNT
	nt := ChallengeResponse(challenge, hash)
	copy(resp[ntResponseOffset:], nt[:])
	return resp, nil
}

// expandDESKey spreads 56 key bits over 8 bytes, leaving the low (parity)
// bit of each byte clear.
func expandDESKey(in []byte) []byte {
	key := []byte{
		in[0] >> 1,
		(in[0]&0x01)<<6 | in[1]>>2,
		(in[1]&0x03)<<5 | in[2]>>3,
		(in[2]&0x07)<<4 | in[3]>>4,
		(in[3]&0x0f)<<3 | in[4]>>5,
		(in[4]&0x1f)<<2 | in[5]>>6,
		(in[5]&0x3f)<<1 | in[6]>>7,
		in[6] & 0x7f,
	}
	for i := range key {
		key[i] <<= 1
	}
	return key
}
