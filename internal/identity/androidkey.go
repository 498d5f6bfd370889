package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
)

// AndroidKeySize is the encoded size of a 2048-bit key in the daemon's
// native public key format.
const AndroidKeySize = 4 + 4 + modulusBytes + modulusBytes + 4

const (
	modulusBytes = 256
	modulusWords = modulusBytes / 4
)

// EncodeAndroidPublicKey serialises pub in the daemon's native format:
// little-endian word count, the Montgomery constant -1/n[0] mod 2^32,
// the modulus, R^2 mod n (R = 2^2048) and the public exponent.
func EncodeAndroidPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != modulusBytes*8 {
		return nil, fmt.Errorf("unsupported modulus size %d bits", pub.N.BitLen())
	}

	buf := make([]byte, AndroidKeySize)
	binary.LittleEndian.PutUint32(buf[0:4], modulusWords)

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(pub.N, r32)
	n0inv := new(big.Int).ModInverse(n0, r32)
	if n0inv == nil {
		return nil, fmt.Errorf("modulus is even")
	}
	n0inv.Sub(r32, n0inv)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n0inv.Uint64()))

	putLittleEndian(buf[8:8+modulusBytes], pub.N)

	rr := new(big.Int).Lsh(big.NewInt(1), 2*modulusBytes*8)
	rr.Mod(rr, pub.N)
	putLittleEndian(buf[8+modulusBytes:8+2*modulusBytes], rr)

	binary.LittleEndian.PutUint32(buf[8+2*modulusBytes:], uint32(pub.E))
	return buf, nil
}

// DecodeAndroidPublicKey parses the native format back into an RSA key.
func DecodeAndroidPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) != AndroidKeySize {
		return nil, fmt.Errorf("invalid key length %d", len(data))
	}
	if words := binary.LittleEndian.Uint32(data[0:4]); words != modulusWords {
		return nil, fmt.Errorf("invalid word count %d", words)
	}
	n := new(big.Int).SetBytes(reversed(data[8 : 8+modulusBytes]))
	e := binary.LittleEndian.Uint32(data[8+2*modulusBytes:])
	return &rsa.PublicKey{N: n, E: int(e)}, nil
}

// AndroidPublicKey returns the textual key line the daemon stores in its
// trusted key list: base64 of the native encoding, a space, and the
// device name. Callers append the terminating NUL where the wire needs it.
func (km *KeyMaterial) AndroidPublicKey() (string, error) {
	raw, err := EncodeAndroidPublicKey(km.PublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw) + " " + km.DeviceName, nil
}

func putLittleEndian(dst []byte, v *big.Int) {
	v.FillBytes(dst)
	for i, j := 0, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
