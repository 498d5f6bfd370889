// Package spake2 implements the SPAKE2 password-authenticated key exchange
// over edwards25519, byte-compatible with the BoringSSL variant used by the
// daemon's pairing service.
//
// Each side sends one 32-byte message and derives a 64-byte key. Both keys
// are equal only when both sides used the same password; a mismatch is not
// detected here but surfaces as a failure of whatever the key protects.
package spake2

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"io"

	"filippo.io/edwards25519"
)

// Role selects which of the two fixed mask points a side uses.
type Role int

const (
	RoleAlice Role = iota
	RoleBob
)

// MessageSize is the length of a SPAKE2 message.
const MessageSize = 32

// KeySize is the length of the derived key.
const KeySize = sha512.Size

var (
	ErrBadState   = errors.New("spake2: operation out of order")
	ErrBadMessage = errors.New("spake2: invalid peer message")
)

// Fixed points M and N, in compressed form.
var (
	pointM = mustPoint("5ada7e4bf6ddd9adb6626d32131c6b5c51a1e347a3478f53cfcf441b88eed12e")
	pointN = mustPoint("10e3df0ae37d8e7a99b5fe74b44672103dbddcbd06af680d71329a11693bc778")

	// 1/8 mod l. Masks are computed in the prime-order subgroup so the
	// small-order component of M and N never leaks password bits.
	invEight = func() *edwards25519.Scalar {
		var b [32]byte
		b[0] = 8
		s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
		if err != nil {
			panic(err)
		}
		return edwards25519.NewScalar().Invert(s)
	}()
)

func mustPoint(h string) *edwards25519.Point {
	b, err := hex.DecodeString(h)
	if err != nil {
		panic(err)
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

type state int

const (
	stateInit state = iota
	stateMessageGenerated
	stateKeyGenerated
)

// Context holds one side of an exchange. It is single-use and not safe for
// concurrent use.
type Context struct {
	role      Role
	myName    []byte
	theirName []byte

	// Rand supplies the ephemeral scalar. Default: crypto/rand.Reader.
	Rand io.Reader

	state          state
	privateKey     *edwards25519.Scalar
	passwordScalar *edwards25519.Scalar
	passwordHash   [sha512.Size]byte
	myMsg          [MessageSize]byte
}

// New creates a context for the given role. Names are bound into the key,
// so both sides must agree on them exactly, including any trailing NUL.
func New(role Role, myName, theirName []byte) *Context {
	return &Context{
		role:      role,
		myName:    append([]byte(nil), myName...),
		theirName: append([]byte(nil), theirName...),
		Rand:      rand.Reader,
	}
}

// GenerateMessage picks an ephemeral key and returns the masked public
// message for the peer.
func (c *Context) GenerateMessage(password []byte) ([]byte, error) {
	if c.state != stateInit {
		return nil, ErrBadState
	}

	var seed [64]byte
	if _, err := io.ReadFull(c.Rand, seed[:]); err != nil {
		return nil, err
	}
	x, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return nil, err
	}

	c.passwordHash = sha512.Sum512(password)
	pw, err := edwards25519.NewScalar().SetUniformBytes(c.passwordHash[:])
	if err != nil {
		return nil, err
	}

	// P = 8x·B so the cofactor is cleared on the peer's point later.
	p := new(edwards25519.Point).ScalarBaseMult(x)
	p.MultByCofactor(p)

	p.Add(p, c.mask(pw, c.myPoint()))

	c.privateKey = x
	c.passwordScalar = pw
	copy(c.myMsg[:], p.Bytes())
	c.state = stateMessageGenerated

	return append([]byte(nil), c.myMsg[:]...), nil
}

// ProcessMessage consumes the peer's message and returns the shared key.
func (c *Context) ProcessMessage(theirMsg []byte) ([]byte, error) {
	if c.state != stateMessageGenerated {
		return nil, ErrBadState
	}
	if len(theirMsg) != MessageSize {
		return nil, ErrBadMessage
	}

	q, err := edwards25519.NewIdentityPoint().SetBytes(theirMsg)
	if err != nil {
		return nil, ErrBadMessage
	}
	q.Subtract(q, c.mask(c.passwordScalar, c.theirPoint()))

	// dh = 8x·Q
	q.MultByCofactor(q)
	dh := new(edwards25519.Point).ScalarMult(c.privateKey, q)

	h := sha512.New()
	if c.role == RoleAlice {
		writePrefixed(h, c.myName)
		writePrefixed(h, c.theirName)
		writePrefixed(h, c.myMsg[:])
		writePrefixed(h, theirMsg)
	} else {
		writePrefixed(h, c.theirName)
		writePrefixed(h, c.myName)
		writePrefixed(h, theirMsg)
		writePrefixed(h, c.myMsg[:])
	}
	writePrefixed(h, dh.Bytes())
	writePrefixed(h, c.passwordHash[:])

	c.state = stateKeyGenerated
	return h.Sum(nil), nil
}

// mask returns pw·P restricted to the prime-order subgroup.
func (c *Context) mask(pw *edwards25519.Scalar, p *edwards25519.Point) *edwards25519.Point {
	s := edwards25519.NewScalar().Multiply(pw, invEight)
	cleared := new(edwards25519.Point).MultByCofactor(p)
	return new(edwards25519.Point).ScalarMult(s, cleared)
}

func (c *Context) myPoint() *edwards25519.Point {
	if c.role == RoleAlice {
		return pointM
	}
	return pointN
}

func (c *Context) theirPoint() *edwards25519.Point {
	if c.role == RoleAlice {
		return pointN
	}
	return pointM
}

func writePrefixed(h hash.Hash, data []byte) {
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(data)))
	h.Write(l[:])
	h.Write(data)
}
