// Package keymanip implements tor's non-standard manipulations of curve25519
// and ed25519 keys: converting an ntor onion key into an ed25519 key for
// cross-certification, and blinding ed25519 keys for v3 onion services.
package keymanip

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// ErrBadPubkey is returned for inputs that are not valid curve points.
var ErrBadPubkey = errors.New("keymanip: invalid public key")

var highPartLabel = []byte("Derive high part of ed25519 key from curve25519 key\x00")

// ExpandedSecretKey is an ed25519 secret scalar followed by its 32-byte
// signing prefix, the form ed25519 keys take after hashing the seed.
type ExpandedSecretKey [64]byte

// ConvertCurve25519ToEd25519Public converts a curve25519 public key and the
// sign bit of the matching ed25519 key into that ed25519 public key.
func ConvertCurve25519ToEd25519Public(pubkey [32]byte, signbit byte) (ed25519.PublicKey, error) {
	var u field.Element
	if _, err := u.SetBytes(pubkey[:]); err != nil {
		return nil, ErrBadPubkey
	}

	// y = (u - 1) / (u + 1)
	one := new(field.Element).One()
	num := new(field.Element).Subtract(&u, one)
	den := new(field.Element).Add(&u, one)
	if den.Equal(new(field.Element).Zero()) == 1 {
		return nil, ErrBadPubkey
	}
	y := new(field.Element).Multiply(num, new(field.Element).Invert(den))

	out := y.Bytes()
	out[31] |= (signbit & 1) << 7
	if _, err := new(edwards25519.Point).SetBytes(out); err != nil {
		return nil, ErrBadPubkey
	}
	return ed25519.PublicKey(out), nil
}

// ConvertCurve25519ToEd25519Private derives an ed25519 expanded secret key
// from a curve25519 private key, together with the sign bit needed by
// ConvertCurve25519ToEd25519Public. Keys made this way must never sign
// attacker-chosen input.
func ConvertCurve25519ToEd25519Private(privkey [32]byte) (ExpandedSecretKey, byte) {
	clamped := clamp(privkey)

	h := sha512.New()
	h.Write(clamped[:])
	h.Write(highPartLabel)
	digest := h.Sum(nil)

	var esk ExpandedSecretKey
	copy(esk[:32], clamped[:])
	copy(esk[32:], digest[:32])
	clear(digest)

	pub := esk.Public()
	return esk, pub[31] >> 7
}

// Public returns the ed25519 public key for esk.
func (esk *ExpandedSecretKey) Public() ed25519.PublicKey {
	s := esk.scalar()
	return ed25519.PublicKey(new(edwards25519.Point).ScalarBaseMult(s).Bytes())
}

// Sign produces an ed25519 signature over msg that verifies under
// esk.Public().
func (esk *ExpandedSecretKey) Sign(msg []byte) []byte {
	s := esk.scalar()
	pub := esk.Public()

	h := sha512.New()
	h.Write(esk[32:])
	h.Write(msg)
	r, _ := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(R)
	h.Write(pub)
	h.Write(msg)
	k, _ := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))

	S := new(edwards25519.Scalar).MultiplyAdd(k, s, r)

	sig := make([]byte, 0, ed25519.SignatureSize)
	sig = append(sig, R...)
	return append(sig, S.Bytes()...)
}

// Zero wipes the key material.
func (esk *ExpandedSecretKey) Zero() {
	clear(esk[:])
}

func (esk *ExpandedSecretKey) scalar() *edwards25519.Scalar {
	s, err := new(edwards25519.Scalar).SetBytesWithClamping(esk[:32])
	if err != nil {
		panic("keymanip: 32-byte scalar rejected: " + err.Error())
	}
	return s
}

func clamp(k [32]byte) [32]byte {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return k
}
