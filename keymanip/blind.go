package keymanip

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

const (
	// DefaultTimePeriodLength is the onion service time period in minutes.
	DefaultTimePeriodLength = 1440
	// rotationTimeOffset is 12 voting periods of 60 minutes.
	rotationTimeOffset = 12 * 60
)

var blindString = []byte("Derive temporary signing key\x00")

// ed25519Basepoint is the basepoint B as written in rend-spec-v3.
var ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

// BlindPubkey blinds the ed25519 public key pk with param (the value h of
// rend-spec-v3 appendix A.2). param is clamped before use, so distinct
// params may give the same result.
func BlindPubkey(pk ed25519.PublicKey, param [32]byte) (ed25519.PublicKey, error) {
	if len(pk) != ed25519.PublicKeySize {
		return nil, ErrBadPubkey
	}
	h, err := new(edwards25519.Scalar).SetBytesWithClamping(param[:])
	if err != nil {
		return nil, err
	}
	A, err := new(edwards25519.Point).SetBytes(pk)
	if err != nil {
		return nil, ErrBadPubkey
	}
	return ed25519.PublicKey(new(edwards25519.Point).ScalarMult(h, A).Bytes()), nil
}

// TimePeriod returns the onion service time period containing t.
func TimePeriod(t time.Time, periodLength int64) int64 {
	if periodLength <= 0 {
		periodLength = DefaultTimePeriodLength
	}
	return (t.Unix()/60 - rotationTimeOffset) / periodLength
}

// BlindingParam derives the client-side blinding parameter for pk in the
// given time period: SHA3-256(BLIND_STRING | A | B | N), with no secret.
func BlindingParam(pk ed25519.PublicKey, periodNumber, periodLength int64) [32]byte {
	if periodLength <= 0 {
		periodLength = DefaultTimePeriodLength
	}
	var nonce [9 + 8 + 8]byte
	copy(nonce[:], "key-blind")
	binary.BigEndian.PutUint64(nonce[9:], uint64(periodNumber))
	binary.BigEndian.PutUint64(nonce[17:], uint64(periodLength))

	h := sha3.New256()
	h.Write(blindString)
	h.Write(pk)
	h.Write(ed25519Basepoint)
	h.Write(nonce[:])
	var param [32]byte
	copy(param[:], h.Sum(nil))
	return param
}

// BlindForPeriod blinds pk for the time period containing t.
func BlindForPeriod(pk ed25519.PublicKey, t time.Time, periodLength int64) (ed25519.PublicKey, error) {
	return BlindPubkey(pk, BlindingParam(pk, TimePeriod(t, periodLength), periodLength))
}
