// Package crypto implements the identifier and blinding primitives of the
// open group protocol: conversions between Curve25519 and Ed25519 public
// keys, per-server blinded identifier derivation, and the canonical signed
// request string.
package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
)

// Session identifier type prefixes. An identifier is the two-character prefix
// followed by 64 lowercase hex characters (33 raw bytes total).
const (
	PrefixSession = "05" // long-term identifier embedding a Curve25519 key
	PrefixBlinded = "15" // per-server blinded Ed25519 key
	PrefixEd25519 = "00" // plain Ed25519 key, used in the auth header
)

// SessionIDLength is the hex length of every external identifier.
const SessionIDLength = 66

// ErrCrypto indicates malformed key material or an invalid curve point. It is
// deliberately coarse; callers must not learn which derivation step failed.
var ErrCrypto = errors.New("crypto: malformed key material")

// ParseIdentifier splits a type-prefixed identifier into its prefix and raw
// 32-byte key.
func ParseIdentifier(id string) (prefix string, key []byte, err error) {
	if len(id) != SessionIDLength {
		return "", nil, fmt.Errorf("%w: identifier length %d", ErrCrypto, len(id))
	}
	if id != strings.ToLower(id) {
		return "", nil, fmt.Errorf("%w: identifier must be lowercase hex", ErrCrypto)
	}
	key, err = hex.DecodeString(id[2:])
	if err != nil {
		return "", nil, fmt.Errorf("%w: identifier is not hex", ErrCrypto)
	}
	return id[:2], key, nil
}

// FormatIdentifier assembles a type-prefixed identifier from a raw 32-byte key.
func FormatIdentifier(prefix string, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("%w: key length %d", ErrCrypto, len(key))
	}
	return prefix + hex.EncodeToString(key), nil
}

// Curve25519PublicToEd25519 converts a Curve25519 public key (Montgomery u
// coordinate) to its Ed25519 counterpart via the birational map
// y = (u-1)/(u+1). The result always has the sign bit clear; the true key is
// defined only up to sign, so callers needing the twin flip bit 0x80 of the
// last byte themselves.
func Curve25519PublicToEd25519(curvePub []byte) ([]byte, error) {
	if len(curvePub) != 32 {
		return nil, fmt.Errorf("%w: curve key length %d", ErrCrypto, len(curvePub))
	}
	u, err := new(field.Element).SetBytes(curvePub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	one := new(field.Element).One()
	denom := new(field.Element).Add(u, one)
	if denom.Equal(new(field.Element).Zero()) == 1 {
		return nil, fmt.Errorf("%w: excluded point", ErrCrypto)
	}
	y := new(field.Element).Multiply(
		new(field.Element).Subtract(u, one),
		new(field.Element).Invert(denom),
	)
	edPub := y.Bytes()

	// Reject encodings that are not on the curve so downstream scalar
	// multiplication never operates on garbage.
	if _, err := new(edwards25519.Point).SetBytes(edPub); err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrCrypto)
	}
	return edPub, nil
}

// Ed25519PublicToCurve25519 converts an Ed25519 public key to its Curve25519
// counterpart (u = (1+y)/(1-y)), dropping the sign.
func Ed25519PublicToCurve25519(edPub []byte) ([]byte, error) {
	if len(edPub) != 32 {
		return nil, fmt.Errorf("%w: ed key length %d", ErrCrypto, len(edPub))
	}
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrCrypto)
	}
	return p.BytesMontgomery(), nil
}

// Verify reports whether sig is a valid Ed25519 signature over message by the
// raw 32-byte public key.
func Verify(pub, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// VerifyXEd25519 verifies an Ed25519 signature produced under a Curve25519
// key. The Montgomery form drops the Edwards sign bit, so the converted key
// is tried with both sign twins.
func VerifyXEd25519(curvePub, message, sig []byte) bool {
	edPub, err := Curve25519PublicToEd25519(curvePub)
	if err != nil {
		return false
	}
	if Verify(edPub, message, sig) {
		return true
	}
	twin := make([]byte, len(edPub))
	copy(twin, edPub)
	twin[31] ^= 0x80
	return Verify(twin, message, sig)
}
