package crypto

import (
	"fmt"
	"strconv"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// BlindingFactor derives the deterministic per-server blinding scalar: the
// 64-byte BLAKE2b digest of the raw server public key, wide-reduced modulo
// the group order.
func BlindingFactor(serverPub []byte) (*edwards25519.Scalar, error) {
	if len(serverPub) != 32 {
		return nil, fmt.Errorf("%w: server key length %d", ErrCrypto, len(serverPub))
	}
	digest := blake2b.Sum512(serverPub)
	k, err := edwards25519.NewScalar().SetUniformBytes(digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return k, nil
}

// BlindedIdentifiers derives the two candidate blinded identifiers for a
// long-term session identifier under the given server public key. The
// embedded Curve25519 key is converted to Ed25519 form and multiplied by the
// blinding factor without clamping; because the conversion is defined only up
// to sign, the sign-flipped twin is equally valid and both must be available
// to callers matching an identifier a client presented. The canonical
// (externally presented) identifier is returned first: it is whichever twin
// has bit 0x80 of the final byte clear in the raw multiplication result.
func BlindedIdentifiers(sessionID string, serverPub []byte) (canonical, alternate string, err error) {
	prefix, curvePub, err := ParseIdentifier(sessionID)
	if err != nil {
		return "", "", err
	}
	if prefix != PrefixSession {
		return "", "", fmt.Errorf("%w: cannot blind a %q identifier", ErrCrypto, prefix)
	}

	edPub, err := Curve25519PublicToEd25519(curvePub)
	if err != nil {
		return "", "", err
	}
	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return "", "", fmt.Errorf("%w: not a curve point", ErrCrypto)
	}
	k, err := BlindingFactor(serverPub)
	if err != nil {
		return "", "", err
	}

	product := new(edwards25519.Point).ScalarMult(k, point).Bytes()
	twin := make([]byte, 32)
	copy(twin, product)
	twin[31] ^= 0x80

	a, err := FormatIdentifier(PrefixBlinded, product)
	if err != nil {
		return "", "", err
	}
	b, err := FormatIdentifier(PrefixBlinded, twin)
	if err != nil {
		return "", "", err
	}
	if product[31]&0x80 == 0 {
		return a, b, nil
	}
	return b, a, nil
}

// SignedRequestString reconstructs the canonical byte string a client signs:
// server public key, raw nonce, ASCII decimal timestamp, method, and
// percent-decoded path, followed by the 64-byte BLAKE2b hash of the body when
// the body is non-empty.
func SignedRequestString(serverPub, nonce []byte, timestamp int64, method, decodedPath string, body []byte) []byte {
	out := make([]byte, 0, len(serverPub)+len(nonce)+20+len(method)+len(decodedPath)+blake2b.Size)
	out = append(out, serverPub...)
	out = append(out, nonce...)
	out = strconv.AppendInt(out, timestamp, 10)
	out = append(out, method...)
	out = append(out, decodedPath...)
	if len(body) > 0 {
		bodyHash := blake2b.Sum512(body)
		out = append(out, bodyHash[:]...)
	}
	return out
}
