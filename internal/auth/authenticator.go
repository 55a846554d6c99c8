// Package auth validates the signed request headers of the open group
// protocol and resolves the caller to an identity. Every failure short of a
// storage error collapses into the anonymous outcome so that an attacker
// cannot learn which verification step rejected a forged request.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/parlorchat/parlor/internal/crypto"
	"github.com/parlorchat/parlor/internal/identity"
	"go.uber.org/zap"
)

// Request signature headers.
const (
	HeaderPubkey    = "X-Parlor-Pubkey"
	HeaderTimestamp = "X-Parlor-Timestamp"
	HeaderNonce     = "X-Parlor-Nonce"
	HeaderSignature = "X-Parlor-Signature"
)

const nonceSize = 16

// Outcome classifies an authentication attempt.
type Outcome int

const (
	// Anonymous means no usable credentials were presented; the caller is
	// treated as an unauthenticated reader.
	Anonymous Outcome = iota
	// Authenticated means the request signature verified and the caller
	// resolved to an identity.
	Authenticated
	// Forbidden means the signature verified but the identity is banned
	// server-wide; the request must be rejected, not treated as anonymous.
	Forbidden
)

// Result is the output of request authentication.
type Result struct {
	Outcome  Outcome
	Identity *identity.Identity
}

var errMissingDeps = errors.New("auth: resolver, nonce store, and server key are required")

// AuthenticatorConfig describes authenticator dependencies.
type AuthenticatorConfig struct {
	Resolver        *identity.Resolver
	Nonces          *NonceStore
	ServerPublicKey []byte
	Tolerance       time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Authenticator verifies per-request signatures.
type Authenticator struct {
	resolver  *identity.Resolver
	nonces    *NonceStore
	serverPub []byte
	tolerance time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewAuthenticator constructs the request authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Resolver == nil || cfg.Nonces == nil || len(cfg.ServerPublicKey) != 32 {
		return nil, errMissingDeps
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 24 * time.Hour
	}
	return &Authenticator{
		resolver:  cfg.Resolver,
		nonces:    cfg.Nonces,
		serverPub: append([]byte(nil), cfg.ServerPublicKey...),
		tolerance: tolerance,
		now:       clock,
		logger:    logger,
	}, nil
}

// Headers is the subset of the request a transport hands to authentication.
type Headers struct {
	Pubkey    string
	Timestamp string
	Nonce     string
	Signature string
}

// Authenticate verifies the signed request. Method and rawPath are the
// HTTP-style method and the request path as received on the wire; the path is
// percent-decoded before signing. The nonce is consumed only after the
// signature verifies, so a forged request cannot burn a victim's nonce.
func (a *Authenticator) Authenticate(ctx context.Context, method, rawPath string, hdr Headers, body []byte) (Result, error) {
	if hdr.Pubkey == "" && hdr.Signature == "" {
		return Result{Outcome: Anonymous}, nil
	}

	prefix, rawKey, err := crypto.ParseIdentifier(hdr.Pubkey)
	if err != nil {
		return Result{Outcome: Anonymous}, nil
	}

	timestamp, err := strconv.ParseInt(hdr.Timestamp, 10, 64)
	if err != nil {
		return Result{Outcome: Anonymous}, nil
	}
	now := a.now()
	if drift := now.Unix() - timestamp; drift > int64(a.tolerance.Seconds()) || -drift > int64(a.tolerance.Seconds()) {
		return Result{Outcome: Anonymous}, nil
	}

	nonce, ok := decodeNonce(hdr.Nonce)
	if !ok {
		return Result{Outcome: Anonymous}, nil
	}
	signature, err := base64.StdEncoding.DecodeString(hdr.Signature)
	if err != nil || len(signature) != 64 {
		return Result{Outcome: Anonymous}, nil
	}

	var sessionID string
	switch prefix {
	case crypto.PrefixEd25519:
		curvePub, convErr := crypto.Ed25519PublicToCurve25519(rawKey)
		if convErr != nil {
			return Result{Outcome: Anonymous}, nil
		}
		sessionID, err = crypto.FormatIdentifier(crypto.PrefixSession, curvePub)
		if err != nil {
			return Result{Outcome: Anonymous}, nil
		}
	case crypto.PrefixBlinded:
		// A blinded header is already the external identifier; blinding
		// derivation happens when a moderator maps a long-term id to its
		// blinded twin, not here.
		sessionID = hdr.Pubkey
	default:
		return Result{Outcome: Anonymous}, nil
	}

	decodedPath, err := url.PathUnescape(rawPath)
	if err != nil {
		decodedPath = rawPath
	}
	signed := crypto.SignedRequestString(a.serverPub, nonce, timestamp, method, decodedPath, body)
	if !crypto.Verify(rawKey, signed, signature) {
		return Result{Outcome: Anonymous}, nil
	}

	ident, err := a.resolver.ResolveBySessionID(ctx, sessionID, true)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidSessionID) {
			return Result{Outcome: Anonymous}, nil
		}
		return Result{}, err
	}

	fresh, err := a.nonces.Consume(ctx, nonce, now)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		a.logger.Warn("replayed request nonce", zap.String("session_id", sessionID))
		return Result{Outcome: Anonymous}, nil
	}

	if ident.Banned {
		return Result{Outcome: Forbidden, Identity: &ident}, nil
	}

	a.resolver.TouchActivity(ctx, ident.ID)
	return Result{Outcome: Authenticated, Identity: &ident}, nil
}

// decodeNonce accepts the 16-byte nonce in base64 or hex form.
func decodeNonce(value string) ([]byte, bool) {
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == nonceSize {
		return raw, true
	}
	if raw, err := hex.DecodeString(value); err == nil && len(raw) == nonceSize {
		return raw, true
	}
	return nil, false
}
