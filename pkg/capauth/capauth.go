// Package capauth issues and validates short-lived, narrowly-scoped
// capability tokens. Where the teacher's JWT middleware verifies a long-
// lived SSO session token against a JWKS fetched from an identity
// provider, this core's tokens authorize a single operation against a
// single resource and are signed with a shared HS256 secret, matching
// spec.md's requirement that capability tokens be "abstracted from any
// one signing library" while preserving "the single-purpose, short-TTL,
// scoped property."
package capauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/merr"
)

// Operation names the single action a capability token authorizes.
type Operation string

const (
	OperationSettleEscrow  Operation = "settle_escrow"
	OperationRefundEscrow  Operation = "refund_escrow"
	OperationPartialSettle Operation = "partial_settle_escrow"
	OperationCommitReserve Operation = "commit_reservation"
	OperationReleaseReserve Operation = "release_reservation"
)

// claims is the JWT payload carried by every capability token. A token
// authorizes exactly one operation on exactly one resource.
type claims struct {
	jwt.RegisteredClaims
	QueueItemID string    `json:"queueItemId,omitempty"`
	EscrowID    string    `json:"escrowId,omitempty"`
	Operation   Operation `json:"operation"`
	Roles       []string  `json:"roles,omitempty"`
}

// Issuer signs and verifies capability tokens under a single shared
// secret. Rotating the secret invalidates every outstanding token, which
// is intentional: these tokens are meant to live minutes, not survive a
// key rotation.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer. ttl bounds how long a minted token remains
// valid; callers should keep this short (spec.md's capability tokens are
// single-purpose and short-lived by design).
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	return &Issuer{secret: secret, ttl: ttl}
}

// Claims describes the resource and operation a token should authorize.
type Claims struct {
	QueueItemID string
	EscrowID    string
	Operation   Operation
	Roles       []string
	Subject     string
}

// Issue mints a signed token scoped to c.
func (i *Issuer) Issue(c Claims) (string, error) {
	now := time.Now()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		QueueItemID: c.QueueItemID,
		EscrowID:    c.EscrowID,
		Operation:   c.Operation,
		Roles:       c.Roles,
	})

	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("capauth: sign token: %w", err)
	}

	return signed, nil
}

// Validate parses tokenString, verifies its signature and expiry, and
// confirms it authorizes wantOp against the given queueItemID/escrowID
// (whichever the operation scopes to; pass "" for the one that doesn't
// apply). Both empty means "don't check resource scope," used by callers
// that only need to confirm the operation and roles.
func (i *Issuer) Validate(tokenString string, wantOp Operation, queueItemID, escrowID string) (Claims, error) {
	var c claims

	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return i.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, merr.ExpiredError{EntityType: "capability_token", Message: "token expired"}
		}

		return Claims{}, merr.InvalidAuthorizationError{Reason: err.Error()}
	}

	if !parsed.Valid {
		return Claims{}, merr.InvalidAuthorizationError{Reason: "token failed validation"}
	}

	if c.Operation != wantOp {
		return Claims{}, merr.InvalidAuthorizationError{
			Reason: fmt.Sprintf("token scoped to operation %q, want %q", c.Operation, wantOp),
		}
	}

	if queueItemID != "" && c.QueueItemID != queueItemID {
		return Claims{}, merr.InvalidAuthorizationError{Reason: "token not scoped to this queue item"}
	}

	if escrowID != "" && c.EscrowID != escrowID {
		return Claims{}, merr.InvalidAuthorizationError{Reason: "token not scoped to this escrow"}
	}

	return Claims{
		QueueItemID: c.QueueItemID,
		EscrowID:    c.EscrowID,
		Operation:   c.Operation,
		Roles:       c.Roles,
		Subject:     c.Subject,
	}, nil
}

// HasRole reports whether c carries role. The "admin" role satisfies every
// role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == "admin" {
			return true
		}
	}

	return false
}

// HasAnyRole reports whether c carries any of roles.
func (c Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}

	return false
}
