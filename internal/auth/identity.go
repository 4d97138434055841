// Package auth resolves bearer credentials to trusted identities.
//
// Two verifiers exist: FirebaseVerifier checks RS256 ID tokens issued by
// Firebase Authentication against Google's published certificates, and
// TokenService checks HS256 tokens signed with a shared secret (local
// development and tests). Both satisfy Verifier.
package auth

import (
	"context"
	"errors"
)

// Identity is what a verified credential vouches for.
type Identity struct {
	UID   string // identity provider subject, stable per account
	Email string
	Name  string
}

// Verifier turns a raw bearer token into an Identity. Implementations must
// check the signature; a decoded-but-unverified token is never trusted.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

var (
	errNoSubject   = errors.New("auth: token has no subject")
	errLongSubject = errors.New("auth: token subject longer than 128 characters")
)

func checkSubject(sub string) error {
	if sub == "" {
		return errNoSubject
	}
	if len(sub) > 128 {
		return errLongSubject
	}
	return nil
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext extracts the identity set by RequireIdentity.
// The bool is false for unauthenticated requests.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UID != ""
}
