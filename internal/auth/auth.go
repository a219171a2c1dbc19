// Package auth implements component G: bearer-token tenant attribution.
// Tokens are opaque bearer strings; the catalog never stores the
// token itself, only its SHA-256 hash, so a catalog dump never discloses
// usable credentials (spec §4.G).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/aptpub/controlplane/internal/apterr"
	"github.com/aptpub/controlplane/internal/catalog"
)

const (
	bearerPrefix = "Bearer "
	basicPrefix  = "Basic "
)

// HashToken returns the hex-encoded SHA-256 digest of token, the form
// stored in and looked up against the catalog.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random bearer token suitable for handing to a
// tenant, and its SHA-256 hash for storage. The token itself is shown to
// the caller exactly once.
func GenerateToken() (token, sha256Hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", apterr.Wrap(apterr.Internal, "generating token", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

// Authenticate extracts an API token from an Authorization header value and
// resolves it to a Tenant via store. Both forms spec §6 allows are accepted:
// "Bearer <token>", and "Basic <base64(user:token)>" where the username is
// arbitrary and the password is the token. It returns apterr.Unauthorized
// for every way this can fail, never a bare error, so the HTTP layer can
// render it uniformly (spec §6 error taxonomy).
func Authenticate(ctx context.Context, store catalog.Store, authorizationHeader string) (catalog.Tenant, error) {
	token, err := extractToken(authorizationHeader)
	if err != nil {
		return catalog.Tenant{}, err
	}
	tenant, err := store.TenantByTokenHash(ctx, HashToken(token))
	if err != nil {
		return catalog.Tenant{}, err
	}
	return tenant, nil
}

func extractToken(authorizationHeader string) (string, error) {
	switch {
	case strings.HasPrefix(authorizationHeader, bearerPrefix):
		token := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, bearerPrefix))
		if token == "" {
			return "", apterr.New(apterr.Unauthorized, "empty bearer token")
		}
		return token, nil
	case strings.HasPrefix(authorizationHeader, basicPrefix):
		encoded := strings.TrimSpace(strings.TrimPrefix(authorizationHeader, basicPrefix))
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", apterr.New(apterr.Unauthorized, "malformed basic auth credentials")
		}
		_, password, ok := strings.Cut(string(decoded), ":")
		if !ok || password == "" {
			return "", apterr.New(apterr.Unauthorized, "malformed basic auth credentials")
		}
		return password, nil
	default:
		return "", apterr.New(apterr.Unauthorized, "missing Authorization header")
	}
}

// ConstantTimeEqual compares two hex digests without leaking timing
// information. memstore's TenantByTokenHash uses it to compare a presented
// token hash against each stored hash.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
