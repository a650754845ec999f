package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousUser is the user reference assigned when no token is
// presented and anonymous access is allowed.
const AnonymousUser = "anonymous"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
)

// Identity resolves the authenticated user of a request from its
// Authorization header. With a secret configured, tokens are verified
// as HMAC-signed JWTs; without one, claims are read unverified, which
// suits deployments where a fronting proxy already validated the token.
type Identity struct {
	secret         []byte
	claim          string
	allowAnonymous bool
}

// NewIdentity builds a resolver. claim names the JWT claim that carries
// the user reference and defaults to "sub".
func NewIdentity(secret, claim string, allowAnonymous bool) *Identity {
	if claim == "" {
		claim = "sub"
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Identity{secret: key, claim: claim, allowAnonymous: allowAnonymous}
}

// Resolve returns the user reference for the request. Absent or
// unreadable tokens fall back to AnonymousUser when anonymous access is
// allowed and fail otherwise.
func (id *Identity) Resolve(r *http.Request) (string, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		if id.allowAnonymous {
			return AnonymousUser, nil
		}
		return "", errMissingToken
	}

	claims := jwt.MapClaims{}
	var err error
	if len(id.secret) > 0 {
		_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return id.secret, nil
		})
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		if id.allowAnonymous {
			return AnonymousUser, nil
		}
		return "", errInvalidToken
	}

	if ref, ok := claims[id.claim].(string); ok && ref != "" {
		return ref, nil
	}
	if id.allowAnonymous {
		return AnonymousUser, nil
	}
	return "", errInvalidToken
}

// bearerToken extracts the token from an Authorization header value.
// The scheme comparison is case-insensitive.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
