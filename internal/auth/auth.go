// Package auth extracts the caller's bearer credential and derives the
// non-reversible fingerprint stored with each exchange. The raw credential is
// only ever used to authenticate the upstream call; it is never persisted.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingCredential   = errors.New("missing API key")
	ErrMalformedCredential = errors.New("invalid authorization header")
)

const fingerprintLen = 16

// Credential is the validated bearer token plus its storage-safe fingerprint.
type Credential struct {
	Key         string
	Fingerprint string
}

// FromHeader parses an Authorization header value. The scheme must be Bearer
// (case-insensitive) and the token non-empty.
func FromHeader(value string) (Credential, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, ErrMissingCredential
	}

	scheme, token, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return Credential{}, ErrMalformedCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrMalformedCredential
	}

	return Credential{Key: token, Fingerprint: Fingerprint(token)}, nil
}

// FromRequest extracts the credential from an inbound request.
func FromRequest(r *http.Request) (Credential, error) {
	return FromHeader(r.Header.Get("Authorization"))
}

// Fingerprint returns a short one-way derivative of a secret: the first 16
// hex characters of its SHA-256. Enough for grouping and analytics, useless
// for recovering the key.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// AdminToken guards the admin surface with a single shared token compared in
// constant time. An empty configured token matches nothing.
type AdminToken struct {
	token string
}

func NewAdminToken(token string) *AdminToken {
	return &AdminToken{token: strings.TrimSpace(token)}
}

func (a *AdminToken) Enabled() bool {
	return a != nil && a.token != ""
}

// Authorize checks the request's bearer token against the configured admin
// token.
func (a *AdminToken) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return false
	}
	credential, err := FromRequest(r)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential.Key), []byte(a.token)) == 1
}
