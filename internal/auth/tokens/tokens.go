// Package tokens reads expiry hints from access tokens. Signatures are not
// verified: the server remains the authority, the client only uses exp to
// refresh ahead of a 401.
package tokens

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser()

// ExpiresAt returns the exp claim. ok is false for opaque tokens and JWTs
// without exp.
func ExpiresAt(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ExpiresWithin reports whether token expires before now+window. Tokens
// without a readable expiry never do.
func ExpiresWithin(token string, now time.Time, window time.Duration) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return !exp.After(now.Add(window))
}
