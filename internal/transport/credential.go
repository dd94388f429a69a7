package transport

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// credentialExpired reports whether a JWT credential carries an exp claim in
// the past. Opaque tokens are never considered expired here; the service has
// the final word during the handshake.
func credentialExpired(credential string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

// credentialSubject returns the sub claim of a JWT credential, if any.
func credentialSubject(credential string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
