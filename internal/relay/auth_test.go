package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "relay-test-secret-0123456789abcdef"

func TestIssueAndParseToken(t *testing.T) {
	now := time.Now()
	token, err := IssueToken(testSecret, alice, time.Hour, now)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, alice, claims.Participant())
	assert.WithinDuration(t, now.Add(time.Hour), claims.ExpiresAt.Time, time.Second)
}

func TestParseToken_Rejects(t *testing.T) {
	expired, err := IssueToken(testSecret, alice, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	valid, err := IssueToken(testSecret, alice, time.Hour, time.Now())
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: alice.ID},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"expired", testSecret, expired},
		{"wrong secret", "another-secret", valid},
		{"alg none", testSecret, unsigned},
		{"no subject", testSecret, anonymous},
		{"garbage", testSecret, "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.secret, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	app.Get("/whoami", AuthRequired(testSecret), func(c *fiber.Ctx) error {
		_, hasExpiry := c.Locals(localExpiresAt).(time.Time)
		return c.JSON(fiber.Map{"id": participantFrom(c).ID, "expiry": hasExpiry})
	})
	token, err := IssueToken(testSecret, bob, time.Hour, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"bearer header", "/whoami", "Bearer " + token, http.StatusOK},
		{"query token", "/whoami?token=" + token, "", http.StatusOK},
		{"missing", "/whoami", "", http.StatusUnauthorized},
		{"wrong scheme", "/whoami", "Token " + token, http.StatusUnauthorized},
		{"invalid", "/whoami", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
