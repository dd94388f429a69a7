package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lectern/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	localParticipant = "participant"
	localExpiresAt   = "expiresAt"
)

// Claims are the credential claims the relay issues and accepts. The
// subject is the participant id.
type Claims struct {
	Type models.ParticipantType `json:"typ"`
	Name string                 `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs a credential for p valid for ttl.
func IssueToken(secret string, p models.Participant, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Type: p.Type,
		Name: p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a credential and returns its claims.
func ParseToken(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Participant returns the participant the claims describe.
func (c *Claims) Participant() models.Participant {
	return models.Participant{ID: c.Subject, Type: c.Type, Name: c.Name}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	// Browsers cannot set headers on a websocket handshake.
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthRequired validates the bearer credential and stores the participant
// and the credential expiry in the request locals.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := bearerToken(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: err.Error()})
		}
		claims, err := ParseToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: "invalid or expired token"})
		}
		c.Locals(localParticipant, claims.Participant())
		if claims.ExpiresAt != nil {
			c.Locals(localExpiresAt, claims.ExpiresAt.Time)
		}
		return c.Next()
	}
}

func participantFrom(c *fiber.Ctx) models.Participant {
	p, _ := c.Locals(localParticipant).(models.Participant)
	return p
}
