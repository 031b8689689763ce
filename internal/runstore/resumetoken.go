package runstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenServiceDisabled is returned by Generate/Validate when the service
// was constructed with an empty secret.
var ErrTokenServiceDisabled = errors.New("runstore: resume token service disabled")

// ErrInvalidResumeToken is returned when a token fails signature
// verification, is expired, or is missing its run_id subject.
var ErrInvalidResumeToken = errors.New("runstore: invalid resume token")

// ResumeTokenService signs and verifies opaque tokens that hand a paused
// run's identity to an external approval UI without exposing the RunStore
// itself: the holder of a valid token may resume exactly the run_id it
// names, nothing else.
type ResumeTokenService struct {
	secret []byte
	expiry time.Duration
}

// NewResumeTokenService builds a service signing with secret; tokens expire
// after expiry (zero means a token never expires, matching an interactive
// approval flow that can't predict when a human will respond).
func NewResumeTokenService(secret string, expiry time.Duration) *ResumeTokenService {
	return &ResumeTokenService{secret: []byte(secret), expiry: expiry}
}

type resumeClaims struct {
	jwt.RegisteredClaims
}

// Generate issues a signed token naming runID as its subject.
func (s *ResumeTokenService) Generate(runID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrTokenServiceDisabled
	}
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("runstore: run_id required")
	}

	claims := resumeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  runID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies token, returning the run_id it authorizes a
// resume for.
func (s *ResumeTokenService) Validate(token string) (runID string, err error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrTokenServiceDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &resumeClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidResumeToken
	}

	claims, ok := parsed.Claims.(*resumeClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidResumeToken
	}
	return claims.Subject, nil
}
