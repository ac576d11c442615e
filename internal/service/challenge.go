package service

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/protocol"
)

const challengeIssuer = "polycentric-server"

// ChallengeService issues short-lived challenges that a client proves
// ownership of a system with by signing them.
type ChallengeService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewChallengeService constructs ChallengeService. ttl <= 0 means one minute.
func NewChallengeService(key []byte, ttl time.Duration) *ChallengeService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ChallengeService{key: key, ttl: ttl, now: time.Now}
}

// Issue returns a new challenge: an HS256 token the client signs verbatim.
func (s *ChallengeService) Issue() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        id.String(),
		Issuer:    challengeIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks that token is an unexpired challenge issued here and that
// signature signs protocol.ChallengeMessage(token, handle) under system.
func (s *ChallengeService) Verify(token, handle string, system identity.PublicKey, signature []byte) error {
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(challengeIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("challenge: %v: %w", err, errs.ErrUnauthorized)
	}
	if !identity.Verify(system, protocol.ChallengeMessage(token, handle), signature) {
		return fmt.Errorf("challenge signature: %w", errs.ErrUnauthorized)
	}
	return nil
}
