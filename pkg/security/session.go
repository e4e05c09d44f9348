package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSessionInvalid = errors.New("session token invalid")
	ErrSessionExpired = errors.New("session token expired")
)

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	UserID              string `json:"uid"`
	Email               string `json:"email"`
	AnonymousIdentityID string `json:"aid"`
	jwt.RegisteredClaims
}

// Identity returns the request scoped view of the claims.
func (c *SessionClaims) Identity() Identity {
	return Identity{
		UserID:              c.UserID,
		Email:               c.Email,
		AnonymousIdentityID: c.AnonymousIdentityID,
	}
}

// SessionIssuer signs and decodes stateless HS256 session tokens. Nothing is
// stored server side.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if secret == "" {
		return nil, errors.New("no session secret provided")
	}

	if ttl <= 0 {
		return nil, errors.New("session ttl must be bigger than 0")
	}

	return &SessionIssuer{
		secret:  []byte(secret),
		ttl:     ttl,
		NowFunc: time.Now,
	}, nil
}

// TTL is how long issued tokens stay valid.
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

func (s *SessionIssuer) Issue(userID, email, identityID string) (string, *SessionClaims, error) {
	if userID == "" || identityID == "" {
		return "", nil, errors.New("session needs a user and an identity")
	}

	now := s.NowFunc()
	claims := &SessionClaims{
		UserID:              userID,
		Email:               email,
		AnonymousIdentityID: identityID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session token, %w", err)
	}

	return token, claims, nil
}

// Decode verifies the signature before looking at the expiry. Every failure
// other than expiry collapses into ErrSessionInvalid.
func (s *SessionIssuer) Decode(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.NowFunc),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}

		return nil, ErrSessionInvalid
	}

	if claims.UserID == "" || claims.AnonymousIdentityID == "" {
		return nil, ErrSessionInvalid
	}

	return claims, nil
}
