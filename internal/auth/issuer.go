package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints handshake tokens accepted by a Verifier sharing its secret.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewIssuer constructs an Issuer. The issuer and audience values are
// optional and are only embedded when non-empty.
func NewIssuer(secret []byte, issuer, audience string) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	return &Issuer{
		secret:   append([]byte(nil), secret...),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		now:      time.Now,
	}, nil
}

// Issue signs a token for playerID valid for ttl.
func (i *Issuer) Issue(playerID string, ttl time.Duration) (string, time.Time, error) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		return "", time.Time{}, ErrInvalidPlayerID
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   playerID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if i.issuer != "" {
		claims.Issuer = i.issuer
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ErrInvalidPlayerID is returned when issuing a token without a subject.
var ErrInvalidPlayerID = errors.New("playerID is required")
