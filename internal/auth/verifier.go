package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lifequest-live/internal/models"
)

// ErrAuthenticationFailed is the only error clients ever see from Verify.
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrSecretRequired is returned when a verifier or issuer is built without a
// signing secret.
var ErrSecretRequired = errors.New("token signing secret is required")

// PlayerLookup resolves a verified subject into a stored player.
type PlayerLookup interface {
	GetPlayer(ctx context.Context, id string) (models.Player, error)
}

// Identity is the resolved player a session acts on behalf of.
type Identity struct {
	PlayerID    string
	DisplayName string
	Generation  string
	Rank        string
	Avatar      string
}

// IdentityFromPlayer projects a stored player into an Identity.
func IdentityFromPlayer(player models.Player) Identity {
	return Identity{
		PlayerID:    player.ID,
		DisplayName: player.DisplayName,
		Generation:  player.Generation,
		Rank:        player.Rank,
		Avatar:      player.Avatar,
	}
}

// VerifierOption configures a Verifier instance.
type VerifierOption func(*Verifier)

// WithIssuer requires tokens to carry the given iss claim.
func WithIssuer(issuer string) VerifierOption {
	return func(v *Verifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// WithAudience requires tokens to list the given audience.
func WithAudience(audience string) VerifierOption {
	return func(v *Verifier) {
		v.audience = strings.TrimSpace(audience)
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(leeway time.Duration) VerifierOption {
	return func(v *Verifier) {
		if leeway > 0 {
			v.leeway = leeway
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// Verifier validates HS256 handshake tokens and resolves their subject
// against the player store. It fails closed: every rejection is reported as
// ErrAuthenticationFailed.
type Verifier struct {
	secret   []byte
	players  PlayerLookup
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a Verifier for the shared secret.
func NewVerifier(secret []byte, players PlayerLookup, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	if players == nil {
		return nil, fmt.Errorf("player lookup is required")
	}
	v := &Verifier{
		secret:  append([]byte(nil), secret...),
		players: players,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify decodes the token and returns the identity it names.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, rejected(errors.New("token missing"))
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...); err != nil {
		return Identity{}, rejected(err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, rejected(errors.New("subject missing"))
	}
	player, err := v.players.GetPlayer(ctx, subject)
	if err != nil {
		return Identity{}, rejected(fmt.Errorf("resolve player %s: %w", subject, err))
	}
	return IdentityFromPlayer(player), nil
}

// verificationError hides the cause from Error() while keeping it reachable
// through errors.Is/As for logging.
type verificationError struct {
	cause error
}

func rejected(cause error) error {
	return &verificationError{cause: cause}
}

func (e *verificationError) Error() string {
	return ErrAuthenticationFailed.Error()
}

func (e *verificationError) Unwrap() []error {
	return []error{ErrAuthenticationFailed, e.cause}
}

// Cause returns the internal reason behind a verification failure, suitable
// for server logs only.
func Cause(err error) error {
	var verr *verificationError
	if errors.As(err, &verr) {
		return verr.cause
	}
	return err
}
