package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"lifequest-live/internal/models"
	"lifequest-live/internal/storage"
)

var testSecret = []byte("test-secret-value")

type stubPlayers struct {
	players map[string]models.Player
	err     error
}

func (s stubPlayers) GetPlayer(_ context.Context, id string) (models.Player, error) {
	if s.err != nil {
		return models.Player{}, s.err
	}
	player, ok := s.players[id]
	if !ok {
		return models.Player{}, storage.ErrNotFound
	}
	return player, nil
}

func newPlayers() stubPlayers {
	return stubPlayers{players: map[string]models.Player{
		"ana": {ID: "ana", DisplayName: "Ana", Generation: "alpha", Rank: "gold", Avatar: "a.png"},
	}}
}

func mustIssue(t *testing.T, issuer *Issuer, playerID string, ttl time.Duration) string {
	t.Helper()
	token, _, err := issuer.Issue(playerID, ttl)
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	return token
}

func assertRejected(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if err.Error() != "authentication failed" {
		t.Fatalf("expected generic reason, got %q", err.Error())
	}
}

func TestVerifyResolvesIdentity(t *testing.T) {
	issuer, err := NewIssuer(testSecret, "lifequest", "realtime")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := NewVerifier(testSecret, newPlayers(), WithIssuer("lifequest"), WithAudience("realtime"))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	identity, err := verifier.Verify(context.Background(), mustIssue(t, issuer, "ana", time.Minute))
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	want := Identity{PlayerID: "ana", DisplayName: "Ana", Generation: "alpha", Rank: "gold", Avatar: "a.png"}
	if identity != want {
		t.Fatalf("expected %+v, got %+v", want, identity)
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	issuer, _ := NewIssuer(testSecret, "lifequest", "")
	otherIssuer, _ := NewIssuer([]byte("other-secret"), "lifequest", "")
	verifier, _ := NewVerifier(testSecret, newPlayers(), WithIssuer("lifequest"))

	expired := mustIssue(t, issuer, "ana", time.Minute)
	verifierLater, _ := NewVerifier(testSecret, newPlayers(), WithClock(func() time.Time {
		return time.Now().Add(time.Hour)
	}))

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ana",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "lifequest",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign subjectless token: %v", err)
	}
	wrongIssuer, _ := NewIssuer(testSecret, "someone-else", "")

	cases := map[string]struct {
		verifier *Verifier
		token    string
	}{
		"empty":          {verifier, "   "},
		"garbage":        {verifier, "not-a-jwt"},
		"wrong secret":   {verifier, mustIssue(t, otherIssuer, "ana", time.Minute)},
		"unknown player": {verifier, mustIssue(t, issuer, "ghost", time.Minute)},
		"expired":        {verifierLater, expired},
		"alg none":       {verifier, noneToken},
		"no subject":     {verifier, noSubject},
		"wrong issuer":   {verifier, mustIssue(t, wrongIssuer, "ana", time.Minute)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.verifier.Verify(context.Background(), tc.token)
			assertRejected(t, err)
		})
	}
}

func TestVerifyStoreFailureIsRejectedWithCause(t *testing.T) {
	issuer, _ := NewIssuer(testSecret, "", "")
	boom := errors.New("db down")
	verifier, _ := NewVerifier(testSecret, stubPlayers{err: boom})

	_, err := verifier.Verify(context.Background(), mustIssue(t, issuer, "ana", time.Minute))
	assertRejected(t, err)
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to remain reachable, got %v", err)
	}
	if cause := Cause(err); cause == nil || !strings.Contains(cause.Error(), "db down") {
		t.Fatalf("expected cause to mention store failure, got %v", cause)
	}
}

func TestConstructorsRequireSecret(t *testing.T) {
	if _, err := NewVerifier(nil, newPlayers()); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
	if _, err := NewVerifier(testSecret, nil); err == nil {
		t.Fatal("expected missing lookup to fail")
	}
	if _, err := NewIssuer(nil, "", ""); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}

func TestIssueRequiresPlayerID(t *testing.T) {
	issuer, _ := NewIssuer(testSecret, "", "")
	if _, _, err := issuer.Issue("", time.Minute); !errors.Is(err, ErrInvalidPlayerID) {
		t.Fatalf("expected ErrInvalidPlayerID, got %v", err)
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }
	_, expiresAt, err := issuer.Issue("ana", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expiresAt.Equal(fixed.Add(time.Hour)) {
		t.Fatalf("expected default one hour ttl, got %v", expiresAt)
	}
}
