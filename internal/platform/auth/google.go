package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthInvalid is returned for any identity token that fails verification.
var ErrAuthInvalid = errors.New("identity token invalid")

var googleIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// Identity is the verified subject of an identity token.
type Identity struct {
	Subject string
	Email   string
}

// TokenVerifier checks an identity token and returns who it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// flexBool accepts both true and "true"; Google has emitted either form
// for email_verified.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

type googleClaims struct {
	jwt.RegisteredClaims
	Email         string   `json:"email"`
	EmailVerified flexBool `json:"email_verified"`
}

// GoogleVerifier validates Google ID tokens: RS256 signature against
// Google's published keys, issuer, audience (the OAuth client ID), expiry,
// and a verified email.
type GoogleVerifier struct {
	clientID string
	keys     *JWKSCache
	leeway   time.Duration
}

func NewGoogleVerifier(clientID, jwksURL string, client *http.Client) *GoogleVerifier {
	return &GoogleVerifier{
		clientID: clientID,
		keys:     NewJWKSCache(jwksURL, time.Hour, client),
		leeway:   30 * time.Second,
	}
}

func (v *GoogleVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuthInvalid)
	}

	claims := &googleClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.keys.GetKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}

	if !validIssuer(claims.Issuer) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrAuthInvalid, claims.Issuer)
	}
	if claims.Email == "" || !bool(claims.EmailVerified) {
		return Identity{}, fmt.Errorf("%w: email missing or unverified", ErrAuthInvalid)
	}
	return Identity{Subject: claims.Subject, Email: NormalizeEmail(claims.Email)}, nil
}

func validIssuer(iss string) bool {
	for _, want := range googleIssuers {
		if iss == want {
			return true
		}
	}
	return false
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DevVerifier accepts the email address itself as the token. It exists so a
// local frontend can sign in without a Google client ID.
type DevVerifier struct{}

func (DevVerifier) Verify(_ context.Context, token string) (Identity, error) {
	email := NormalizeEmail(token)
	if !strings.Contains(email, "@") || strings.ContainsAny(email, " \t") {
		return Identity{}, fmt.Errorf("%w: dev token must be an email address", ErrAuthInvalid)
	}
	return Identity{Subject: "dev:" + email, Email: email}, nil
}
