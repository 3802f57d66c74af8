package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	// ErrInvalidConnectionToken indicates a token that is neither the shared
	// collaboration token nor a valid signed credential.
	ErrInvalidConnectionToken = errors.New("auth: invalid connection token")

	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingSubject       = errors.New("auth: subject must be provided")
)

// VerifierConfig configures the collaboration connection verifier.
type VerifierConfig struct {
	// SharedToken is the designated static token accepted on connect.
	SharedToken string
	// SigningSecret, when set, additionally accepts HS256 JWTs signed with it.
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Verifier authorizes websocket connection handshakes. The policy is
// permissive by design: an absent token or the shared token is accepted,
// anything else must be a JWT signed with the collaboration secret.
type Verifier struct {
	config VerifierConfig
	clock  func() time.Time
}

// NewVerifier constructs a Verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		config: VerifierConfig{
			SharedToken:   cfg.SharedToken,
			SigningSecret: append([]byte(nil), cfg.SigningSecret...),
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Authorize validates the token presented during the connection handshake.
func (v *Verifier) Authorize(token string) error {
	if token == "" {
		return nil
	}
	if v.config.SharedToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(v.config.SharedToken)) == 1 {
		return nil
	}
	if len(v.config.SigningSecret) == 0 {
		return ErrInvalidConnectionToken
	}
	if _, err := v.validateJWT(token); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConnectionToken, err)
	}
	return nil
}

// IssueToken produces a signed JWT and its expiry (seconds) for clients that
// prefer an expiring credential over the shared token.
func (v *Verifier) IssueToken(subject string) (string, int64, error) {
	if len(v.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if subject == "" {
		return "", 0, errMissingSubject
	}

	now := v.clock().UTC()
	expiresAt := now.Add(v.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.config.Issuer,
		Audience:  []string{v.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(v.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

func (v *Verifier) validateJWT(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return v.config.SigningSecret, nil
		},
		jwt.WithAudience(v.config.Audience),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}
