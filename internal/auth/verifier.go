// Package auth verifies the marketplace bearer tokens presented to the BFF.
// Tokens are issued elsewhere; this package only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Verifier checks HS256 bearer tokens and returns their subject.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// NewVerifier builds a Verifier. The secret must be non-empty.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	skew := cfg.ClockSkew
	if skew < 0 {
		skew = 0
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		skew:     skew,
		now:      time.Now,
	}, nil
}

// Verify validates token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if algorithm != jwa.HS256 {
		return "", unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", unauthorized("invalid token", err)
	}
	if err := v.validate(parsed); err != nil {
		return "", unauthorized("invalid token", err)
	}
	return parsed.Subject(), nil
}

// validate checks the time window, issuer and audience claims and requires a
// non-blank subject.
func (v *Verifier) validate(tok jwt.Token) error {
	options := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithRequiredClaim(jwt.SubjectKey),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	if err := jwt.Validate(tok, options...); err != nil {
		return err
	}
	if strings.TrimSpace(tok.Subject()) == "" {
		return errors.New("auth: token missing subject")
	}
	return nil
}

func unauthorized(msg string, err error) error {
	return common.NewAppError("UNAUTHORIZED", msg, http.StatusUnauthorized, err)
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
