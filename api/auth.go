package api

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// AuthConfig carries token validation settings. A non-empty TestSecret
// switches validation to HS256 against that secret for local and test
// environments without an identity provider.
type AuthConfig struct {
	Audience   string
	Issuer     string
	TestSecret []byte
}

// Auth validates incoming JWT tokens and yields the caller's user ID.
type Auth struct {
	jwks *keyfunc.JWKS
	cfg  AuthConfig
}

func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) *Auth {
	return &Auth{jwks: jwks, cfg: cfg}
}

// UserIDFromAuthHeader extracts and verifies the bearer token, returning
// the subject claim.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errBadAuthorization
	}
	tokenStr := parts[1]
	if strings.Count(tokenStr, ".") != 2 {
		return "", errBadAuthorization
	}

	if len(a.cfg.TestSecret) > 0 {
		return a.subjectFromTestToken(tokenStr)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	token, err := parser.Parse(tokenStr, a.jwks.Keyfunc)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyAudience(a.cfg.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if !claims.VerifyIssuer(a.cfg.Issuer, false) {
		return "", errors.New("invalid issuer")
	}
	return subjectClaim(claims)
}

func (a *Auth) subjectFromTestToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.cfg.TestSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	return subjectClaim(claims)
}

func subjectClaim(claims jwt.MapClaims) (string, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}
