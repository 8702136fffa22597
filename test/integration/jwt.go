package integration

import (
	"crypto/rand"
	"encoding/hex"
	"maps"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Name      string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer signs HS256 tokens with a per-test shared secret.
type tokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

// newTokenIssuer creates a token issuer with a fresh random secret.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate secret: %v", err)
	}

	return &tokenIssuer{
		secret:   []byte(hex.EncodeToString(secret)),
		issuer:   "https://auth.bakehouse.test",
		audience: "bakehouse-console",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), ti.secret)
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)), ti.secret)
}

// GenerateForeignToken creates a token signed with a different secret.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(ti.mapClaims(claims, now, now.Add(time.Hour)), []byte("not-the-console-secret"))
}

func (ti *tokenIssuer) mapClaims(claims TestClaims, iat, exp time.Time) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"iat": jwt.NewNumericDate(iat),
		"exp": jwt.NewNumericDate(exp),
		"sub": claims.SubjectID,
	}
	if claims.Name != "" {
		mc["name"] = claims.Name
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mc["roles"] = roles
	}
	maps.Copy(mc, claims.Extra)
	return mc
}

func (ti *tokenIssuer) sign(claims jwt.MapClaims, secret []byte) string {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		panic("sign test JWT: " + err.Error())
	}
	return signed
}

// Secret returns the shared signing secret.
func (ti *tokenIssuer) Secret() string {
	return string(ti.secret)
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
