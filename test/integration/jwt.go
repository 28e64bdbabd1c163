package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "haulflow-test-es256"
	testIssuer   = "https://id.fleet.test"
	testAudience = "haulflow-test"
)

// TestClaims describes the identity a test token carries. Extra is merged
// last and can override any registered claim.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// DispatcherClaims returns claims for a dispatcher on tenant fleet-1.
func DispatcherClaims() TestClaims {
	return TestClaims{SubjectID: "op-1", TenantID: "fleet-1", Email: "dispatch@fleet.test", Roles: []string{"dispatcher"}}
}

// DriverClaims returns claims for the given driver on tenant fleet-1.
func DriverClaims(driverID string) TestClaims {
	return TestClaims{SubjectID: driverID, TenantID: "fleet-1", Roles: []string{"driver"}}
}

// tokenIssuer signs ES256 tokens and publishes its public key as a JWKS.
type tokenIssuer struct {
	key  *ecdsa.PrivateKey
	jwks *httptest.Server
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	set, err := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kid": testKeyID,
		"kty": "EC",
		"crv": "P-256",
		"alg": "ES256",
		"x":   base64.RawURLEncoding.EncodeToString(key.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(key.Y.Bytes()),
	}}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwks: srv}
}

// GenerateToken signs claims valid for the next hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Now())
}

// GenerateExpiredToken signs claims that expired an hour ago, well past the
// authenticator's leeway.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, time.Now().Add(-2*time.Hour))
}

func (ti *tokenIssuer) sign(claims TestClaims, issuedAt time.Time) string {
	mc := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		mc["roles"] = claims.Roles
	}
	maps.Copy(mc, claims.Extra)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return testIssuer }
func (ti *tokenIssuer) Audience() string { return testAudience }
