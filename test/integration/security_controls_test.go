package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/haulflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/api/contracts",
		"/api/contracts/c-1",
		"/api/contracts/c-1/board",
		"/api/contracts/c-1/executions",
		"/api/executions/e-1",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			resp := h.GET(ep, "")
			h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(DispatcherClaims())

	resp := h.GET("/api/contracts", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Signed with a key that is not in the JWKS.
	differentKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":       testIssuer,
		"aud":       testAudience,
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"sub":       "op-1",
		"tenant_id": "fleet-1",
		"roles":     []any{"dispatcher"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := h.GET("/api/contracts", signed)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"op-1","tenant_id":"fleet-1","iss":"https://id.fleet.test","aud":"haulflow-test","roles":["dispatcher"]}`))
	noneToken := header + "." + payload + "."

	resp := h.GET("/api/contracts", noneToken)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := DispatcherClaims()
	claims.Extra = map[string]any{"aud": "some-other-service"}

	resp := h.GET("/api/contracts", h.GenerateToken(claims))
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MissingTenantClaim_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	claims := DispatcherClaims()
	claims.TenantID = ""

	resp := h.GET("/api/contracts", h.GenerateToken(claims))
	h.AssertError(t, resp, http.StatusUnauthorized, model.ErrUnauthorized)
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims("d-1"))

	resp := h.GET("/api/contracts", token)
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/contracts", "not.a.valid.jwt.token")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

// ==========================================================================
// Cross-Tenant Isolation Tests
// ==========================================================================

func TestSecurity_TenantIDFromJWT_NotRequestHeader(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1")

	other := DispatcherClaims()
	other.SubjectID = "op-9"
	other.TenantID = "fleet-2"
	token := h.GenerateToken(other)

	// A tenant header cannot widen the token's tenant.
	resp := h.GETWithHeaders("/api/contracts/c-1", token, map[string]string{
		"X-Tenant-Id": "fleet-1",
	})
	h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)
}

func TestSecurity_TenantIsolation_ExecutionAccessDenied(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution("coal")

	other := DispatcherClaims()
	other.SubjectID = "op-9"
	other.TenantID = "fleet-2"
	token := h.GenerateToken(other)

	// 404, not 403, so IDs cannot be enumerated across tenants.
	resp := h.GET(ExecutionPath(exec.ID), token)
	h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)

	resp = h.POST(ExecutionPath(exec.ID)+"/drag", map[string]string{"target": model.StageLoaded}, token)
	h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)

	// The owning tenant still sees it untouched.
	var got model.Execution
	h.AssertJSON(t, h.GET(ExecutionPath(exec.ID), h.GenerateToken(DispatcherClaims())), http.StatusOK, &got)
	if got.Status != model.StagePending || got.Version != exec.Version {
		t.Errorf("execution = %s v%d, want Pending v%d", got.Status, got.Version, exec.Version)
	}
}

// ==========================================================================
// Authorization Tests
// ==========================================================================

func TestSecurity_DriverCannotManageContracts(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1")
	token := h.GenerateToken(DriverClaims("d-1"))

	tests := []struct {
		name, method, path string
		body               any
	}{
		{"create contract", "POST", "/api/contracts", map[string]string{"name": "x"}},
		{"add waypoint", "POST", "/api/contracts/c-1/waypoints", model.Waypoint{ID: "Sainshand"}},
		{"remove waypoint", "DELETE", "/api/contracts/c-1/waypoints/Davaa-1", nil},
		{"add vehicle", "POST", "/api/contracts/c-1/vehicles", model.Vehicle{ID: "v-2"}},
		{"create execution", "POST", "/api/contracts/c-1/executions", map[string]string{"driver_id": "d-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.doRequest(tt.method, tt.path, tt.body, token, nil)
			h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
		})
	}
}

func TestSecurity_DriverMovesOnlyOwnExecutions(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()

	resp := h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"},
		h.GenerateToken(DriverClaims("d-2")))
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)

	resp = h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"},
		h.GenerateToken(DriverClaims("d-1")))
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestSecurity_PolicyFileReplacesBuiltInRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	policy := `roles:
  dispatcher: ["contracts:*", "assignments:manage", "executions:*"]
  driver: ["contracts:read", "executions:read"]
  auditor: ["contracts:read", "executions:read"]
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	h := NewTestHarness(t, WithPolicyFile(path))
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()

	driver := h.GenerateToken(DriverClaims("d-1"))
	resp := h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, driver)
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
	h.AssertStatus(t, h.GET(ExecutionPath(exec.ID), driver), http.StatusOK)

	auditor := h.GenerateToken(TestClaims{SubjectID: "audit-1", TenantID: "fleet-1", Roles: []string{"auditor"}})
	h.AssertStatus(t, h.GET("/api/contracts/c-1/board", auditor), http.StatusOK)
	resp = h.POST("/api/contracts", map[string]string{"name": "x"}, auditor)
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
	resp = h.POST(ExecutionPath(exec.ID)+"/drag", map[string]string{"target": "Davaa-1"}, auditor)
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)
}

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DispatcherClaims())

	resp := h.POST("/api/contracts", nil, token)
	body := string(h.ReadBody(resp))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	for _, leak := range []string{"goroutine", ".go:", "panic"} {
		if strings.Contains(body, leak) {
			t.Errorf("error body leaks %q: %s", leak, body)
		}
	}
}

// ==========================================================================
// Security Headers Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DispatcherClaims())

	resp := h.GET("/api/contracts", token)
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for name, expected := range expectedHeaders {
		actual := resp.Header.Get(name)
		if actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/contracts", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	requiredHeaders := []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Cache-Control",
		"Referrer-Policy",
	}

	for _, name := range requiredHeaders {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DispatcherClaims())

	resp1 := h.GET("/api/contracts", token)
	h.AssertStatus(t, resp1, http.StatusOK)
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.GETWithHeaders("/api/contracts", token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	h.AssertStatus(t, resp2, http.StatusOK)
	if resp2.Header.Get("X-Correlation-Id") != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", resp2.Header.Get("X-Correlation-Id"), "custom-trace-123")
	}
}

// ==========================================================================
// Input Sanitization Tests
// ==========================================================================

func TestSecurity_PathTraversalInPathParams(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1")
	token := h.GenerateToken(DispatcherClaims())

	// The escaped value stays a single segment and matches nothing.
	resp := h.GET("/api/executions/..%2F..%2Fcontracts%2Fc-1", token)
	h.AssertStatus(t, resp, http.StatusNotFound)
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/ui/health", "", map[string]string{
		"Origin": "http://localhost:3000",
	})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GETWithHeaders("/ui/health", "", map[string]string{
		"Origin": "https://evil.example.com",
	})
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
