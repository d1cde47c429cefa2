package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benwis/oso/internal/registry"
	"github.com/benwis/oso/internal/services"
	"github.com/benwis/oso/internal/services/authorization"
)

const testPolicy = `
rules:
  - name: allow
    params:
      - var: _
      - value: read
      - var: _
  - name: allow
    params:
      - var: actor
      - var: action
      - var: _
    body:
      and:
        - eq: {left: {path: [actor, role]}, right: {value: admin}}
        - in: {item: {var: action}, of: {value: [CREATE, UPDATE]}}
`

const wildcardPolicy = `
rules:
  - name: allow
    params:
      - value: superuser
      - var: _
      - var: _
`

func newTestServer(t *testing.T, policyDoc string) (*http.ServeMux, *services.PolicyService) {
	t.Helper()

	reg := registry.NewTypeRegistry()
	cel, err := authorization.NewCELEngine()
	if err != nil {
		t.Fatalf("cel engine: %v", err)
	}
	decider := authorization.NewDecider(authorization.NewResolver(reg, cel))

	policy, err := services.NewPolicyService(reg, cel, nil)
	if err != nil {
		t.Fatalf("policy service: %v", err)
	}
	if policyDoc != "" {
		if err := policy.LoadString(policyDoc); err != nil {
			t.Fatalf("load policy: %v", err)
		}
	}

	mux := http.NewServeMux()
	NewAuthorizationHandler(decider, policy, reg, nil, nil, false).Register(mux)
	NewPolicyHandler(policy).Register(mux)
	return mux, policy
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCheck(t *testing.T) {
	mux, _ := newTestServer(t, testPolicy)

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantAllowed bool
	}{
		{
			name:        "read allowed for anyone",
			body:        `{"actor": "guest", "action": "read", "resource": "doc"}`,
			wantStatus:  http.StatusOK,
			wantAllowed: true,
		},
		{
			name:        "create denied for plain actor",
			body:        `{"actor": {"role": "viewer"}, "action": "CREATE", "resource": "doc"}`,
			wantStatus:  http.StatusOK,
			wantAllowed: false,
		},
		{
			name:        "create allowed for admin record",
			body:        `{"actor": {"role": "admin"}, "action": "CREATE", "resource": "doc"}`,
			wantStatus:  http.StatusOK,
			wantAllowed: true,
		},
		{
			name:       "missing action",
			body:       `{"actor": "guest", "resource": "doc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"actor": `,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, mux, "/v1/check", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp checkResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", resp.Allowed, tt.wantAllowed)
			}
		})
	}
}

func TestCheck_RequestContext(t *testing.T) {
	mux, _ := newTestServer(t, `
rules:
  - name: allow
    params:
      - var: _
      - value: delete
      - var: _
    body:
      cel: '"mfa" in ctx && ctx.mfa == true'
`)

	w := postJSON(t, mux, "/v1/check", `{"actor": "paul", "action": "delete", "resource": "doc", "context": {"mfa": true}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var resp checkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Allowed {
		t.Error("mfa context should permit delete")
	}

	w = postJSON(t, mux, "/v1/check", `{"actor": "paul", "action": "delete", "resource": "doc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Allowed {
		t.Error("missing context should deny delete")
	}
}

func TestAllowedActions(t *testing.T) {
	mux, _ := newTestServer(t, testPolicy)

	w := postJSON(t, mux, "/v1/allowed-actions", `{"actor": {"role": "admin"}, "resource": "doc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var resp allowedActionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := []string{"CREATE", "UPDATE", "read"}
	if len(resp.Actions) != len(want) {
		t.Fatalf("actions = %v, want %v", resp.Actions, want)
	}
	for i := range want {
		if resp.Actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", resp.Actions, want)
		}
	}
}

func TestAllowedActions_WildcardConflict(t *testing.T) {
	mux, _ := newTestServer(t, wildcardPolicy)

	w := postJSON(t, mux, "/v1/allowed-actions", `{"actor": "superuser", "resource": "doc"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("wildcard without opt-in should conflict, got %d (body %s)", w.Code, w.Body.String())
	}

	w = postJSON(t, mux, "/v1/allowed-actions", `{"actor": "superuser", "resource": "doc", "allow_wildcard": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var resp allowedActionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Actions) != 1 || resp.Actions[0] != "*" {
		t.Errorf("actions = %v, want [*]", resp.Actions)
	}
}

func TestQuery(t *testing.T) {
	mux, _ := newTestServer(t, testPolicy)

	w := postJSON(t, mux, "/v1/query", `{"rule": "allow", "args": ["guest", "read", "doc"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var resp queryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Holds {
		t.Error("allow(guest, read, doc) should hold")
	}

	w = postJSON(t, mux, "/v1/query", `{"args": []}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing rule name should be rejected, got %d", w.Code)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	mux, policy := newTestServer(t, testPolicy)
	before := policy.ActiveRuleBase().Generation()

	req := httptest.NewRequest(http.MethodPut, "/v1/policy", strings.NewReader(wildcardPolicy))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	var resp policyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Generation == before {
		t.Error("writing a policy must mint a fresh generation")
	}
	if resp.Rules != 1 {
		t.Errorf("rules = %d, want 1", resp.Rules)
	}

	// Broken documents are rejected and leave the active policy alone.
	req = httptest.NewRequest(http.MethodPut, "/v1/policy", strings.NewReader("rules:\n  - params: []"))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("broken policy should be rejected, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", w.Code)
	}
}
