package handlers

import (
	"io"
	"net/http"

	"github.com/benwis/oso/internal/services"
)

// PolicyHandler serves policy management over HTTP: replacing the active
// policy and inspecting the active snapshot.
type PolicyHandler struct {
	policy services.PolicyServiceInterface
}

// NewPolicyHandler creates a new PolicyHandler.
func NewPolicyHandler(policy services.PolicyServiceInterface) *PolicyHandler {
	return &PolicyHandler{policy: policy}
}

// Register registers the policy routes on mux.
func (h *PolicyHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/policy", h.Write)
	mux.HandleFunc("GET /v1/policy", h.Read)
	mux.HandleFunc("GET /healthz", h.Health)
}

type policyResponse struct {
	Generation string `json:"generation"`
	Rules      int    `json:"rules"`
}

// Write replaces the active policy with the YAML document in the request
// body.
func (h *PolicyHandler) Write(w http.ResponseWriter, r *http.Request) {
	source, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if err := h.policy.WritePolicy(r.Context(), string(source)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Read reports the active snapshot's generation and rule count.
func (h *PolicyHandler) Read(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Health reports liveness.
func (h *PolicyHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PolicyHandler) snapshot() policyResponse {
	rb := h.policy.ActiveRuleBase()
	return policyResponse{Generation: rb.Generation(), Rules: rb.Len()}
}
