package handlers

import (
	"fmt"
	"net/http"

	"github.com/benwis/oso/internal/entities"
	"github.com/benwis/oso/internal/infrastructure/metrics"
	"github.com/benwis/oso/internal/services/authorization"
)

// RuleBaseProvider hands out the active policy snapshot.
type RuleBaseProvider interface {
	ActiveRuleBase() *entities.RuleBase
}

// AuthorizationHandler serves permit checks, allowed-action enumeration,
// and direct rule queries over HTTP.
type AuthorizationHandler struct {
	decider       *authorization.Decider
	policy        RuleBaseProvider
	converter     ValueConverter
	collector     *metrics.Collector
	exporter      *metrics.PrometheusExporter
	allowWildcard bool
}

// NewAuthorizationHandler creates a new AuthorizationHandler. collector
// and exporter may be nil.
func NewAuthorizationHandler(
	decider *authorization.Decider,
	policy RuleBaseProvider,
	converter ValueConverter,
	collector *metrics.Collector,
	exporter *metrics.PrometheusExporter,
	allowWildcard bool,
) *AuthorizationHandler {
	return &AuthorizationHandler{
		decider:       decider,
		policy:        policy,
		converter:     converter,
		collector:     collector,
		exporter:      exporter,
		allowWildcard: allowWildcard,
	}
}

// Register registers the authorization routes on mux.
func (h *AuthorizationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/check", h.Check)
	mux.HandleFunc("POST /v1/allowed-actions", h.AllowedActions)
	mux.HandleFunc("POST /v1/query", h.Query)
}

type checkRequest struct {
	Actor    any            `json:"actor"`
	Action   string         `json:"action"`
	Resource any            `json:"resource"`
	Context  map[string]any `json:"context"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// Check answers whether the actor may perform the action on the resource.
func (h *AuthorizationHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}

	actor, err := requestValue(h.converter, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	resource, err := requestValue(h.converter, req.Resource)
	if err != nil {
		writeError(w, err)
		return
	}

	var reqCtx entities.Value
	if len(req.Context) > 0 {
		reqCtx, err = requestValue(h.converter, req.Context)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	allowed, err := h.decider.IsAllowedWithContext(r.Context(), h.policy.ActiveRuleBase(), actor, entities.String(req.Action), resource, reqCtx)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.collector != nil {
		h.collector.RecordDecision(allowed)
	}
	if h.exporter != nil {
		h.exporter.RecordDecision(allowed)
	}
	writeJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}

type allowedActionsRequest struct {
	Actor         any  `json:"actor"`
	Resource      any  `json:"resource"`
	AllowWildcard bool `json:"allow_wildcard"`
}

type allowedActionsResponse struct {
	Actions []string `json:"actions"`
}

// AllowedActions enumerates the actions the actor may perform on the
// resource.
func (h *AuthorizationHandler) AllowedActions(w http.ResponseWriter, r *http.Request) {
	var req allowedActionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	actor, err := requestValue(h.converter, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	resource, err := requestValue(h.converter, req.Resource)
	if err != nil {
		writeError(w, err)
		return
	}

	actions, err := h.decider.AllowedActions(r.Context(), h.policy.ActiveRuleBase(), actor, resource, req.AllowWildcard || h.allowWildcard)
	if err != nil {
		writeError(w, err)
		return
	}
	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, http.StatusOK, allowedActionsResponse{Actions: actions})
}

type queryRequest struct {
	Rule string `json:"rule"`
	Args []any  `json:"args"`
}

type queryResponse struct {
	Holds bool `json:"holds"`
}

// Query reports whether the named rule holds for the given arguments.
func (h *AuthorizationHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Rule == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rule is required"})
		return
	}

	args := make([]entities.Term, len(req.Args))
	for i, raw := range req.Args {
		v, err := requestValue(h.converter, raw)
		if err != nil {
			writeError(w, fmt.Errorf("arg %d: %w", i, err))
			return
		}
		args[i] = entities.Literal{Value: v}
	}

	holds, err := h.decider.QueryRule(r.Context(), h.policy.ActiveRuleBase(), req.Rule, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{Holds: holds})
}
