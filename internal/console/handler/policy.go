package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/toolgate/internal/console/service"
	"github.com/xela07ax/toolgate/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// RuleView — правило в виде для API: слой строкой, а не числом.
type RuleView struct {
	Layer     string              `json:"layer"`
	Target    string              `json:"target"`
	Action    domain.PolicyAction `json:"action"`
	Reason    string              `json:"reason,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
}

func (v RuleView) toRule() (domain.PolicyRule, error) {
	layer, err := domain.ParsePolicyLayer(v.Layer)
	if err != nil {
		return domain.PolicyRule{}, err
	}
	return domain.PolicyRule{
		Layer:     layer,
		Target:    strings.TrimSpace(v.Target),
		Action:    domain.PolicyAction(strings.ToUpper(string(v.Action))),
		Reason:    v.Reason,
		SessionID: v.SessionID,
	}, nil
}

// ListRules — GET /v1/policies
func (h *PolicyHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.service.Rules()
	out := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		out = append(out, RuleView{
			Layer:     rule.Layer.String(),
			Target:    rule.Target,
			Action:    rule.Action,
			Reason:    rule.Reason,
			SessionID: rule.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// AddRule — POST /v1/policies
func (h *PolicyHandler) AddRule(w http.ResponseWriter, r *http.Request) {
	var req RuleView
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}
	rule, err := req.toRule()
	if err == nil {
		err = rule.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.AddRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// RemoveRule — DELETE /v1/policies?layer=GLOBAL&target=web_search[&session_id=...]
func (h *PolicyHandler) RemoveRule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	layer, err := domain.ParsePolicyLayer(q.Get("layer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := q.Get("target")
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}

	removed, err := h.service.RemoveRule(r.Context(), layer, target, q.Get("session_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListGroups — GET /v1/groups
func (h *PolicyHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Groups())
}

type groupRequest struct {
	Members []string `json:"members"`
}

// DefineGroup — PUT /v1/groups/{name}
func (h *PolicyHandler) DefineGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid group payload")
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.service.DefineGroup(r.Context(), name, req.Members); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": name, "members": req.Members})
}

// DeleteGroup — DELETE /v1/groups/{name}
func (h *PolicyHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteGroup(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetGrants — GET /v1/grants/{tool}
func (h *PolicyHandler) GetGrants(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	grants := h.service.Grants(tool)
	if grants == nil {
		grants = []domain.Capability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": tool, "capabilities": grants})
}

type grantRequest struct {
	Capabilities []string `json:"capabilities"`
}

func parseCaps(raw []string) ([]domain.Capability, error) {
	caps := make([]domain.Capability, 0, len(raw))
	for _, s := range raw {
		c, err := domain.ParseCapability(s)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Grant — POST /v1/grants/{tool}; Revoke — DELETE /v1/grants/{tool}.
func (h *PolicyHandler) Grant(w http.ResponseWriter, r *http.Request) {
	h.changeGrants(w, r, h.service.Grant)
}

func (h *PolicyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.changeGrants(w, r, h.service.Revoke)
}

func (h *PolicyHandler) changeGrants(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, toolID string, caps []domain.Capability) error) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid grant payload")
		return
	}
	caps, err := parseCaps(req.Capabilities)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tool := chi.URLParam(r, "tool")
	if err := apply(r.Context(), tool, caps); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool_id": tool, "capabilities": h.service.Grants(tool)})
}

// GetGuardrail — GET /v1/guardrail
func (h *PolicyHandler) GetGuardrail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Guardrail())
}

type commandRequest struct {
	Command string `json:"command"`
}

// GuardrailCommand — POST /v1/guardrail/command {"command": "deny_plugin|web_search"}
func (h *PolicyHandler) GuardrailCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid command payload")
		return
	}
	out, err := h.service.GuardrailCommand(r.Context(), req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": out})
}
