package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/toolgate/internal/console/service"
)

type ControlHandler struct {
	service *service.ControlService
}

func NewControlHandler(s *service.ControlService) *ControlHandler {
	return &ControlHandler{service: s}
}

// State — GET /v1/control
func (h *ControlHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Snapshot())
}

// switchHandler строит обработчик для переключателя вида POST /v1/.../{id}/<action>.
func (h *ControlHandler) switchHandler(set func(context.Context, string, bool) error, on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := set(r.Context(), id, on); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": on})
	}
}

func (h *ControlHandler) BlockTool() http.HandlerFunc {
	return h.switchHandler(h.service.SetToolBlocked, true)
}

func (h *ControlHandler) UnblockTool() http.HandlerFunc {
	return h.switchHandler(h.service.SetToolBlocked, false)
}

func (h *ControlHandler) BlockSession() http.HandlerFunc {
	return h.switchHandler(h.service.SetSessionBlocked, true)
}

func (h *ControlHandler) UnblockSession() http.HandlerFunc {
	return h.switchHandler(h.service.SetSessionBlocked, false)
}

// Quarantine/Sandbox: POST включает режим, DELETE выключает.
func (h *ControlHandler) Quarantine(on bool) http.HandlerFunc {
	return h.switchHandler(h.service.SetQuarantine, on)
}

func (h *ControlHandler) Sandbox(on bool) http.HandlerFunc {
	return h.switchHandler(h.service.SetSandbox, on)
}
