package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/toolgate/internal/console/service"
	"github.com/xela07ax/toolgate/internal/repository/postgres"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?tool_id=...&session_id=...&status=DENIED&since=RFC3339&limit=50
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := postgres.AuditFilter{
		ToolID:    q.Get("tool_id"),
		SessionID: q.Get("session_id"),
		Status:    q.Get("status"),
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	logs, err := h.service.FetchLogs(r.Context(), f)
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func writeAuditError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrAuditUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to fetch audit data")
}
