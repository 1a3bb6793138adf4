package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/xela07ax/toolgate/internal/repository/postgres"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	GetGlobalStats(ctx context.Context, window time.Duration) (*postgres.AuditSummary, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

// GetStats — сводка аудита за окно (?window=1h, по умолчанию час):
// статусы, этапы отказов и самые часто блокируемые инструменты.
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	stats, err := h.service.GetGlobalStats(r.Context(), window)
	if err != nil {
		writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
