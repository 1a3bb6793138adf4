package audit

import (
	"time"

	"github.com/xela07ax/toolgate/internal/domain"
)

// EventKind — тип записи аудита.
type EventKind string

const (
	KindSecurity          EventKind = "SECURITY"           // Отказ одного из этапов шлюза
	KindExecution         EventKind = "EXECUTION"          // Тело инструмента отработало (успешно или нет)
	KindCapabilityDenied  EventKind = "CAPABILITY_DENIED"  // Не выданы обязательные capability
	KindSubAgentLifecycle EventKind = "SUBAGENT_LIFECYCLE" // Терминальный статус под-задачи
)

type AuditEvent struct {
	ID        string    `json:"id"`       // UUID события
	TraceID   string    `json:"trace_id"` // Сквозной ID запроса
	Kind      EventKind `json:"kind"`
	ToolID    string    `json:"tool_id"`
	SessionID string    `json:"session_id,omitempty"`
	CallerID  string    `json:"caller_id,omitempty"`

	// Контекст исполнения
	IsSubAgent  bool `json:"is_sub_agent"`
	IsSandboxed bool `json:"is_sandboxed"`

	// Результат
	Status     string           `json:"status"`
	Stage      string           `json:"stage,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Findings   []domain.Finding `json:"findings,omitempty"`
	Missing    []string         `json:"missing,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}
