package domain

import (
	"fmt"
	"strings"
	"time"
)

// IsolationTier — уровень изоляции делегированной задачи.
type IsolationTier string

const (
	IsolationMinimal  IsolationTier = "minimal"
	IsolationStandard IsolationTier = "standard"
	IsolationStrict   IsolationTier = "strict"
)

func ParseIsolationTier(s string) (IsolationTier, error) {
	switch t := IsolationTier(strings.ToLower(strings.TrimSpace(s))); t {
	case IsolationMinimal, IsolationStandard, IsolationStrict:
		return t, nil
	case "":
		return IsolationStandard, nil
	default:
		return "", fmt.Errorf("unknown isolation tier %q", s)
	}
}

// SubAgentStatus — состояние конечного автомата под-задачи
type SubAgentStatus string

const (
	SubAgentQueued    SubAgentStatus = "QUEUED" // Принята, ждет свободного воркера
	SubAgentRunning   SubAgentStatus = "RUNNING"
	SubAgentCompleted SubAgentStatus = "COMPLETED"
	SubAgentFailed    SubAgentStatus = "FAILED"
	SubAgentTimedOut  SubAgentStatus = "TIMED_OUT"
	SubAgentCancelled SubAgentStatus = "CANCELLED"
	SubAgentRejected  SubAgentStatus = "REJECTED"
)

// IsTerminal — из терминального статуса переходов нет.
func (s SubAgentStatus) IsTerminal() bool {
	switch s {
	case SubAgentCompleted, SubAgentFailed, SubAgentTimedOut, SubAgentCancelled, SubAgentRejected:
		return true
	default:
		return false
	}
}

// SubAgentResult — неизменяемая запись об окончании под-задачи (хранится в истории).
type SubAgentResult struct {
	AgentID    string         `json:"agent_id"`
	ParentID   string         `json:"parent_id"`
	TargetID   string         `json:"target_id"`
	Tier       IsolationTier  `json:"tier"`
	Status     SubAgentStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}
