package domain

import (
	"fmt"
	"time"
)

// InvocationStatus — терминальный статус одного вызова инструмента.
type InvocationStatus string

const (
	InvocationSuccess  InvocationStatus = "SUCCESS"
	InvocationFailed   InvocationStatus = "FAILED"    // Инструмент вернул ошибку или упал
	InvocationDenied   InvocationStatus = "DENIED"    // Отказ одного из этапов пайплайна
	InvocationTimedOut InvocationStatus = "TIMED_OUT" // Истек таймаут исполнения
	InvocationCanceled InvocationStatus = "CANCELLED"
)

// Stage — этап пайплайна шлюза. Используется в аудите отказов.
type Stage string

const (
	StageLookup     Stage = "lookup"
	StageDangerTier Stage = "danger_tier"
	StagePolicy     Stage = "policy"
	StageCapability Stage = "capability"
	StageScanner    Stage = "scanner"
	StageGuardrail  Stage = "guardrail"
	StageIntegrity  Stage = "integrity"
	StageExecution  Stage = "execution"
	StageScheduler  Stage = "scheduler"
	StageSubAgent   Stage = "subagent"
)

// InvocationRequest — запрос агента на вызов инструмента.
// Передается по значению: после создания не меняется, шлюз работает с копией.
type InvocationRequest struct {
	ToolID      string        `json:"tool_id"`
	Input       string        `json:"input"`
	IsSubAgent  bool          `json:"is_sub_agent"`
	IsSandboxed bool          `json:"is_sandboxed"`
	SessionID   string        `json:"session_id"`
	Timeout     time.Duration `json:"timeout"`

	// Метаданные для аудита
	TraceID  string `json:"trace_id,omitempty"`
	CallerID string `json:"caller_id,omitempty"`
}

// InvocationResult формируется ровно один раз на запрос.
type InvocationResult struct {
	Success bool             `json:"success"`
	Output  string           `json:"output,omitempty"`
	Error   string           `json:"error,omitempty"`
	Elapsed time.Duration    `json:"elapsed"`
	Status  InvocationStatus `json:"status"`

	// Заполняется только при отказе: какой этап и почему
	Stage    Stage     `json:"stage,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Findings []Finding `json:"findings,omitempty"`
}

func Succeeded(output string, elapsed time.Duration) InvocationResult {
	return InvocationResult{Success: true, Output: output, Elapsed: elapsed, Status: InvocationSuccess}
}

func Failed(errMsg string, elapsed time.Duration) InvocationResult {
	return InvocationResult{Error: errMsg, Elapsed: elapsed, Status: InvocationFailed, Stage: StageExecution}
}

// Denied — структурированный отказ. Это не ошибка Go, а ожидаемый исход.
func Denied(stage Stage, reason string, elapsed time.Duration) InvocationResult {
	return InvocationResult{
		Error:   fmt.Sprintf("%s: %s", stage, reason),
		Elapsed: elapsed,
		Status:  InvocationDenied,
		Stage:   stage,
		Reason:  reason,
	}
}

func TimedOut(stage Stage, elapsed time.Duration) InvocationResult {
	return InvocationResult{
		Error:   fmt.Sprintf("%s: timed out after %v", stage, elapsed),
		Elapsed: elapsed,
		Status:  InvocationTimedOut,
		Stage:   stage,
	}
}

func Canceled(stage Stage, elapsed time.Duration) InvocationResult {
	return InvocationResult{
		Error:   fmt.Sprintf("%s: cancelled", stage),
		Elapsed: elapsed,
		Status:  InvocationCanceled,
		Stage:   stage,
	}
}
