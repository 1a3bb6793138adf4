package risk

import (
	"context"
	"strings"
)

// DefaultKernelPhrases — базовые запреты этического ядра.
var DefaultKernelPhrases = []string{"rm -rf", "drop table", "disable security", "steal password", "bypass approval"}

// KernelChecker — простая реализация PolicyChecker по списку запрещенных фраз.
type KernelChecker struct {
	phrases []string
}

func NewKernelChecker(phrases []string) *KernelChecker {
	if len(phrases) == 0 {
		phrases = DefaultKernelPhrases
	}
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			norm = append(norm, p)
		}
	}
	return &KernelChecker{phrases: norm}
}

func (k *KernelChecker) Check(_ context.Context, _ string, input string) Verdict {
	lowered := strings.ToLower(input)
	var violations []string
	for _, p := range k.phrases {
		if strings.Contains(lowered, p) {
			violations = append(violations, p)
		}
	}
	return Verdict{Allowed: len(violations) == 0, Violations: violations}
}
