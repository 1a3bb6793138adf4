package risk

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/xela07ax/toolgate/internal/domain"
	"go.uber.org/zap"
)

// Verdict — ответ внешней проверки "конституции".
type Verdict struct {
	Allowed    bool
	Violations []string
}

// PolicyChecker — внешний коллаборатор, который может запретить вызов
// независимо от сигнатур. Каждое нарушение превращается в CRITICAL находку.
type PolicyChecker interface {
	Check(ctx context.Context, toolID, input string) Verdict
}

// Options — пороги эвристик.
type Options struct {
	RapidFireThreshold    int
	RapidFireWindow       time.Duration
	OutlierFactor         float64
	OutlierMinLength      int
	ChronicBlockRate      float64
	ChronicMinInvocations int64
	// BlockOnHigh — блокировать уже на HIGH, а не только на CRITICAL
	BlockOnHigh bool
}

func DefaultOptions() Options {
	return Options{
		RapidFireThreshold:    10,
		RapidFireWindow:       500 * time.Millisecond,
		OutlierFactor:         3,
		OutlierMinLength:      500,
		ChronicBlockRate:      0.3,
		ChronicMinInvocations: 10,
	}
}

// Scanner — потоковый детектор угроз с поведенческой памятью по инструментам.
type Scanner struct {
	opts       Options
	checker    PolicyChecker
	knownTools func() []string

	mu       sync.Mutex
	profiles map[string]*BehaviorProfile

	crossMu sync.RWMutex
	crossRe map[string]*regexp.Regexp // tool id -> шаблон вызова этого инструмента

	logger *zap.Logger
	now    func() time.Time
}

// NewScanner. checker и knownTools могут быть nil: тогда соответствующие слои пропускаются.
func NewScanner(opts Options, checker PolicyChecker, knownTools func() []string, logger *zap.Logger) *Scanner {
	def := DefaultOptions()
	if opts.RapidFireThreshold <= 0 {
		opts.RapidFireThreshold = def.RapidFireThreshold
	}
	if opts.RapidFireWindow <= 0 {
		opts.RapidFireWindow = def.RapidFireWindow
	}
	if opts.OutlierFactor <= 0 {
		opts.OutlierFactor = def.OutlierFactor
	}
	if opts.OutlierMinLength <= 0 {
		opts.OutlierMinLength = def.OutlierMinLength
	}
	if opts.ChronicBlockRate <= 0 {
		opts.ChronicBlockRate = def.ChronicBlockRate
	}
	if opts.ChronicMinInvocations <= 0 {
		opts.ChronicMinInvocations = def.ChronicMinInvocations
	}

	return &Scanner{
		opts:       opts,
		checker:    checker,
		knownTools: knownTools,
		profiles:   make(map[string]*BehaviorProfile),
		crossRe:    make(map[string]*regexp.Regexp),
		logger:     logger.Named("scanner"),
		now:        time.Now,
	}
}

// Scan прогоняет вход через все слои детекции и обновляет профиль инструмента.
func (s *Scanner) Scan(ctx context.Context, toolID, input string) domain.ScanResult {
	var findings []domain.Finding

	// 1-4. Статические слои, не требуют блокировок
	findings = appendMatches(findings, staticSignatures, input)
	findings = appendMatches(findings, injectionSignatures, input)
	findings = append(findings, obfuscationFindings(input)...)
	findings = appendMatches(findings, exfiltrationSignatures, input)
	if m := urlPattern.FindString(input); m != "" {
		findings = append(findings, domain.Finding{
			Category:    domain.CategoryDataExfiltration,
			Description: "embedded URL",
			Severity:    domain.SeverityLow,
			Signature:   m,
		})
	}
	findings = appendMatches(findings, escalationSignatures, input)
	findings = append(findings, s.crossToolFindings(toolID, input)...)

	// 6. Внешняя конституция
	constitutionViolated := false
	if s.checker != nil {
		v := s.checker.Check(ctx, toolID, input)
		if !v.Allowed {
			constitutionViolated = true
		}
		for _, rule := range v.Violations {
			findings = append(findings, domain.Finding{
				Category:    domain.CategoryConstitutionViolation,
				Description: "constitution rule violated",
				Severity:    domain.SeverityCritical,
				Signature:   rule,
			})
		}
		if !v.Allowed && len(v.Violations) == 0 {
			findings = append(findings, domain.Finding{
				Category:    domain.CategoryConstitutionViolation,
				Description: "constitution check refused the request",
				Severity:    domain.SeverityCritical,
			})
		}
	}

	// 5. Поведенческие аномалии + обновление профиля под одной блокировкой
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(toolID)
	findings = append(findings, s.behavioralFindingsLocked(p, len(input))...)

	risk := domain.MaxSeverity(findings)
	blocked := constitutionViolated || risk == domain.SeverityCritical ||
		(s.opts.BlockOnHigh && risk >= domain.SeverityHigh)

	p.record(len(input), blocked, s.now())

	if blocked {
		s.logger.Warn("scan blocked input",
			zap.String("tool", toolID),
			zap.String("risk", risk.String()),
			zap.Int("findings", len(findings)))
	}

	return domain.ScanResult{
		Allowed:        !blocked,
		Risk:           risk,
		Findings:       findings,
		Recommendation: s.recommend(risk, blocked),
	}
}

func (s *Scanner) profileLocked(toolID string) *BehaviorProfile {
	p, ok := s.profiles[toolID]
	if !ok {
		p = &BehaviorProfile{}
		s.profiles[toolID] = p
	}
	return p
}

// behavioralFindingsLocked сравнивает текущий вызов с историей. Счетчик rapid-fire
// учитывает текущий вызов, среднее и доля блокировок берутся до него.
func (s *Scanner) behavioralFindingsLocked(p *BehaviorProfile, size int) []domain.Finding {
	var out []domain.Finding
	now := s.now()

	if p.WindowStart.IsZero() || now.Sub(p.WindowStart) > s.opts.RapidFireWindow {
		p.WindowStart = now
		p.RapidFireCount = 0
	}
	p.RapidFireCount++
	if p.RapidFireCount > s.opts.RapidFireThreshold {
		out = append(out, domain.Finding{
			Category:    domain.CategoryBehavioralAnomaly,
			Description: fmt.Sprintf("rapid-fire: %d invocations within %v", p.RapidFireCount, s.opts.RapidFireWindow),
			Severity:    domain.SeverityHigh,
			Signature:   "rapid_fire",
		})
	}

	if p.TotalInvocations > 0 && size > s.opts.OutlierMinLength &&
		float64(size) > s.opts.OutlierFactor*p.AvgInputSize {
		out = append(out, domain.Finding{
			Category:    domain.CategoryBehavioralAnomaly,
			Description: fmt.Sprintf("input size %d is more than %.0fx the average %.0f", size, s.opts.OutlierFactor, p.AvgInputSize),
			Severity:    domain.SeverityMedium,
			Signature:   "size_outlier",
		})
	}

	if p.TotalInvocations >= s.opts.ChronicMinInvocations && p.BlockRate() > s.opts.ChronicBlockRate {
		out = append(out, domain.Finding{
			Category:    domain.CategoryBehavioralAnomaly,
			Description: fmt.Sprintf("chronic block rate %.0f%% over %d invocations", p.BlockRate()*100, p.TotalInvocations),
			Severity:    domain.SeverityMedium,
			Signature:   "chronic_block_rate",
		})
	}
	return out
}

func (s *Scanner) recommend(risk domain.Severity, blocked bool) string {
	if blocked {
		return "block: request violates safety policy"
	}
	switch risk {
	case domain.SeveritySafe:
		return "allow"
	case domain.SeverityLow:
		return "allow: informational findings logged"
	case domain.SeverityMedium:
		return "allow with monitoring: review findings"
	default:
		return "allow with authorization review: high-risk findings present"
	}
}

func appendMatches(dst []domain.Finding, table []signature, input string) []domain.Finding {
	for _, sg := range table {
		if sg.re.MatchString(input) {
			dst = append(dst, domain.Finding{
				Category:    sg.category,
				Description: sg.description,
				Severity:    sg.severity,
				Signature:   sg.name,
			})
		}
	}
	return dst
}

// obfuscationFindings — длинные base64-отрезки и перекос в спецсимволы.
func obfuscationFindings(input string) []domain.Finding {
	var out []domain.Finding
	if m := base64Run.FindString(input); m != "" {
		sample := m
		if len(sample) > 16 {
			sample = sample[:16] + "..."
		}
		out = append(out, domain.Finding{
			Category:    domain.CategoryPromptInjection,
			Description: "long base64-like run, possible encoded payload",
			Severity:    domain.SeverityMedium,
			Signature:   sample,
		})
	}

	total, special := 0, 0
	for _, r := range input {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total > 20 && float64(special)/float64(total) > 0.4 {
		out = append(out, domain.Finding{
			Category:    domain.CategoryPromptInjection,
			Description: fmt.Sprintf("special character ratio %.0f%%, possible obfuscation", float64(special)*100/float64(total)),
			Severity:    domain.SeverityMedium,
			Signature:   "special_char_ratio",
		})
	}
	return out
}

// crossToolFindings — попытка одного инструмента вызвать другой:
// "call web_search", "invoke sandbox_exec" или синтаксис команды "notes|...".
func (s *Scanner) crossToolFindings(toolID, input string) []domain.Finding {
	if s.knownTools == nil {
		return nil
	}
	lowered := strings.ToLower(input)

	var out []domain.Finding
	for _, other := range s.knownTools() {
		if other == "" || other == toolID || !strings.Contains(lowered, other) {
			continue
		}
		if s.crossToolPattern(other).MatchString(lowered) {
			out = append(out, domain.Finding{
				Category:    domain.CategoryPrivilegeEscalation,
				Description: fmt.Sprintf("cross-tool invocation of %s requires authorization review", other),
				Severity:    domain.SeverityMedium,
				Signature:   other,
			})
		}
	}
	return out
}

// crossToolPattern компилирует шаблон для инструмента один раз.
func (s *Scanner) crossToolPattern(toolID string) *regexp.Regexp {
	s.crossMu.RLock()
	re, ok := s.crossRe[toolID]
	s.crossMu.RUnlock()
	if ok {
		return re
	}

	q := regexp.QuoteMeta(toolID)
	re = regexp.MustCompile(`\b(call|invoke|run|execute|use|trigger)\s+(the\s+)?` + q + `\b|(^|\s)` + q + `\s*\|`)
	s.crossMu.Lock()
	if cached, ok := s.crossRe[toolID]; ok {
		re = cached
	} else {
		s.crossRe[toolID] = re
	}
	s.crossMu.Unlock()
	return re
}
