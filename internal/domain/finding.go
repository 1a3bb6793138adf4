package domain

import "strings"

// Severity — уровень риска находки. Порядок важен: сравниваем как числа.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "SAFE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = SeveritySafe
	}
	return nil
}

// ThreatCategory — категория угрозы, которой принадлежит находка.
type ThreatCategory string

const (
	CategoryDestructiveCommand    ThreatCategory = "destructive_command"
	CategoryDatabaseDestruction   ThreatCategory = "database_destruction"
	CategoryCodeExecution         ThreatCategory = "code_execution"
	CategoryCredentialTheft       ThreatCategory = "credential_theft"
	CategoryNetworkAttack         ThreatCategory = "network_attack"
	CategoryPromptInjection       ThreatCategory = "prompt_injection"
	CategoryDataExfiltration      ThreatCategory = "data_exfiltration"
	CategoryPrivilegeEscalation   ThreatCategory = "privilege_escalation"
	CategoryBehavioralAnomaly     ThreatCategory = "behavioral_anomaly"
	CategoryConstitutionViolation ThreatCategory = "constitution_violation"
)

// Finding — одна улика, найденная сканером.
type Finding struct {
	Category    ThreatCategory `json:"category"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Signature   string         `json:"signature,omitempty"`
}

// MaxSeverity — общий риск набора находок. Пустой набор = SAFE.
func MaxSeverity(findings []Finding) Severity {
	max := SeveritySafe
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// ScanResult — результат проверки входа сканером.
type ScanResult struct {
	Allowed        bool      `json:"allowed"`
	Risk           Severity  `json:"risk"`
	Findings       []Finding `json:"findings"`
	Recommendation string    `json:"recommendation"`
}
