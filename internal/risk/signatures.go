package risk

import (
	"regexp"

	"github.com/xela07ax/toolgate/internal/domain"
)

// signature — предкомпилированный шаблон угрозы с заранее назначенной серьезностью.
type signature struct {
	category    domain.ThreatCategory
	severity    domain.Severity
	re          *regexp.Regexp
	name        string
	description string
}

func sig(cat domain.ThreatCategory, sev domain.Severity, pattern, name, desc string) signature {
	return signature{category: cat, severity: sev, re: regexp.MustCompile(pattern), name: name, description: desc}
}

// Слой 1: статические сигнатуры по категориям.
var staticSignatures = []signature{
	// destructive_command
	sig(domain.CategoryDestructiveCommand, domain.SeverityCritical, `(?i)\brm\s+-(rf|fr)\b`, "rm -rf", "recursive forced delete"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityCritical, `(?i)\bmkfs(\.\w+)?\b`, "mkfs", "filesystem format"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityCritical, `:\(\)\s*\{\s*:\|:&\s*\};:`, "fork bomb", "shell fork bomb"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityHigh, `(?i)\bdd\s+if=`, "dd if=", "raw disk write"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityHigh, `(?i)\bformat\s+(/|[a-z]:)`, "format", "disk format"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityMedium, `(?i)\bchmod\s+(-R\s+)?777\b`, "chmod 777", "world-writable permissions"),
	sig(domain.CategoryDestructiveCommand, domain.SeverityMedium, `(?i)\b(shutdown|reboot|halt)\b`, "shutdown", "host power control"),

	// database_destruction
	sig(domain.CategoryDatabaseDestruction, domain.SeverityCritical, `(?i)\bdrop\s+(table|database|schema)\b`, "drop table", "schema destruction"),
	sig(domain.CategoryDatabaseDestruction, domain.SeverityHigh, `(?i)\btruncate\s+table\b`, "truncate table", "table wipe"),
	sig(domain.CategoryDatabaseDestruction, domain.SeverityHigh, `(?i)\bdelete\s+from\s+\w+\s*(;|$)`, "delete without where", "unbounded delete"),

	// code_execution
	sig(domain.CategoryCodeExecution, domain.SeverityCritical, `(?i)\b(curl|wget)\b[^|\n]*\|\s*(ba|z)?sh\b`, "pipe to shell", "remote script piped to shell"),
	sig(domain.CategoryCodeExecution, domain.SeverityHigh, `(?i)\b(eval|exec)\s*\(`, "eval(", "dynamic code evaluation"),
	sig(domain.CategoryCodeExecution, domain.SeverityHigh, `(?i)\b(os\.system|subprocess\.\w+|runtime\.getruntime\(\)\.exec)`, "os.system", "process spawning primitive"),
	sig(domain.CategoryCodeExecution, domain.SeverityMedium, "`[^`]+`|\\$\\([^)]+\\)", "command substitution", "shell command substitution"),

	// credential_theft
	sig(domain.CategoryCredentialTheft, domain.SeverityCritical, `(?i)\bsteal\s+(the\s+|a\s+)?(password|credential)s?\b`, "steal password", "credential theft intent"),
	sig(domain.CategoryCredentialTheft, domain.SeverityCritical, `(?i)/etc/(shadow|passwd)\b`, "/etc/shadow", "system credential file access"),
	sig(domain.CategoryCredentialTheft, domain.SeverityHigh, `(?i)\b(dump|export|print|show)\s+(all\s+)?(credentials|passwords|api\s*keys?|secrets|tokens)\b`, "dump credentials", "bulk secret disclosure"),
	sig(domain.CategoryCredentialTheft, domain.SeverityHigh, `(?i)\bid_(rsa|ed25519)\b`, "id_rsa", "private key access"),

	// network_attack
	sig(domain.CategoryNetworkAttack, domain.SeverityCritical, `(?i)\breverse\s+shell\b|\bnc\s+-e\b`, "reverse shell", "reverse shell setup"),
	sig(domain.CategoryNetworkAttack, domain.SeverityHigh, `(?i)\b(ddos|denial\s+of\s+service|syn\s+flood)\b`, "ddos", "denial of service"),
	sig(domain.CategoryNetworkAttack, domain.SeverityMedium, `(?i)\b(nmap|port\s*scan(ning)?)\b`, "port scan", "network reconnaissance"),
}

// Слой 2: фразы переопределения инструкций.
var injectionSignatures = []signature{
	sig(domain.CategoryPromptInjection, domain.SeverityHigh, `(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above)\s+(instructions|rules|context)`, "ignore previous instructions", "instruction override"),
	sig(domain.CategoryPromptInjection, domain.SeverityHigh, `(?i)\bjailbreak\b`, "jailbreak", "jailbreak attempt"),
	sig(domain.CategoryPromptInjection, domain.SeverityHigh, `(?i)\b(developer|dan|god)\s+mode\b`, "developer mode", "mode switch attempt"),
	sig(domain.CategoryPromptInjection, domain.SeverityHigh, `(?i)\byou\s+are\s+now\s+`, "you are now", "identity override"),
	sig(domain.CategoryPromptInjection, domain.SeverityHigh, `(?i)\[system\]|<\|im_start\|>system`, "[SYSTEM]", "delimiter injection"),
	sig(domain.CategoryPromptInjection, domain.SeverityMedium, `(?i)\breveal\s+(your|the)\s+(system|hidden)\s+prompt\b`, "reveal system prompt", "system prompt extraction"),
}

// Слой 3: массовая выгрузка данных.
var exfiltrationSignatures = []signature{
	sig(domain.CategoryDataExfiltration, domain.SeverityCritical, `(?i)\bdump\s+(the\s+|all\s+)?(database|db)\b`, "dump database", "bulk database export"),
	sig(domain.CategoryDataExfiltration, domain.SeverityHigh, `(?i)\bexfiltrat(e|ion)\b`, "exfiltrate", "explicit exfiltration"),
	sig(domain.CategoryDataExfiltration, domain.SeverityHigh, `(?i)\b(export|send|upload|forward)\s+all\s+(user|customer|contact|personal)?\s*(data|files|contacts|messages|records)\b`, "export all data", "bulk data transfer"),
}

var urlPattern = regexp.MustCompile(`(?i)\b(https?|ftp)://[^\s"'<>]+`)

// Слой 4: повышение привилегий и обход контроля.
var escalationSignatures = []signature{
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityHigh, `(?i)\bsudo\s+\S`, "sudo", "elevated command"),
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityHigh, `(?i)\b(run|execute)\s+as\s+(root|admin(istrator)?)\b`, "run as root", "elevation request"),
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityHigh, `(?i)\b(escalate|elevate)\s+(my\s+|the\s+)?privileges?\b`, "escalate privileges", "elevation request"),
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityHigh, `(?i)\b(disable|turn\s+off)\s+(the\s+)?(security|safety|guardrails?|audit)\b`, "disable security", "control bypass"),
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityHigh, `(?i)\bbypass\s+(the\s+)?(approval|authorization|policy|review)\b`, "bypass approval", "control bypass"),
	sig(domain.CategoryPrivilegeEscalation, domain.SeverityMedium, `(?i)\bgrant\s+(me\s+)?(admin|root|full)\s+(access|rights|permissions)\b`, "grant admin", "permission self-grant"),
}

// base64-подобный отрезок длиной от 40 символов
var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
