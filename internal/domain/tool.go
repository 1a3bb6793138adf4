package domain

import (
	"fmt"
	"strings"
)

// Capability — категория чувствительной операции, которую инструмент обязан получить явно.
type Capability string

const (
	CapFilesystemRead  Capability = "filesystem_read"
	CapFilesystemWrite Capability = "filesystem_write"
	CapNetwork         Capability = "network"
	CapContacts        Capability = "contacts"
	CapSMS             Capability = "sms"
	CapModelExecution  Capability = "model_execution"
	CapDeviceInfo      Capability = "device_info"
	CapMemoryRead      Capability = "memory_read"
	CapMemoryWrite     Capability = "memory_write"
	CapTaskAutomation  Capability = "task_automation"
	CapCodeExecution   Capability = "code_execution"
)

var allCapabilities = []Capability{
	CapFilesystemRead, CapFilesystemWrite, CapNetwork, CapContacts, CapSMS,
	CapModelExecution, CapDeviceInfo, CapMemoryRead, CapMemoryWrite,
	CapTaskAutomation, CapCodeExecution,
}

func AllCapabilities() []Capability {
	return append([]Capability(nil), allCapabilities...)
}

// ParseCapability принимает имя в любом регистре.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allCapabilities {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// DangerTier — грубая классификация инструмента, проверяется до политик.
type DangerTier int

const (
	TierSafe DangerTier = iota
	TierApprovalRequired
	TierOwnerOnly
	TierBlocked
)

func (t DangerTier) String() string {
	switch t {
	case TierSafe:
		return "SAFE"
	case TierApprovalRequired:
		return "APPROVAL_REQUIRED"
	case TierOwnerOnly:
		return "OWNER_ONLY"
	case TierBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

func ParseDangerTier(s string) (DangerTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return TierSafe, nil
	case "APPROVAL_REQUIRED":
		return TierApprovalRequired, nil
	case "OWNER_ONLY":
		return TierOwnerOnly, nil
	case "BLOCKED":
		return TierBlocked, nil
	default:
		return TierSafe, fmt.Errorf("unknown danger tier %q", s)
	}
}
