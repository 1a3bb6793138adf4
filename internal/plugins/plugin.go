package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/toolgate/internal/domain"
	"go.uber.org/zap"
)

// Env — окружение, которое получает плагин при инициализации.
type Env struct {
	Logger *zap.Logger
	// Settings — произвольные настройки из секции tools.settings.<id>
	Settings map[string]string
}

// Result — ответ тела инструмента.
type Result struct {
	Success bool          `json:"success"`
	Data    string        `json:"data,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

func OK(data string, elapsed time.Duration) Result {
	return Result{Success: true, Data: data, Elapsed: elapsed}
}

func Fail(msg string, elapsed time.Duration) Result {
	return Result{Error: msg, Elapsed: elapsed}
}

// Plugin — единый контракт вызова инструмента.
// Шлюз ничего не знает о семантике конкретного инструмента.
type Plugin interface {
	ID() string
	Name() string
	Description() string
	// Capabilities — заявленные требования. nil означает "не заявлено",
	// тогда действует таблица DefaultCapabilities.
	Capabilities() []domain.Capability
	Initialize(ctx context.Context, env Env) error
	Execute(ctx context.Context, input string) (Result, error)
	Destroy()
}

// DefaultCapabilities — требования инструментов, которые сами их не заявляют.
var DefaultCapabilities = map[string][]domain.Capability{
	"calculator":        {},
	"datetime":          {},
	"echo":              {},
	"text_analysis":     {},
	"device_info":       {domain.CapDeviceInfo},
	"file_manager":      {domain.CapFilesystemRead, domain.CapFilesystemWrite},
	"notes":             {domain.CapMemoryRead, domain.CapMemoryWrite},
	"personalization":   {domain.CapMemoryRead, domain.CapMemoryWrite},
	"web_search":        {domain.CapNetwork},
	"communication_hub": {domain.CapNetwork, domain.CapContacts, domain.CapSMS},
	"telegram_bridge":   {domain.CapNetwork},
	"on_device_llm":     {domain.CapModelExecution},
	"guidance_router":   {domain.CapModelExecution, domain.CapNetwork},
	"task_automation":   {domain.CapTaskAutomation},
	"sandbox_exec":      {domain.CapCodeExecution},
}

// RequiredCapabilities — заявленные плагином требования или дефолт из таблицы.
func RequiredCapabilities(p Plugin) []domain.Capability {
	if caps := p.Capabilities(); caps != nil {
		return caps
	}
	return DefaultCapabilities[p.ID()]
}

// Fingerprint — sha256 манифеста плагина (id, имя, описание, требования).
// Шлюз сверяет его с зафиксированным при регистрации, чтобы заметить подмену.
func Fingerprint(p Plugin) string {
	caps := make([]string, 0)
	for _, c := range RequiredCapabilities(p) {
		caps = append(caps, string(c))
	}
	sort.Strings(caps)

	h := sha256.New()
	for _, part := range []string{p.ID(), p.Name(), p.Description(), strings.Join(caps, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
