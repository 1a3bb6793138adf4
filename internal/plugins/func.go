package plugins

import (
	"context"
	"time"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Func — плагин поверх обычной функции. Удобен для интеграций
// без собственного жизненного цикла и для тестов.
type Func struct {
	PluginID   string
	PluginName string
	Desc       string
	Caps       []domain.Capability
	Fn         func(ctx context.Context, input string) (string, error)
}

func NewFunc(id string, caps []domain.Capability, fn func(ctx context.Context, input string) (string, error)) *Func {
	return &Func{PluginID: id, PluginName: id, Caps: caps, Fn: fn}
}

func (f *Func) ID() string                            { return f.PluginID }
func (f *Func) Name() string                          { return f.PluginName }
func (f *Func) Description() string                   { return f.Desc }
func (f *Func) Capabilities() []domain.Capability     { return f.Caps }
func (f *Func) Initialize(context.Context, Env) error { return nil }
func (f *Func) Destroy()                              {}

func (f *Func) Execute(ctx context.Context, input string) (Result, error) {
	start := time.Now()
	out, err := f.Fn(ctx, input)
	if err != nil {
		return Fail(err.Error(), time.Since(start)), err
	}
	return OK(out, time.Since(start)), nil
}
