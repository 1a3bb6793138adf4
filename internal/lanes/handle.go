package lanes

import (
	"context"
	"sync"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Handle — результат постановки задачи. Результат фиксируется ровно один раз.
type Handle struct {
	id     uint64
	lane   string
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result domain.InvocationResult
}

func newHandle(parent context.Context, id uint64, lane string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{id: id, lane: lane, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (h *Handle) ID() uint64 { return h.id }

// Lane — имя линии; пустая строка для параллельного пула.
func (h *Handle) Lane() string { return h.lane }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel отменяет задачу кооперативно: контекст задачи закрывается,
// еще не начатая задача завершится со статусом CANCELLED.
func (h *Handle) Cancel() { h.cancel() }

// Result возвращает результат, если задача завершена.
func (h *Handle) Result() (domain.InvocationResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return domain.InvocationResult{}, false
	}
}

// Wait блокируется до завершения задачи или отмены ctx.
func (h *Handle) Wait(ctx context.Context) (domain.InvocationResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return domain.InvocationResult{}, ctx.Err()
	}
}

func (h *Handle) finish(res domain.InvocationResult) bool {
	first := false
	h.once.Do(func() {
		h.result = res
		close(h.done)
		h.cancel()
		first = true
	})
	return first
}
