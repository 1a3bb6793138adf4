package lanes

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type ownerKey struct{}

// WithOwner кладет в контекст идентификатор владельца блокировки линии.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext — владелец блокировки, под которым выполняется задача линии.
// Задача может передать его в AcquireLaneWriteLock и войти повторно.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// writeLock — честный (FIFO) мьютекс, повторно входимый только исходным владельцем.
// Очередность ожидающих обеспечивает semaphore.Weighted.
type writeLock struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	owner string
	holds int
	gen   uint64      // растет при каждом новом захвате
	lease *time.Timer // автоосвобождение внешнего захвата
}

func newWriteLock() *writeLock {
	return &writeLock{sem: semaphore.NewWeighted(1)}
}

// acquire возвращает fresh=false при повторном входе владельца.
func (l *writeLock) acquire(ctx context.Context, owner string) (fresh bool, err error) {
	l.mu.Lock()
	if l.holds > 0 && l.owner == owner {
		l.holds++
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.owner = owner
	l.holds = 1
	l.gen++
	l.mu.Unlock()
	return true, nil
}

// leaseFor снимает текущий захват owner через d, если он не отпущен раньше.
// onExpire вызывается после принудительного освобождения.
func (l *writeLock) leaseFor(owner string, d time.Duration, onExpire func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holds == 0 || l.owner != owner || l.lease != nil {
		return
	}
	gen := l.gen
	l.lease = time.AfterFunc(d, func() {
		if l.expire(gen) && onExpire != nil {
			onExpire()
		}
	})
}

func (l *writeLock) expire(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holds == 0 || l.gen != gen {
		return false
	}
	l.owner = ""
	l.holds = 0
	l.lease = nil
	l.sem.Release(1)
	return true
}

func (l *writeLock) release(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holds == 0 || l.owner != owner {
		return ErrLockNotHeld
	}
	l.holds--
	if l.holds == 0 {
		if l.lease != nil {
			l.lease.Stop()
			l.lease = nil
		}
		l.owner = ""
		l.sem.Release(1)
	}
	return nil
}

func (l *writeLock) heldBy() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner, l.holds
}
