// Package workerpool — пул из фиксированного числа горутин с неограниченной очередью.
// Одновременно выполняется не больше Size задач, остальные ждут в backlog.
package workerpool

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("workerpool: closed")

type Pool struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	active int
	peak   int

	wg sync.WaitGroup
}

// New запускает size воркеров (минимум один).
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{size: size}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Submit ставит задачу в очередь. Никогда не блокируется.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		// Закрыт и очередь вычитана — выходим
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++
		if p.active > p.peak {
			p.peak = p.active
		}
		p.mu.Unlock()

		p.run(task)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

// run изолирует панику задачи, чтобы не потерять воркера.
func (p *Pool) run(task func()) {
	defer func() { _ = recover() }()
	task()
}

// Close перестает принимать задачи. Уже поставленные будут выполнены.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Wait ждет, пока все воркеры выйдут после Close, или отмены ctx.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Peak — максимум одновременно выполнявшихся задач за все время.
func (p *Pool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
