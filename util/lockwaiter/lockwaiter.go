package lockwaiter

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager keeps the requests blocked on a held key, grouped by that key.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[string]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[string]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// removeWaiter removes the correspond waiter from pending array,
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout time.Duration
	ch      chan WaitResult
	TxnID   string
	Key     string
}

type Position int

type WaitResult struct {
	// Position is the index of the waiter in the batch woken by one release.
	Position Position
}

const (
	WaitTimeout   Position = -1
	WaitCancelled Position = -2
)

// Wait blocks until the waiter is woken by a release of its key, the timeout
// elapses or ctx is done.
func (w *Waiter) Wait(ctx context.Context) WaitResult {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return WaitResult{Position: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Position: WaitCancelled}
	case result := <-w.ch:
		return result
	}
}

// NewWaiter enqueues a waiter for key. The caller must call Wait and, when the
// wait did not end with a wake up, CleanUp.
func (lw *Manager) NewWaiter(txnID, key string, timeout time.Duration) *Waiter {
	waiter := &Waiter{
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
		TxnID:   txnID,
		Key:     key,
	}
	lw.mu.Lock()
	if q, ok := lw.waitingQueues[key]; ok {
		q.waiters = append(q.waiters, waiter)
	} else {
		q = &queue{waiters: make([]*Waiter, 0, 8)}
		q.waiters = append(q.waiters, waiter)
		lw.waitingQueues[key] = q
	}
	lw.mu.Unlock()
	return waiter
}

// WakeUp wakes up every waiter blocked on key. Woken waiters race to acquire
// the key again.
func (lw *Manager) WakeUp(key string) int {
	lw.mu.Lock()
	q := lw.waitingQueues[key]
	delete(lw.waitingQueues, key)
	lw.mu.Unlock()

	if q == nil {
		return 0
	}
	for i, w := range q.waiters {
		w.ch <- WaitResult{Position: Position(i)}
	}
	log.Debug("wake up lock waiters", zap.String("key", key), zap.Int("count", len(q.waiters)))
	return len(q.waiters)
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.Key]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.Key)
		}
	}
	lw.mu.Unlock()
}

// Len returns the number of requests currently waiting on key.
func (lw *Manager) Len(key string) int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if q := lw.waitingQueues[key]; q != nil {
		return len(q.waiters)
	}
	return 0
}
