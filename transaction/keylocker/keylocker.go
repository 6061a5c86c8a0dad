package keylocker

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/util/lockwaiter"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// KeyLocker provides mutual exclusion over logical resource keys for distributed transactions. Each key is held by at
// most one transaction at a time; the holder may lock it again (re-entrant). A transaction acquires its keys one by
// one as its invoke requests arrive, so there is no multi-key atomic acquire here. Releasing what a transaction
// acquired after a partial failure is the job of whoever called TryLock.
//
// The lock table is a single btree guarded by one mutex. Critical sections are short and never block, waiting for a
// held key happens outside of the mutex on a lockwaiter.Waiter.
type KeyLocker struct {
	// Guards locks. A thread must hold this mutex while it reads or changes the table.
	mu    sync.Mutex
	locks *btree.BTree
	// Requests blocked on a held key. A waiter is registered while mu is held so a release can't slip between the
	// check and the wait.
	waiters *lockwaiter.Manager
	now     func() time.Time
}

// LockEntry is one held key.
type LockEntry struct {
	Key        string    `json:"key"`
	TxnID      string    `json:"txnId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Less implements btree.Item.
func (e *LockEntry) Less(than btree.Item) bool {
	return e.Key < than.(*LockEntry).Key
}

const btreeDegree = 32

// NewKeyLocker creates a KeyLocker. There should only be one such object per host, shared between all connections.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{
		locks:   btree.New(btreeDegree),
		waiters: lockwaiter.NewManager(),
		now:     time.Now,
	}
}

// Grant tells how a key was obtained.
type Grant int

const (
	// Acquired means the key was free and is now held by the caller's transaction.
	Acquired Grant = iota + 1
	// Reentered means the caller's transaction held the key already.
	Reentered
)

func (g Grant) String() string {
	switch g {
	case Acquired:
		return "acquired"
	case Reentered:
		return "reentered"
	}
	return "none"
}

// TryLock locks key for txnID, waiting up to timeout while another transaction holds it. It returns false when the
// timeout elapses or ctx is done first. A zero timeout tries exactly once.
func (l *KeyLocker) TryLock(ctx context.Context, key, txnID string, timeout time.Duration) bool {
	_, err := l.Acquire(ctx, key, txnID, timeout, nil)
	return err == nil
}

// Acquire is TryLock reporting how the key was granted. admit, when not nil, is called with the table locked right
// before a grant of either kind; an error from it refuses the key and is returned unchanged. A timeout or a done ctx
// gives a LockTimeoutErr.
func (l *KeyLocker) Acquire(ctx context.Context, key, txnID string, timeout time.Duration, admit func(Grant) error) (Grant, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		l.mu.Lock()
		grant, err := l.acquire(key, txnID, admit)
		if err != nil {
			l.mu.Unlock()
			lockWaitHistogram.WithLabelValues("refused").Observe(time.Since(start).Seconds())
			return 0, err
		}
		if grant != 0 {
			l.mu.Unlock()
			lockWaitHistogram.WithLabelValues(grant.String()).Observe(time.Since(start).Seconds())
			return grant, nil
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			l.mu.Unlock()
			lockWaitHistogram.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return 0, core.LockTimeoutErr{Key: key, TxnID: txnID}
		}
		w := l.waiters.NewWaiter(txnID, key, remain)
		l.mu.Unlock()

		result := w.Wait(ctx)
		switch result.Position {
		case lockwaiter.WaitTimeout:
			l.waiters.CleanUp(w)
			lockWaitHistogram.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return 0, core.LockTimeoutErr{Key: key, TxnID: txnID}
		case lockwaiter.WaitCancelled:
			l.waiters.CleanUp(w)
			lockWaitHistogram.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			return 0, core.LockTimeoutErr{Key: key, TxnID: txnID}
		}
		// Woken by a release, race for the key again.
	}
}

// acquire must be called with mu held. It returns 0 while another transaction holds key.
func (l *KeyLocker) acquire(key, txnID string, admit func(Grant) error) (Grant, error) {
	grant := Acquired
	if item := l.locks.Get(&LockEntry{Key: key}); item != nil {
		if item.(*LockEntry).TxnID != txnID {
			return 0, nil
		}
		grant = Reentered
	}
	if admit != nil {
		if err := admit(grant); err != nil {
			return 0, err
		}
	}
	if grant == Acquired {
		l.locks.ReplaceOrInsert(&LockEntry{Key: key, TxnID: txnID, AcquiredAt: l.now()})
		lockedKeysGauge.Set(float64(l.locks.Len()))
	}
	return grant, nil
}

// Unlock releases key if txnID holds it. Otherwise nothing changes and a LockNotOwnedErr is returned, callers log it.
func (l *KeyLocker) Unlock(key, txnID string) error {
	return l.UnlockIf(key, txnID, nil)
}

// UnlockIf is Unlock asking release first. release is called with the table locked once txnID is known to hold key,
// returning false keeps the key locked.
func (l *KeyLocker) UnlockIf(key, txnID string, release func() bool) error {
	l.mu.Lock()
	item := l.locks.Get(&LockEntry{Key: key})
	if item == nil || item.(*LockEntry).TxnID != txnID {
		l.mu.Unlock()
		err := core.LockNotOwnedErr{LockErr: core.LockErr{Key: key, TxnID: txnID}}
		if item != nil {
			err.Holder = item.(*LockEntry).TxnID
		}
		return err
	}
	if release != nil && !release() {
		l.mu.Unlock()
		return nil
	}
	l.locks.Delete(item)
	lockedKeysGauge.Set(float64(l.locks.Len()))
	l.mu.Unlock()

	l.waiters.WakeUp(key)
	return nil
}

// UnlockAnyway releases key whoever holds it. It is meant for operators recovering from a stuck transaction: the
// previous holder is not told and still believes it owns the key.
func (l *KeyLocker) UnlockAnyway(key string) bool {
	l.mu.Lock()
	item := l.locks.Delete(&LockEntry{Key: key})
	lockedKeysGauge.Set(float64(l.locks.Len()))
	l.mu.Unlock()

	if item == nil {
		return false
	}
	log.Warn("key unlocked anyway",
		zap.String("key", key),
		zap.String("holder", item.(*LockEntry).TxnID))
	forcedUnlockCounter.Inc()
	l.waiters.WakeUp(key)
	return true
}

// GetAllLockedKeys returns a snapshot of the held keys ordered by key. It may be stale as soon as it returns.
func (l *KeyLocker) GetAllLockedKeys() []LockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]LockEntry, 0, l.locks.Len())
	l.locks.Ascend(func(item btree.Item) bool {
		entries = append(entries, *item.(*LockEntry))
		return true
	})
	return entries
}

// Holder returns the transaction holding key, if any.
func (l *KeyLocker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if item := l.locks.Get(&LockEntry{Key: key}); item != nil {
		return item.(*LockEntry).TxnID, true
	}
	return "", false
}
