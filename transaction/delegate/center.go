package delegate

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Action is a callback run when its transaction is finalized.
type Action func() error

// DefaultFinalizedCapacity is how many finalized transaction ids are remembered for idempotent retries.
const DefaultFinalizedCapacity = 4096

type transaction struct {
	id string
	// heldKeys counts the grants of every key, a key is released early only when its last grant is given back.
	heldKeys        map[string]int
	commitActions   []Action
	rollbackActions []Action
	// finalizing is set once Commit or Rollback started, the record is immutable from then on.
	finalizing bool
	// done is closed once finalization completed.
	done      chan struct{}
	createdAt time.Time
}

// Center tracks the open distributed transactions of this host and the actions registered against them.
//
// A transaction is created implicitly by its first Register or TryLock and goes from open to finalized exactly once,
// through Commit or Rollback. Finalized ids are kept in a bounded tombstone cache, a late retry for one of them is a
// no-op and can't open the id again.
type Center struct {
	mu        sync.Mutex
	txns      map[string]*transaction
	finalized *lru.Cache[string, struct{}]
	locker    *keylocker.KeyLocker
}

// NewCenter creates a Center releasing keys through locker.
func NewCenter(locker *keylocker.KeyLocker, finalizedCapacity int) *Center {
	if finalizedCapacity <= 0 {
		finalizedCapacity = DefaultFinalizedCapacity
	}
	finalized, err := lru.New[string, struct{}](finalizedCapacity)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &Center{
		txns:      make(map[string]*transaction),
		finalized: finalized,
		locker:    locker,
	}
}

// getOrCreate must be called with mu held.
func (c *Center) getOrCreate(txnID string) (*transaction, error) {
	if txn, ok := c.txns[txnID]; ok {
		if txn.finalizing {
			return nil, core.TransactionFinalizedErr{TxnID: txnID}
		}
		return txn, nil
	}
	if c.finalized.Contains(txnID) {
		return nil, core.TransactionFinalizedErr{TxnID: txnID}
	}
	txn := &transaction{
		id:        txnID,
		heldKeys:  make(map[string]int),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	c.txns[txnID] = txn
	openTransactionGauge.Set(float64(len(c.txns)))
	return txn, nil
}

// Register appends onCommit and onRollback to the transaction, either may be nil.
func (c *Center) Register(txnID string, onCommit, onRollback Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	txn, err := c.getOrCreate(txnID)
	if err != nil {
		return err
	}
	if onCommit != nil {
		txn.commitActions = append(txn.commitActions, onCommit)
	}
	if onRollback != nil {
		txn.rollbackActions = append(txn.rollbackActions, onRollback)
	}
	return nil
}

// TryLock locks key for the transaction and records it as held, so Commit and Rollback release it.
func (c *Center) TryLock(ctx context.Context, txnID, key string, timeout time.Duration) error {
	_, err := c.Acquire(ctx, txnID, key, timeout)
	return err
}

// Acquire is TryLock reporting how the key was granted. Every successful call counts as one grant of the key, see
// Release. The key is recorded in the same critical section that grants it, so a transaction finalized meanwhile
// never gets it.
func (c *Center) Acquire(ctx context.Context, txnID, key string, timeout time.Duration) (keylocker.Grant, error) {
	c.mu.Lock()
	_, err := c.getOrCreate(txnID)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	return c.locker.Acquire(ctx, key, txnID, timeout, func(keylocker.Grant) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		txn, err := c.getOrCreate(txnID)
		if err != nil {
			return err
		}
		txn.heldKeys[key]++
		return nil
	})
}

// Release gives back one grant of key obtained through Acquire. The key is unlocked when the transaction holds no
// other grant of it; a transaction being finalized keeps its keys until finalization releases them.
func (c *Center) Release(txnID, key string) error {
	return c.locker.UnlockIf(key, txnID, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		txn, ok := c.txns[txnID]
		if !ok || txn.finalizing {
			return false
		}
		if txn.heldKeys[key] > 1 {
			txn.heldKeys[key]--
			return false
		}
		delete(txn.heldKeys, key)
		return true
	})
}

// Commit runs the commit actions of the transaction in registration order, releases its keys and marks it finalized.
// A failing action is logged and does not stop the remaining ones, the failures are returned combined. found is false
// for a transaction this host never saw, which is not an error: a retried request may arrive after its record is gone.
// Commit of a finalized transaction does nothing. A call arriving while the transaction is being finalized returns
// once that finalization completed.
func (c *Center) Commit(txnID string) (found bool, err error) {
	return c.finalize(txnID, true)
}

// Rollback is Commit's counterpart: rollback actions run in reverse registration order.
func (c *Center) Rollback(txnID string) (found bool, err error) {
	return c.finalize(txnID, false)
}

func (c *Center) finalize(txnID string, commit bool) (bool, error) {
	kind := "rollback"
	if commit {
		kind = "commit"
	}

	c.mu.Lock()
	txn, ok := c.txns[txnID]
	if !ok {
		finalized := c.finalized.Contains(txnID)
		c.mu.Unlock()
		if !finalized {
			log.Debug("finalize unknown transaction", zap.String("txn", txnID), zap.String("kind", kind))
		}
		return finalized, nil
	}
	if txn.finalizing {
		// Another request is finalizing it right now.
		c.mu.Unlock()
		<-txn.done
		return true, nil
	}
	txn.finalizing = true
	c.mu.Unlock()

	// Not cancellable from here on: stopping half way would leave keys locked by a finished transaction.
	start := time.Now()
	var actionErr error
	if commit {
		for i, action := range txn.commitActions {
			actionErr = multierr.Append(actionErr, runAction(txnID, kind, i, action))
		}
	} else {
		for i := len(txn.rollbackActions) - 1; i >= 0; i-- {
			actionErr = multierr.Append(actionErr, runAction(txnID, kind, i, txn.rollbackActions[i]))
		}
	}

	for key := range txn.heldKeys {
		if err := c.locker.Unlock(key, txnID); err != nil {
			// Most likely released by UnlockAnyway.
			log.Warn("release key on finalize failed",
				zap.String("txn", txnID),
				zap.String("key", key),
				zap.Error(err))
		}
	}

	c.mu.Lock()
	delete(c.txns, txnID)
	c.finalized.Add(txnID, struct{}{})
	openTransactionGauge.Set(float64(len(c.txns)))
	c.mu.Unlock()
	close(txn.done)

	result := "ok"
	if actionErr != nil {
		result = "action_error"
	}
	finalizeHistogram.WithLabelValues(kind, result).Observe(time.Since(start).Seconds())
	log.Info("transaction finalized",
		zap.String("txn", txnID),
		zap.String("kind", kind),
		zap.Int("keys", len(txn.heldKeys)),
		zap.Int("action-errors", len(multierr.Errors(actionErr))))
	return true, actionErr
}

func runAction(txnID, kind string, idx int, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s action %d panicked: %v", kind, idx, r)
		}
		if err != nil {
			log.Error("transaction action failed",
				zap.String("txn", txnID),
				zap.String("kind", kind),
				zap.Int("index", idx),
				zap.Error(err))
		}
	}()
	if err = action(); err != nil {
		err = errors.Annotatef(err, "%s action %d", kind, idx)
	}
	return err
}

// GetOpenTransactionIDs returns the ids of the transactions not finalized yet, sorted.
func (c *Center) GetOpenTransactionIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.txns))
	for id := range c.txns {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// TransactionInfo describes an open transaction.
type TransactionInfo struct {
	ID              string    `json:"id"`
	HeldKeys        []string  `json:"heldKeys"`
	CommitActions   int       `json:"commitActions"`
	RollbackActions int       `json:"rollbackActions"`
	Finalizing      bool      `json:"finalizing"`
	CreatedAt       time.Time `json:"createdAt"`
}

// GetTransaction returns a description of an open transaction.
func (c *Center) GetTransaction(txnID string) (*TransactionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.txns[txnID]
	if !ok {
		return nil, false
	}
	keys := make([]string, 0, len(txn.heldKeys))
	for key := range txn.heldKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return &TransactionInfo{
		ID:              txn.id,
		HeldKeys:        keys,
		CommitActions:   len(txn.commitActions),
		RollbackActions: len(txn.rollbackActions),
		Finalizing:      txn.finalizing,
		CreatedAt:       txn.createdAt,
	}, true
}

// IsFinalized reports whether txnID was committed or rolled back recently.
func (c *Center) IsFinalized(txnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized.Contains(txnID)
}

// RollbackAll rolls back every open transaction. It is used on shutdown so no key stays held by a transaction whose
// coordinator will never come back to this host.
func (c *Center) RollbackAll() error {
	var err error
	for _, id := range c.GetOpenTransactionIDs() {
		if _, rbErr := c.Rollback(id); rbErr != nil {
			err = multierr.Append(err, errors.Annotatef(rbErr, "transaction %s", id))
		}
	}
	return err
}
