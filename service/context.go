package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

// Args are the JSON encoded parameters of an invocation.
type Args []json.RawMessage

// Bind decodes the i-th parameter into v.
func (a Args) Bind(i int, v interface{}) error {
	if i < 0 || i >= len(a) {
		return errcode.NewInvalidInputErr(errors.Errorf("missing parameter %d, got %d", i, len(a)))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return errcode.NewInvalidInputErr(errors.Annotatef(err, "parameter %d", i))
	}
	return nil
}

// Context is handed to a method. It carries the transaction the request belongs to, if any.
type Context struct {
	context.Context

	TxnID string

	center      *delegate.Center
	lockTimeout time.Duration
}

// NewContext creates the context of one invocation.
func NewContext(ctx context.Context, txnID string, center *delegate.Center, lockTimeout time.Duration) *Context {
	return &Context{
		Context:     ctx,
		TxnID:       txnID,
		center:      center,
		lockTimeout: lockTimeout,
	}
}

// ErrNoTransaction is returned by the transactional helpers of a request without a transaction id.
var ErrNoTransaction = errcode.NewInvalidInputErr(errors.New("request has no transaction id"))

// InTransaction reports whether the request carries a transaction id.
func (c *Context) InTransaction() bool {
	return c.TxnID != ""
}

// TryLock locks key for the request's transaction with the default timeout.
func (c *Context) TryLock(key string) error {
	return c.TryLockTimeout(key, c.lockTimeout)
}

// TryLockTimeout locks key for the request's transaction, waiting up to timeout.
func (c *Context) TryLockTimeout(key string, timeout time.Duration) error {
	if !c.InTransaction() {
		return ErrNoTransaction
	}
	return c.center.TryLock(c, c.TxnID, key, timeout)
}

// OnCommit runs fn when the transaction commits.
func (c *Context) OnCommit(fn delegate.Action) error {
	return c.Register(fn, nil)
}

// OnRollback runs fn when the transaction rolls back.
func (c *Context) OnRollback(fn delegate.Action) error {
	return c.Register(nil, fn)
}

// Register adds both finalization actions at once, either may be nil.
func (c *Context) Register(onCommit, onRollback delegate.Action) error {
	if !c.InTransaction() {
		return ErrNoTransaction
	}
	return c.center.Register(c.TxnID, onCommit, onRollback)
}
