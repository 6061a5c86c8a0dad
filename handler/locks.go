package handler

import (
	"context"

	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// LockedKeysHandler lists the held keys.
type LockedKeysHandler struct {
	locker *keylocker.KeyLocker
}

// Handle implements Handler.
func (h *LockedKeysHandler) Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	return protocol.NewResponse(LockedKeys(h.locker))
}

// LockedKeys converts the lock table snapshot to its wire form.
func LockedKeys(locker *keylocker.KeyLocker) []protocol.LockedKey {
	entries := locker.GetAllLockedKeys()
	keys := make([]protocol.LockedKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, protocol.LockedKey{Key: e.Key, TxnID: e.TxnID, AcquiredAt: e.AcquiredAt})
	}
	return keys
}

// UnlockAnywayHandler releases a key whoever holds it. It exists for operators recovering from a stuck transaction:
// the previous holder is not told, so misused it lets two transactions work on the same key.
type UnlockAnywayHandler struct {
	locker *keylocker.KeyLocker
}

// Handle implements Handler.
func (h *UnlockAnywayHandler) Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	var req protocol.UnlockKeyRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		return nil, errcode.NewInvalidInputErr(errors.New("key is empty"))
	}
	released := h.locker.UnlockAnyway(req.Key)
	if !released {
		log.Info("unlock anyway on a free key", zap.String("key", req.Key))
	}
	return protocol.NewResponse(&protocol.UnlockKeyResult{Released: released})
}
