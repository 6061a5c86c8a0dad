package handler

import (
	"context"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// FinalizeHandler commits or rolls back the frame's transaction.
type FinalizeHandler struct {
	center *delegate.Center
	commit bool
}

// Handle answers success unless an action failed. A transaction this host never saw is reported with the
// transaction-not-found code but still succeeds: a retried request may arrive after the record is gone.
func (h *FinalizeHandler) Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	if err := requireTxnID(env); err != nil {
		return nil, err
	}

	var (
		found bool
		err   error
	)
	if h.commit {
		found, err = h.center.Commit(env.TransactionID)
	} else {
		found, err = h.center.Rollback(env.TransactionID)
	}
	if err != nil {
		// The transaction is finalized anyway, the caller learns which actions failed.
		return nil, core.NewHandlerExceptionErr(err)
	}

	resp, err := protocol.NewResponse(&protocol.FinalizeResult{TxnID: env.TransactionID, Found: found})
	if err != nil {
		return nil, err
	}
	if !found {
		log.Info("finalize unknown transaction, treated as finalized",
			zap.String("txn", env.TransactionID),
			zap.Bool("commit", h.commit))
		resp.Code = core.TransactionNotFoundCode.CodeStr()
		resp.Message = core.TransactionNotFoundErr{TxnID: env.TransactionID}.Error()
	}
	return resp, nil
}
