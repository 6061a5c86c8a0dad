package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opentracing/opentracing-go/ext"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/service"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// InvokeHandler calls a service method.
type InvokeHandler struct {
	deps *Deps
}

// Handle resolves the method, acquires the requested keys for the transaction and runs the method on a controller
// built for this request.
func (h *InvokeHandler) Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	var req protocol.InvokeRequest
	if err := decodePayload(env, &req); err != nil {
		return nil, err
	}

	factory, err := h.deps.Registry.Lookup(req.Service, req.Method)
	if err != nil {
		return nil, err
	}

	span, ctx := startSpan(ctx, "handler.invoke")
	if span != nil {
		span.SetTag("service", req.Service)
		span.SetTag("method", req.Method)
		defer span.Finish()
	}

	lockTimeout := req.LockTimeout(h.deps.DefaultLockTimeout, h.deps.MaxLockTimeout)
	if len(req.LockKeys) > 0 {
		if err = requireTxnID(env); err != nil {
			return nil, err
		}
		if err = h.lockKeys(ctx, env.TransactionID, req.LockKeys, lockTimeout); err != nil {
			return nil, err
		}
	}

	ctrl := factory()
	method, ok := service.FindMethod(ctrl, req.Method)
	if !ok || method.Invoke == nil {
		// The controller built now doesn't match what was advertised at registration.
		return nil, core.MethodNotFoundErr{ServiceErr: core.ServiceErr{Service: req.Service}, Method: req.Method}
	}

	result, err := h.call(service.NewContext(ctx, env.TransactionID, h.deps.Center, lockTimeout), method, req.Parameters)
	if err != nil {
		if span != nil {
			ext.Error.Set(span, true)
		}
		log.Debug("service method failed",
			zap.String("service", req.Service),
			zap.String("method", req.Method),
			zap.String("txn", env.TransactionID),
			zap.Error(err))
		return nil, err
	}
	return protocol.NewResponse(result)
}

// lockKeys acquires keys in order. When one of them times out, the grants this request obtained are given back; a
// key the transaction held through another request stays locked.
func (h *InvokeHandler) lockKeys(ctx context.Context, txnID string, keys []string, timeout time.Duration) error {
	var granted []string
	for _, key := range keys {
		if _, err := h.deps.Center.Acquire(ctx, txnID, key, timeout); err != nil {
			for _, k := range granted {
				if releaseErr := h.deps.Center.Release(txnID, k); releaseErr != nil {
					log.Warn("release key after partial lock failed",
						zap.String("txn", txnID),
						zap.String("key", k),
						zap.Error(releaseErr))
				}
			}
			return err
		}
		granted = append(granted, key)
	}
	return nil
}

// call runs the method. A panic is returned as a handler exception, an error without a code is too.
func (h *InvokeHandler) call(ctx *service.Context, method service.Method, params []json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.NewHandlerExceptionErr(errors.Errorf("method %s panicked: %v", method.Name, r))
			log.Error("service method panicked",
				zap.String("method", method.Name),
				zap.String("txn", ctx.TxnID),
				zap.Stack("stack"))
		}
	}()
	result, err = method.Invoke(ctx, service.Args(params))
	if err != nil && errcode.CodeChain(err) == nil {
		err = core.NewHandlerExceptionErr(errors.Annotatef(err, "method %s", method.Name))
	}
	return result, err
}
