// Package handler implements the request handlers of a host, one per command code. Handlers keep no state between
// calls; everything they touch lives in the registry, the transaction center and the lock table.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/service"
	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

// Handler serves one command. A returned error is turned into an error response by the caller.
type Handler interface {
	Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	return f(ctx, env)
}

// Deps are the components shared by the handlers.
type Deps struct {
	Registry           *service.Registry
	Center             *delegate.Center
	Locker             *keylocker.KeyLocker
	DefaultLockTimeout time.Duration
	// MaxLockTimeout bounds the lock wait an invoke request may ask for, 0 leaves it unbounded.
	MaxLockTimeout time.Duration
	// Health reports the host status for HealthCheck, nil answers an empty status.
	Health func() protocol.HealthStatus
}

// Table binds every command a host serves to its handler.
func Table(deps *Deps) map[protocol.Command]Handler {
	return map[protocol.Command]Handler{
		protocol.Invoke:             &InvokeHandler{deps: deps},
		protocol.GenerateInvokeCode: HandlerFunc(generateInvokeCode),
		protocol.Commit:             &FinalizeHandler{center: deps.Center, commit: true},
		protocol.Rollback:           &FinalizeHandler{center: deps.Center},
		protocol.GetAllLockedKeys:   &LockedKeysHandler{locker: deps.Locker},
		protocol.UnlockKeyAnyway:    &UnlockAnywayHandler{locker: deps.Locker},
		protocol.HealthCheck:        HandlerFunc(deps.healthCheck),
	}
}

func startSpan(ctx context.Context, operation string) (opentracing.Span, context.Context) {
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		span := opentracing.StartSpan(operation, opentracing.ChildOf(parent.Context()))
		return span, opentracing.ContextWithSpan(ctx, span)
	}
	return nil, ctx
}

func decodePayload(env *protocol.Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return errcode.NewInvalidInputErr(errors.Errorf("%s request has no payload", env.Command))
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return errcode.NewInvalidInputErr(errors.Annotatef(err, "decode %s request", env.Command))
	}
	return nil
}

func requireTxnID(env *protocol.Envelope) error {
	if env.TransactionID == "" {
		return errcode.NewInvalidInputErr(errors.Errorf("%s request has no transaction id", env.Command))
	}
	return nil
}

// generateInvokeCode belongs to the client stub generator, which hosts don't run.
func generateInvokeCode(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	return nil, core.NewUnsupportedErr(errors.New("invoke code generation is not supported by this host"))
}

func (d *Deps) healthCheck(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
	var status protocol.HealthStatus
	if d.Health != nil {
		status = d.Health()
	}
	return protocol.NewResponse(status)
}
