// Package reception serves the connections accepted by a host. Every connection carries one request frame, answered
// by one Reply frame on the same connection before it is closed.
package reception

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/handler"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reception dispatches requests to the handler bound to their command.
type Reception struct {
	handlers map[protocol.Command]handler.Handler
	cfg      config.ReceptionConfig
	// nil when requests are not rate limited.
	limiter *rate.Limiter

	clientConnected atomic.Int64
}

// New creates a Reception serving handlers.
func New(handlers map[protocol.Command]handler.Handler, cfg config.ReceptionConfig) *Reception {
	r := &Reception{
		handlers: handlers,
		cfg:      cfg,
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return r
}

// ClientConnected returns the number of requests being served.
func (r *Reception) ClientConnected() int64 {
	return r.clientConnected.Load()
}

// Interview serves the single request of conn and closes it. ctx bounds the handler, not the connection I/O which
// has its own deadlines.
func (r *Reception) Interview(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	if r.cfg.ReadTimeout.Duration > 0 {
		conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout.Duration))
	}
	env, err := protocol.ReadEnvelope(bufio.NewReader(conn), int(r.cfg.MaxFrameSize))
	if err != nil {
		if errors.Cause(err) == io.EOF {
			log.Debug("connection closed without request", zap.String("remote", remote))
			return
		}
		log.Warn("read request failed", zap.String("remote", remote), zap.Error(err))
		requestCounter.WithLabelValues("unknown", "malformed").Inc()
		r.reply(conn, remote, protocol.NewErrorResponse(errcode.NewInvalidInputErr(err)))
		return
	}
	conn.SetReadDeadline(time.Time{})

	r.clientConnected.Inc()
	inFlightGauge.Inc()
	defer func() {
		r.clientConnected.Dec()
		inFlightGauge.Dec()
	}()

	start := time.Now()
	resp := r.dispatch(ctx, env, remote)
	r.reply(conn, remote, resp)

	result := "ok"
	if !resp.Success {
		result = string(resp.Code)
	}
	requestCounter.WithLabelValues(env.Command.String(), result).Inc()
	requestDuration.WithLabelValues(env.Command.String()).Observe(time.Since(start).Seconds())
}

func (r *Reception) dispatch(ctx context.Context, env *protocol.Envelope, remote string) (resp *protocol.Response) {
	span := opentracing.StartSpan("reception." + env.Command.String())
	span.SetTag("txn", env.TransactionID)
	span.SetTag("remote", remote)
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("handler panicked",
				zap.Stringer("command", env.Command),
				zap.String("txn", env.TransactionID),
				zap.Reflect("panic", rec),
				zap.Stack("stack"))
			ext.Error.Set(span, true)
			resp = protocol.NewErrorResponse(core.NewHandlerExceptionErr(errors.Errorf("handler panicked: %v", rec)))
		}
	}()

	if r.limiter != nil {
		if err := r.waitLimiter(ctx); err != nil {
			return protocol.NewErrorResponse(err)
		}
	}

	h, ok := r.handlers[env.Command]
	if !ok {
		log.Warn("unknown command", zap.Stringer("command", env.Command), zap.String("remote", remote))
		return protocol.NewErrorResponse(core.UnknownCommandErr{Command: int(env.Command)})
	}

	resp, err := h.Handle(ctx, env)
	if err != nil {
		ext.Error.Set(span, true)
		if core.IsInternal(err) {
			log.Error("handle request failed",
				zap.Stringer("command", env.Command),
				zap.String("txn", env.TransactionID),
				zap.Error(err))
		} else {
			log.Debug("request rejected",
				zap.Stringer("command", env.Command),
				zap.String("txn", env.TransactionID),
				zap.Error(err))
		}
		return protocol.NewErrorResponse(err)
	}
	if resp == nil {
		resp = &protocol.Response{Success: true}
	}
	return resp
}

func (r *Reception) waitLimiter(ctx context.Context) error {
	if r.cfg.ReadTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ReadTimeout.Duration)
		defer cancel()
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return core.NewServerBusyErr(errors.Annotate(err, "request rate limit"))
	}
	return nil
}

func (r *Reception) reply(conn net.Conn, remote string, resp *protocol.Response) {
	if r.cfg.WriteTimeout.Duration > 0 {
		conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout.Duration))
	}
	if err := protocol.WriteResponse(conn, resp, int(r.cfg.CompressThreshold)); err != nil {
		log.Warn("write response failed", zap.String("remote", remote), zap.Error(err))
	}
}
