package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// worker drives the connection to one gateway. Only its own goroutine changes state, except DisconnectGateway which
// sets the final Disconnected after the goroutine exited.
type worker struct {
	c        *Connector
	addr     config.GatewayAddress
	name     string
	state    atomic.Int32
	changed  chan struct{}
	stateLog *zap.Logger

	connMu sync.Mutex
	conn   net.Conn
}

func newWorker(c *Connector, addr config.GatewayAddress) *worker {
	w := &worker{
		c:       c,
		addr:    addr,
		name:    addr.String(),
		changed: make(chan struct{}, 1),
	}
	w.stateLog = log.L().With(zap.String("gateway", w.name), zap.Bool("master", addr.IsMaster))
	stateGauge.WithLabelValues(w.name).Set(float64(Disconnected))
	return w
}

func (w *worker) State() State {
	return State(w.state.Load())
}

func (w *worker) setState(s State) {
	old := State(w.state.Swap(int32(s)))
	if old == s {
		return
	}
	stateGauge.WithLabelValues(w.name).Set(float64(s))
	w.stateLog.Debug("gateway state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	if w.c.observe != nil {
		w.c.observe(w.name, s)
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.c.wg.Done()

	backoff := w.c.cfg.RetryInterval.Duration
	for {
		if ctx.Err() != nil {
			w.setState(Disconnected)
			return
		}

		w.setState(Connecting)
		conn, err := w.connect(ctx)
		if err == nil {
			backoff = w.c.cfg.RetryInterval.Duration
			err = w.serve(ctx, conn)
			w.closeConn()
		}
		if ctx.Err() != nil {
			w.setState(Disconnected)
			return
		}

		w.setState(Reconnecting)
		reconnectCounter.WithLabelValues(w.name).Inc()
		w.stateLog.Warn("gateway connection lost, will reconnect", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = nextBackoff(backoff, w.c.cfg.MaxRetryInterval.Duration)
	}
}

// nextBackoff doubles cur without going over max.
func nextBackoff(cur, max time.Duration) time.Duration {
	if cur <= 0 {
		cur = time.Millisecond
	}
	next := cur * 2
	if max > 0 && next > max {
		next = max
	}
	return next
}

// connect dials the gateway and registers the host on it.
func (w *worker) connect(ctx context.Context) (*gatewayConn, error) {
	dialer := net.Dialer{Timeout: w.c.cfg.DialTimeout.Duration}
	conn, err := dialer.DialContext(ctx, "tcp", w.name)
	if err != nil {
		return nil, core.NewConnectionErr(errors.Annotatef(err, "dial gateway %s", w.name))
	}
	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	if ctx.Err() != nil {
		// DisconnectGateway may have run between the dial and storing conn.
		conn.Close()
		return nil, ctx.Err()
	}

	gc := &gatewayConn{
		w:       w,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: w.c.cfg.RequestTimeout.Duration,
	}
	req := &protocol.RegisterHostRequest{
		HostID:   w.c.host.ID,
		Address:  w.c.host.Address,
		Port:     w.c.host.Port,
		Version:  protocol.Version.String(),
		IsMaster: w.addr.IsMaster,
	}
	var reply protocol.RegisterHostReply
	if err = gc.call(protocol.RegisterHost, req, &reply); err != nil {
		w.closeConn()
		return nil, err
	}
	if err = protocol.CheckGatewayVersion(reply.GatewayVersion); err != nil {
		w.closeConn()
		return nil, core.NewConnectionErr(err)
	}
	w.setState(Registered)
	w.stateLog.Info("registered on gateway", zap.String("gateway-version", reply.GatewayVersion))
	return gc, nil
}

// serve pushes the service list and then keeps the gateway updated until the connection fails or ctx is done.
func (w *worker) serve(ctx context.Context, gc *gatewayConn) error {
	// The snapshot pushed now covers any change signalled before it.
	select {
	case <-w.changed:
	default:
	}
	if err := w.pushServices(gc); err != nil {
		return err
	}
	w.setState(Connected)

	ticker := time.NewTicker(w.c.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.changed:
			if err := w.pushServices(gc); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.heartbeat(gc); err != nil {
				return err
			}
		}
	}
}

func (w *worker) pushServices(gc *gatewayConn) error {
	req := &protocol.UpdateServicesRequest{
		HostID:   w.c.host.ID,
		Services: w.c.source.Services(),
	}
	if err := gc.call(protocol.UpdateServices, req, nil); err != nil {
		return err
	}
	w.stateLog.Debug("pushed service list", zap.Int("services", len(req.Services)))
	return nil
}

func (w *worker) heartbeat(gc *gatewayConn) error {
	req := &protocol.HeartbeatRequest{
		HostID:          w.c.host.ID,
		ClientConnected: w.c.source.ClientConnected(),
	}
	load, err := w.c.load.Collect()
	if err != nil {
		w.stateLog.Debug("collect machine load failed", zap.Error(err))
	}
	req.CPUUsage = load.CPUPercent
	req.MemoryUsage = load.MemoryPercent
	return gc.call(protocol.Heartbeat, req, nil)
}

func (w *worker) closeConn() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// gatewayConn exchanges request and Reply frames on one gateway connection.
type gatewayConn struct {
	w       *worker
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// call sends one request and decodes the reply into out, which may be nil. Every failure is a connection error.
func (gc *gatewayConn) call(cmd protocol.Command, req interface{}, out interface{}) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		requestCounter.WithLabelValues(gc.w.name, cmd.String(), result).Inc()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Trace(err)
	}
	if gc.timeout > 0 {
		gc.conn.SetDeadline(time.Now().Add(gc.timeout))
	}
	env := &protocol.Envelope{Command: cmd, Payload: payload}
	if err = protocol.WriteEnvelope(gc.conn, env, 0); err != nil {
		return core.NewConnectionErr(errors.Annotatef(err, "send %s", cmd))
	}
	resp, err := protocol.ReadResponse(gc.reader, 0)
	if err != nil {
		return core.NewConnectionErr(errors.Annotatef(err, "read %s reply", cmd))
	}
	if out == nil {
		err = resp.Err()
	} else {
		err = resp.Decode(out)
	}
	if err != nil {
		return core.NewConnectionErr(errors.Annotatef(err, "gateway refused %s", cmd))
	}
	return nil
}
