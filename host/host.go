// Package host is the composition root of a service host. It wires the lock table, the transaction center, the
// handlers, the request socket and the gateway connector together and owns their lifetime.
package host

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/gateway"
	"github.com/pingcap-incubator/tinymesh/handler"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/reception"
	"github.com/pingcap-incubator/tinymesh/service"
	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	"github.com/pingcap-incubator/tinymesh/util/hwinfo"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandlerBuilder builds the HTTP status API of a host.
type HandlerBuilder func(*Host) http.Handler

const acceptRetryInterval = 50 * time.Millisecond

// Host is a service host. Build it, register services, then Run it.
type Host struct {
	cfg       *config.Config
	id        string
	startedAt time.Time

	registry  *service.Registry
	locker    *keylocker.KeyLocker
	center    *delegate.Center
	reception *reception.Reception
	load      hwinfo.Collector
	status    HandlerBuilder

	mu        sync.RWMutex
	port      int
	gateways  []config.GatewayAddress
	connector *gateway.Connector
	listener  net.Listener
	running   bool
	onBuilt   []func(*Host)

	// Requests being served, waited for on shutdown.
	inflight sync.WaitGroup
}

// NewHost creates a host from cfg. status may be nil, the status API is then not served even with a status address
// configured.
func NewHost(cfg *config.Config, status HandlerBuilder) *Host {
	locker := keylocker.NewKeyLocker()
	h := &Host{
		cfg:      cfg,
		id:       strings.ReplaceAll(uuid.New().String(), "-", ""),
		registry: service.NewRegistry(),
		locker:   locker,
		center:   delegate.NewCenter(locker, cfg.Transaction.FinalizedCapacity),
		load:     hwinfo.New(),
		status:   status,
	}
	handlers := handler.Table(&handler.Deps{
		Registry:           h.registry,
		Center:             h.center,
		Locker:             h.locker,
		DefaultLockTimeout: cfg.Transaction.DefaultLockTimeout.Duration,
		MaxLockTimeout:     cfg.Transaction.MaxLockTimeout.Duration,
		Health:             h.Health,
	})
	h.reception = reception.New(handlers, cfg.Reception)
	h.registry.OnChange(h.servicesChanged)
	return h
}

// Build sets the port requests are accepted on and the gateways the host registers with. The first gateway becomes
// the master when none is flagged, more than one master is an error. Building again replaces the previous settings.
func (h *Host) Build(port int, gateways []config.GatewayAddress) (*Host, error) {
	if len(gateways) == 0 {
		return nil, core.ConfigurationErr{Reason: "at least one gateway address is required"}
	}
	if port <= 0 || port > 65535 {
		return nil, core.ConfigurationErr{Reason: "port " + strconv.Itoa(port) + " out of range"}
	}
	addrs := append([]config.GatewayAddress(nil), gateways...)
	masters := 0
	for _, addr := range addrs {
		if addr.Host == "" || addr.Port <= 0 || addr.Port > 65535 {
			return nil, core.ConfigurationErr{Reason: "invalid gateway address " + addr.String()}
		}
		if addr.IsMaster {
			masters++
		}
	}
	switch {
	case masters == 0:
		addrs[0].IsMaster = true
	case masters > 1:
		return nil, core.ConfigurationErr{Reason: "more than one master gateway"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil, core.ConfigurationErr{Reason: "host is running"}
	}
	h.port = port
	h.gateways = addrs
	h.connector = h.newConnector()
	return h, nil
}

// newConnector must be called with mu held.
func (h *Host) newConnector() *gateway.Connector {
	return gateway.NewConnector(h.cfg.Gateway, gateway.HostInfo{
		ID:      h.id,
		Address: h.cfg.AdvertiseHost,
		Port:    h.port,
	}, h.gateways, h, h.load)
}

// Register adds a service. A service registered under the same name before is replaced.
func (h *Host) Register(name string, factory service.Factory) *Host {
	h.registry.Register(name, factory)
	return h
}

// SetServiceEnable switches a registered service on or off and pushes the change to the gateways.
func (h *Host) SetServiceEnable(name string, enabled bool) error {
	return h.registry.SetServiceEnable(name, enabled)
}

// OnBuilt adds a callback run once the host accepts requests. Every callback runs on its own goroutine, a panic in
// it is logged and the host keeps running. Callbacks added while the host runs are called at once, the others wait
// for the next Run.
func (h *Host) OnBuilt(cb func(*Host)) {
	h.mu.Lock()
	running := h.running
	if !running {
		h.onBuilt = append(h.onBuilt, cb)
	}
	h.mu.Unlock()
	if running {
		go h.runCallback(cb)
	}
}

func (h *Host) runCallback(cb func(*Host)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("post-build callback panicked", zap.Reflect("panic", r), zap.Stack("stack"))
		}
	}()
	cb(h)
}

func (h *Host) servicesChanged() {
	h.mu.RLock()
	connector := h.connector
	h.mu.RUnlock()
	if connector != nil {
		connector.OnServiceNameListChanged()
	}
}

// Run accepts requests and keeps the gateways updated until ctx is done. On the way out it stops accepting,
// disconnects the gateways, waits for the requests being served up to the shutdown timeout and rolls back the
// transactions left open.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.connector == nil {
		h.mu.Unlock()
		return core.ConfigurationErr{Reason: "host is not built"}
	}
	if h.running {
		h.mu.Unlock()
		return errors.New("host is already running")
	}
	l, err := net.Listen("tcp", net.JoinHostPort(h.cfg.ListenHost, strconv.Itoa(h.port)))
	if err != nil {
		h.mu.Unlock()
		return errors.Annotatef(err, "listen on port %d", h.port)
	}
	h.listener = l
	h.running = true
	h.startedAt = time.Now()
	connector := h.connector
	callbacks := h.onBuilt
	h.onBuilt = nil
	h.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", h.id),
		zap.String("name", h.cfg.Name),
		zap.String("addr", l.Addr().String()),
		zap.Int("services", h.registry.Len()),
	}
	for _, gw := range h.AllGatewayAddresses() {
		fields = append(fields, zap.Stringer("gateway", gw), zap.Bool("master", gw.IsMaster))
	}
	log.Info("service host started", fields...)

	for _, cb := range callbacks {
		go h.runCallback(cb)
	}

	// Requests outlive ctx until the shutdown timeout.
	reqCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return connector.Run(gctx)
	})
	g.Go(func() error {
		return h.serve(gctx, reqCtx, l)
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Close()
		connector.DisconnectGateway()
		return nil
	})
	if h.status != nil && h.cfg.StatusAddr != "" {
		g.Go(func() error {
			return h.serveStatus(gctx)
		})
	}
	err = g.Wait()

	h.drain(cancelRequests)

	// The connector is disconnected for good, a later Run gets a fresh one.
	h.mu.Lock()
	h.running = false
	h.listener = nil
	h.connector = h.newConnector()
	h.mu.Unlock()
	log.Info("service host stopped", zap.String("id", h.id))
	return err
}

// serve is the accept loop. It hands every connection to its own goroutine before anything is read from it.
func (h *Host) serve(ctx, reqCtx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Warn("accept failed, retrying", zap.Error(err))
				time.Sleep(acceptRetryInterval)
				continue
			}
			return errors.Annotate(err, "accept")
		}
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			h.reception.Interview(reqCtx, conn)
		}()
	}
}

func (h *Host) serveStatus(ctx context.Context) error {
	srv := &http.Server{Addr: h.cfg.StatusAddr, Handler: h.status(h)}
	errCh := make(chan error, 1)
	go func() {
		log.Info("status API listening", zap.String("addr", h.cfg.StatusAddr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Annotate(err, "status API")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("status API shutdown failed", zap.Error(err))
		}
		return nil
	}
}

func (h *Host) drain(cancelRequests context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.cfg.ShutdownTimeout.Duration):
		log.Warn("requests still running after shutdown timeout, cancelling them",
			zap.Int64("requests", h.reception.ClientConnected()),
			zap.Duration("timeout", h.cfg.ShutdownTimeout.Duration))
		cancelRequests()
	}

	open := h.center.GetOpenTransactionIDs()
	if len(open) == 0 {
		return
	}
	log.Warn("rolling back open transactions", zap.Strings("txns", open))
	if err := h.center.RollbackAll(); err != nil {
		log.Error("roll back open transactions failed", zap.Error(err))
	}
}

// DisconnectGateway closes the gateway connections for good. The host keeps serving requests.
func (h *Host) DisconnectGateway() {
	h.mu.RLock()
	connector := h.connector
	h.mu.RUnlock()
	if connector != nil {
		connector.DisconnectGateway()
	}
}

// ID returns the host id advertised to the gateways.
func (h *Host) ID() string {
	return h.id
}

// Name returns the configured host name.
func (h *Host) Name() string {
	return h.cfg.Name
}

// Addr returns the address requests are accepted on, nil while the host isn't running.
func (h *Host) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// StartedAt returns when Run started accepting requests.
func (h *Host) StartedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.startedAt
}

// MasterGatewayAddress returns the master gateway, false before Build.
func (h *Host) MasterGatewayAddress() (config.GatewayAddress, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, gw := range h.gateways {
		if gw.IsMaster {
			return gw, true
		}
	}
	return config.GatewayAddress{}, false
}

// AllGatewayAddresses returns every gateway, the master included.
func (h *Host) AllGatewayAddresses() []config.GatewayAddress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]config.GatewayAddress(nil), h.gateways...)
}

// GatewayStates returns the connection state of every gateway keyed by address.
func (h *Host) GatewayStates() map[string]gateway.State {
	h.mu.RLock()
	connector := h.connector
	h.mu.RUnlock()
	if connector == nil {
		return nil
	}
	return connector.States()
}

// Services implements gateway.Source.
func (h *Host) Services() []protocol.ServiceInfo {
	return h.registry.Snapshot()
}

// ClientConnected returns the number of requests being served.
func (h *Host) ClientConnected() int64 {
	return h.reception.ClientConnected()
}

// Registry returns the service registry.
func (h *Host) Registry() *service.Registry {
	return h.registry
}

// Center returns the transaction center.
func (h *Host) Center() *delegate.Center {
	return h.center
}

// Locker returns the lock table.
func (h *Host) Locker() *keylocker.KeyLocker {
	return h.locker
}

// Health reports the host status.
func (h *Host) Health() protocol.HealthStatus {
	status := protocol.HealthStatus{
		HostID:          h.id,
		ClientConnected: h.reception.ClientConnected(),
		OpenTxns:        len(h.center.GetOpenTransactionIDs()),
		LockedKeys:      len(h.locker.GetAllLockedKeys()),
	}
	h.mu.RLock()
	connector := h.connector
	h.mu.RUnlock()
	if connector != nil {
		status.ConnectedGateways = connector.Connected()
	}
	return status
}
