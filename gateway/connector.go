// Package gateway keeps a host registered with its gateways. Every gateway address gets its own worker which dials,
// registers the host, pushes the service list and then sends heartbeats until the connection breaks, after which it
// reconnects with a capped exponential backoff.
package gateway

import (
	"context"
	"sync"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/util/hwinfo"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// State is the connection state of one gateway.
type State int32

// Connection states. A worker moves Disconnected -> Connecting -> Registered -> Connected, and to Reconnecting on
// any failure.
const (
	Disconnected State = iota
	Connecting
	Registered
	Connected
	Reconnecting
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Registered:   "registered",
	Connected:    "connected",
	Reconnecting: "reconnecting",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Source is what the host advertises to its gateways.
type Source interface {
	// Services returns the full service list.
	Services() []protocol.ServiceInfo
	// ClientConnected returns the number of requests being served.
	ClientConnected() int64
}

// HostInfo identifies the host to the gateways.
type HostInfo struct {
	ID      string
	Address string
	Port    int
}

// Connector owns one worker per gateway address.
type Connector struct {
	cfg     config.GatewayConfig
	host    HostInfo
	source  Source
	load    hwinfo.Collector
	workers []*worker
	// observe is called on every state change, set before Run.
	observe func(gateway string, s State)

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnector creates a Connector for addrs. Nothing is dialed before Run.
func NewConnector(cfg config.GatewayConfig, host HostInfo, addrs []config.GatewayAddress, source Source, load hwinfo.Collector) *Connector {
	if load == nil {
		load = hwinfo.New()
	}
	c := &Connector{
		cfg:    cfg,
		host:   host,
		source: source,
		load:   load,
	}
	for _, addr := range addrs {
		c.workers = append(c.workers, newWorker(c, addr))
	}
	return c
}

// Run connects to every gateway and blocks until ctx is done or DisconnectGateway is called.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(len(c.workers))
	for _, w := range c.workers {
		go w.run(ctx)
	}
	c.mu.Unlock()

	log.Info("gateway connector started", zap.Int("gateways", len(c.workers)))
	<-ctx.Done()
	c.wg.Wait()
	return nil
}

// OnServiceNameListChanged tells every worker the service list changed. Connected workers push it at once, the others
// push it when they connect again. Signals arriving before a push coalesce into one.
func (c *Connector) OnServiceNameListChanged() {
	for _, w := range c.workers {
		select {
		case w.changed <- struct{}{}:
		default:
		}
	}
}

// DisconnectGateway closes every gateway connection and stops reconnecting. It is final: the connector can't be
// started again.
func (c *Connector) DisconnectGateway() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, w := range c.workers {
		w.closeConn()
	}
	c.wg.Wait()
	for _, w := range c.workers {
		w.setState(Disconnected)
	}
	log.Info("disconnected from gateways")
}

// States returns the state of every gateway keyed by its address.
func (c *Connector) States() map[string]State {
	states := make(map[string]State, len(c.workers))
	for _, w := range c.workers {
		states[w.name] = w.State()
	}
	return states
}

// Connected returns the number of gateways currently in the Connected state.
func (c *Connector) Connected() int {
	n := 0
	for _, w := range c.workers {
		if w.State() == Connected {
			n++
		}
	}
	return n
}
