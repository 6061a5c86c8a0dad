// Package mockgateway is an in-process gateway for tests. It accepts hosts, answers their frames and records what
// they sent.
package mockgateway

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Gateway is a gateway listening on a local port.
type Gateway struct {
	version  string
	listener net.Listener
	wg       sync.WaitGroup

	mu            sync.Mutex
	conns         map[net.Conn]struct{}
	registrations []protocol.RegisterHostRequest
	updates       []protocol.UpdateServicesRequest
	heartbeats    []protocol.HeartbeatRequest
	closed        bool
}

// New starts a gateway announcing version in its registration replies.
func New(version string) (*Gateway, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Trace(err)
	}
	g := &Gateway{
		version:  version,
		listener: l,
		conns:    make(map[net.Conn]struct{}),
	}
	g.wg.Add(1)
	go g.accept()
	return g, nil
}

// Address returns the address hosts should dial.
func (g *Gateway) Address(isMaster bool) config.GatewayAddress {
	host, port, _ := net.SplitHostPort(g.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return config.GatewayAddress{Host: host, Port: p, IsMaster: isMaster}
}

// Registrations returns the RegisterHost frames received so far.
func (g *Gateway) Registrations() []protocol.RegisterHostRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.RegisterHostRequest(nil), g.registrations...)
}

// Updates returns the UpdateServices frames received so far.
func (g *Gateway) Updates() []protocol.UpdateServicesRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.UpdateServicesRequest(nil), g.updates...)
}

// LastServices returns the service list of the latest UpdateServices frame, nil before the first one.
func (g *Gateway) LastServices() []protocol.ServiceInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.updates) == 0 {
		return nil
	}
	return g.updates[len(g.updates)-1].Services
}

// Heartbeats returns the Heartbeat frames received so far.
func (g *Gateway) Heartbeats() []protocol.HeartbeatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.HeartbeatRequest(nil), g.heartbeats...)
}

// ConnCount returns the number of open host connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// DropConnections closes every host connection while the gateway keeps listening.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		conn.Close()
		delete(g.conns, conn)
	}
}

// Close stops the gateway.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.listener.Close()
	g.DropConnections()
	g.wg.Wait()
}

func (g *Gateway) accept() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			conn.Close()
			return
		}
		g.conns[conn] = struct{}{}
		g.mu.Unlock()

		g.wg.Add(1)
		go g.serve(conn)
	}
}

func (g *Gateway) serve(conn net.Conn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		env, err := protocol.ReadEnvelope(reader, 0)
		if err != nil {
			if errors.Cause(err) != io.EOF {
				log.Debug("mock gateway read failed", zap.Error(err))
			}
			return
		}
		resp := g.handle(env)
		if err = protocol.WriteResponse(conn, resp, 0); err != nil {
			return
		}
	}
}

func (g *Gateway) handle(env *protocol.Envelope) *protocol.Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch env.Command {
	case protocol.RegisterHost:
		var req protocol.RegisterHostRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return protocol.NewErrorResponse(errcode.NewInvalidInputErr(err))
		}
		g.registrations = append(g.registrations, req)
		resp, _ := protocol.NewResponse(protocol.RegisterHostReply{GatewayVersion: g.version})
		return resp
	case protocol.UpdateServices:
		var req protocol.UpdateServicesRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return protocol.NewErrorResponse(errcode.NewInvalidInputErr(err))
		}
		g.updates = append(g.updates, req)
	case protocol.Heartbeat:
		var req protocol.HeartbeatRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return protocol.NewErrorResponse(errcode.NewInvalidInputErr(err))
		}
		g.heartbeats = append(g.heartbeats, req)
	default:
		return protocol.NewErrorResponse(errcode.NewInvalidInputErr(errors.Errorf("unexpected %s frame", env.Command)))
	}
	return &protocol.Response{Success: true}
}
