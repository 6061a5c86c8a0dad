// Package client calls a service host over its request socket. Every call dials a new connection, sends one frame and
// reads the reply.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errors"
)

const defaultTimeout = 10 * time.Second

// Client talks to one host.
type Client struct {
	addr              string
	timeout           time.Duration
	compressThreshold int
	maxFrameSize      int
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every call, including the dial. It applies when the call context has no earlier deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// WithCompressThreshold compresses request payloads of at least threshold bytes.
func WithCompressThreshold(threshold int) Option {
	return func(c *Client) { c.compressThreshold = threshold }
}

// WithMaxFrameSize limits the size of the replies accepted.
func WithMaxFrameSize(size int) Option {
	return func(c *Client) { c.maxFrameSize = size }
}

// New creates a client for the host listening on addr.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:         addr,
		timeout:      defaultTimeout,
		maxFrameSize: protocol.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the host address.
func (c *Client) Addr() string {
	return c.addr
}

// Do sends req, JSON encoded unless it is nil, and returns the raw reply. A failed reply is returned without error,
// see protocol.Response.Err.
func (c *Client) Do(ctx context.Context, cmd protocol.Command, txnID string, req interface{}) (*protocol.Response, error) {
	env := &protocol.Envelope{Command: cmd, TransactionID: txnID}
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, errors.Trace(err)
		}
		env.Payload = payload
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", c.addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock the exchange when ctx is cancelled before its deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	if err = protocol.WriteEnvelope(conn, env, c.compressThreshold); err != nil {
		return nil, errors.Annotatef(err, "send %s", cmd)
	}
	resp, err := protocol.ReadResponse(bufio.NewReader(conn), c.maxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, errors.Annotatef(err, "read %s reply", cmd)
	}
	return resp, nil
}

// call is Do followed by decoding a successful reply into out.
func (c *Client) call(ctx context.Context, cmd protocol.Command, txnID string, req, out interface{}) error {
	resp, err := c.Do(ctx, cmd, txnID, req)
	if err != nil {
		return err
	}
	if out == nil {
		return resp.Err()
	}
	return resp.Decode(out)
}

// NewInvokeRequest encodes params into an invoke request.
func NewInvokeRequest(service, method string, params ...interface{}) (*protocol.InvokeRequest, error) {
	req := &protocol.InvokeRequest{Service: service, Method: method}
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Annotatef(err, "encode parameter %d", i)
		}
		req.Parameters = append(req.Parameters, raw)
	}
	return req, nil
}

// Invoke calls a service method within txnID, which may be empty, and decodes its result into out. out may be nil.
func (c *Client) Invoke(ctx context.Context, txnID string, req *protocol.InvokeRequest, out interface{}) error {
	return c.call(ctx, protocol.Invoke, txnID, req, out)
}

// Commit commits txnID. found is false when the host doesn't know the transaction, which is not an error.
func (c *Client) Commit(ctx context.Context, txnID string) (found bool, err error) {
	return c.finalize(ctx, protocol.Commit, txnID)
}

// Rollback rolls back txnID. found is false when the host doesn't know the transaction, which is not an error.
func (c *Client) Rollback(ctx context.Context, txnID string) (found bool, err error) {
	return c.finalize(ctx, protocol.Rollback, txnID)
}

func (c *Client) finalize(ctx context.Context, cmd protocol.Command, txnID string) (bool, error) {
	var result protocol.FinalizeResult
	if err := c.call(ctx, cmd, txnID, nil, &result); err != nil {
		return false, err
	}
	return result.Found, nil
}

// GetAllLockedKeys lists the keys held on the host.
func (c *Client) GetAllLockedKeys(ctx context.Context) ([]protocol.LockedKey, error) {
	var keys []protocol.LockedKey
	if err := c.call(ctx, protocol.GetAllLockedKeys, "", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// UnlockAnyway releases key whoever holds it. released is false when the key was free.
func (c *Client) UnlockAnyway(ctx context.Context, key string) (released bool, err error) {
	var result protocol.UnlockKeyResult
	if err = c.call(ctx, protocol.UnlockKeyAnyway, "", &protocol.UnlockKeyRequest{Key: key}, &result); err != nil {
		return false, err
	}
	return result.Released, nil
}

// HealthCheck returns the host status.
func (c *Client) HealthCheck(ctx context.Context) (*protocol.HealthStatus, error) {
	status := &protocol.HealthStatus{}
	if err := c.call(ctx, protocol.HealthCheck, "", nil, status); err != nil {
		return nil, err
	}
	return status, nil
}
