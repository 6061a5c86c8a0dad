package client

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyServer answers every request with reply(env), or never when reply returns nil.
func replyServer(t *testing.T, reply func(env *protocol.Envelope) *protocol.Response) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				env, err := protocol.ReadEnvelope(bufio.NewReader(conn), 0)
				if err != nil {
					return
				}
				resp := reply(env)
				if resp == nil {
					time.Sleep(time.Second)
					return
				}
				protocol.WriteResponse(conn, resp, 0)
			}()
		}
	}()
	return l.Addr().String()
}

func TestInvoke(t *testing.T) {
	envs := make(chan *protocol.Envelope, 1)
	addr := replyServer(t, func(env *protocol.Envelope) *protocol.Response {
		envs <- env
		resp, _ := protocol.NewResponse(map[string]int{"remaining": 4})
		return resp
	})

	req, err := NewInvokeRequest("Inventory", "Reserve", "apple", 1)
	require.NoError(t, err)
	var out struct {
		Remaining int `json:"remaining"`
	}
	require.NoError(t, New(addr).Invoke(context.Background(), "tx1", req, &out))
	assert.Equal(t, 4, out.Remaining)
	got := <-envs
	assert.Equal(t, protocol.Invoke, got.Command)
	assert.Equal(t, "tx1", got.TransactionID)
	assert.JSONEq(t, `{"service":"Inventory","method":"Reserve","parameters":["apple",1]}`, string(got.Payload))
}

func TestRemoteError(t *testing.T) {
	addr := replyServer(t, func(env *protocol.Envelope) *protocol.Response {
		return protocol.NewErrorResponse(core.ServiceDisabledErr{Service: "Orders"})
	})

	req, err := NewInvokeRequest("Orders", "Place")
	require.NoError(t, err)
	err = New(addr).Invoke(context.Background(), "", req, nil)
	assert.True(t, core.IsCode(err, core.ServiceDisabledCode))
	assert.Contains(t, err.Error(), "service Orders is disabled")
}

func TestCommitUnknown(t *testing.T) {
	addr := replyServer(t, func(env *protocol.Envelope) *protocol.Response {
		resp, _ := protocol.NewResponse(&protocol.FinalizeResult{TxnID: env.TransactionID})
		resp.Code = core.TransactionNotFoundCode.CodeStr()
		return resp
	})

	found, err := New(addr).Commit(context.Background(), "unknown-tx")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTimeout(t *testing.T) {
	addr := replyServer(t, func(env *protocol.Envelope) *protocol.Response {
		return nil
	})

	start := time.Now()
	_, err := New(addr, WithTimeout(100*time.Millisecond)).HealthCheck(context.Background())
	assert.Error(t, err)
	assert.True(t, time.Since(start) < 900*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = New(addr).GetAllLockedKeys(ctx)
	assert.Error(t, err)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = New(addr).UnlockAnyway(context.Background(), "k")
	assert.Error(t, err)
}
