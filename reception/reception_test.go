package reception

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinymesh/config"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/handler"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/util/typeutil"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.ReceptionConfig {
	return config.ReceptionConfig{
		ReadTimeout:  typeutil.NewDuration(time.Second),
		WriteTimeout: typeutil.NewDuration(time.Second),
		MaxFrameSize: 1 << 20,
	}
}

// roundTrip serves one request on a pipe and returns the response.
func roundTrip(t *testing.T, r *Reception, env *protocol.Envelope) *protocol.Response {
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		r.Interview(context.Background(), server)
		close(done)
	}()

	require.NoError(t, protocol.WriteEnvelope(client, env, 0))
	resp, err := protocol.ReadResponse(bufio.NewReader(client), 0)
	require.NoError(t, err)
	client.Close()
	<-done
	return resp
}

func TestDispatch(t *testing.T) {
	handlers := map[protocol.Command]handler.Handler{
		protocol.HealthCheck: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			return protocol.NewResponse(protocol.HealthStatus{HostID: env.TransactionID})
		}),
		protocol.Commit: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			return nil, core.TransactionFinalizedErr{TxnID: env.TransactionID}
		}),
		protocol.Rollback: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			return nil, nil
		}),
	}
	r := New(handlers, testConfig())

	resp := roundTrip(t, r, &protocol.Envelope{Command: protocol.HealthCheck, TransactionID: "h1"})
	var status protocol.HealthStatus
	require.NoError(t, resp.Decode(&status))
	assert.Equal(t, "h1", status.HostID)

	resp = roundTrip(t, r, &protocol.Envelope{Command: protocol.Commit, TransactionID: "tx1"})
	assert.False(t, resp.Success)
	assert.True(t, core.IsCode(resp.Err(), core.TransactionFinalizedCode))

	resp = roundTrip(t, r, &protocol.Envelope{Command: protocol.Rollback})
	assert.True(t, resp.Success)

	resp = roundTrip(t, r, &protocol.Envelope{Command: protocol.Command(99)})
	assert.True(t, core.IsCode(resp.Err(), core.UnknownCommandCode))
	assert.Equal(t, int64(0), r.ClientConnected())
}

func TestHandlerPanicAndError(t *testing.T) {
	handlers := map[protocol.Command]handler.Handler{
		protocol.Invoke: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			panic("unexpected")
		}),
		protocol.Commit: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			return nil, errors.New("plain failure")
		}),
	}
	r := New(handlers, testConfig())

	resp := roundTrip(t, r, &protocol.Envelope{Command: protocol.Invoke})
	assert.False(t, resp.Success)
	assert.True(t, core.IsCode(resp.Err(), core.HandlerExceptionCode))

	resp = roundTrip(t, r, &protocol.Envelope{Command: protocol.Commit})
	assert.True(t, core.IsCode(resp.Err(), errcode.InternalCode))
	assert.Equal(t, "plain failure", resp.Message)
}

func TestMalformedRequest(t *testing.T) {
	r := New(nil, testConfig())
	client, server := net.Pipe()
	go r.Interview(context.Background(), server)

	// A frame announcing a 10 byte transaction id in a 3 byte body.
	_, err := client.Write([]byte{3, 0, 1, 10})
	require.NoError(t, err)
	resp, err := protocol.ReadResponse(bufio.NewReader(client), 0)
	require.NoError(t, err)
	assert.True(t, core.IsCode(resp.Err(), errcode.InvalidInputCode))
	client.Close()
}

func TestClientConnected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	handlers := map[protocol.Command]handler.Handler{
		protocol.Invoke: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			entered <- struct{}{}
			<-release
			return nil, nil
		}),
	}
	r := New(handlers, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roundTrip(t, r, &protocol.Envelope{Command: protocol.Invoke})
		}()
	}
	for i := 0; i < 3; i++ {
		<-entered
	}
	assert.Equal(t, int64(3), r.ClientConnected())
	close(release)
	wg.Wait()
	assert.Equal(t, int64(0), r.ClientConnected())
}

func TestRateLimit(t *testing.T) {
	handlers := map[protocol.Command]handler.Handler{
		protocol.HealthCheck: handler.HandlerFunc(func(ctx context.Context, env *protocol.Envelope) (*protocol.Response, error) {
			return nil, nil
		}),
	}
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	cfg.ReadTimeout = typeutil.NewDuration(50 * time.Millisecond)
	r := New(handlers, cfg)

	resp := roundTrip(t, r, &protocol.Envelope{Command: protocol.HealthCheck})
	assert.True(t, resp.Success)
	resp = roundTrip(t, r, &protocol.Envelope{Command: protocol.HealthCheck})
	assert.True(t, core.IsCode(resp.Err(), core.ServerBusyCode))
}
