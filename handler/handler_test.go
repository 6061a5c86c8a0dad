package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap-incubator/tinymesh/service"
	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	. "github.com/pingcap/check"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testHandlerSuite{})

type testHandlerSuite struct {
	deps  *Deps
	table map[protocol.Command]Handler
	calls int
}

type orders struct {
	s *testHandlerSuite
}

func (o orders) Methods() []service.Method {
	return []service.Method{
		{
			Name: "Place",
			Invoke: func(ctx *service.Context, args service.Args) (interface{}, error) {
				o.s.calls++
				var id string
				if err := args.Bind(0, &id); err != nil {
					return nil, err
				}
				if err := ctx.TryLock("order/" + id); err != nil {
					return nil, err
				}
				return "placed " + id, nil
			},
		},
		{
			Name: "Touch",
			Invoke: func(ctx *service.Context, args service.Args) (interface{}, error) {
				return nil, nil
			},
		},
		{
			Name: "Fail",
			Invoke: func(ctx *service.Context, args service.Args) (interface{}, error) {
				return nil, errors.New("database is down")
			},
		},
		{
			Name: "Panic",
			Invoke: func(ctx *service.Context, args service.Args) (interface{}, error) {
				var m map[string]int
				m["boom"]++
				return nil, nil
			},
		},
	}
}

func (s *testHandlerSuite) SetUpTest(c *C) {
	locker := keylocker.NewKeyLocker()
	s.deps = &Deps{
		Registry:           service.NewRegistry(),
		Center:             delegate.NewCenter(locker, 0),
		Locker:             locker,
		DefaultLockTimeout: 100 * time.Millisecond,
		Health: func() protocol.HealthStatus {
			return protocol.HealthStatus{HostID: "h1"}
		},
	}
	s.deps.Registry.Register("Orders", func() service.Controller { return orders{s: s} })
	s.table = Table(s.deps)
	s.calls = 0
}

func (s *testHandlerSuite) handle(c *C, cmd protocol.Command, txnID string, payload interface{}) (*protocol.Response, error) {
	env := &protocol.Envelope{Command: cmd, TransactionID: txnID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		c.Assert(err, IsNil)
		env.Payload = raw
	}
	h, ok := s.table[cmd]
	c.Assert(ok, IsTrue)
	return h.Handle(context.Background(), env)
}

func invokeRequest(service, method string, params ...string) *protocol.InvokeRequest {
	req := &protocol.InvokeRequest{Service: service, Method: method}
	for _, p := range params {
		raw, _ := json.Marshal(p)
		req.Parameters = append(req.Parameters, raw)
	}
	return req
}

func (s *testHandlerSuite) TestInvoke(c *C) {
	resp, err := s.handle(c, protocol.Invoke, "tx1", invokeRequest("Orders", "Place", "42"))
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
	var result string
	c.Assert(resp.Decode(&result), IsNil)
	c.Assert(result, Equals, "placed 42")

	holder, ok := s.deps.Locker.Holder("order/42")
	c.Assert(ok, IsTrue)
	c.Assert(holder, Equals, "tx1")
}

func (s *testHandlerSuite) TestInvokeResolution(c *C) {
	_, err := s.handle(c, protocol.Invoke, "", invokeRequest("Payments", "Pay"))
	c.Assert(core.IsCode(err, core.ServiceNotFoundCode), IsTrue)
	_, err = s.handle(c, protocol.Invoke, "", invokeRequest("Orders", "Delete"))
	c.Assert(core.IsCode(err, core.MethodNotFoundCode), IsTrue)

	c.Assert(s.deps.Registry.SetServiceEnable("Orders", false), IsNil)
	_, err = s.handle(c, protocol.Invoke, "tx1", invokeRequest("Orders", "Place", "42"))
	c.Assert(core.IsCode(err, core.ServiceDisabledCode), IsTrue)
	c.Assert(core.IsCode(err, core.ServiceNotFoundCode), IsFalse)
	c.Assert(s.calls, Equals, 0)
}

func (s *testHandlerSuite) TestInvokeErrors(c *C) {
	_, err := s.handle(c, protocol.Invoke, "", invokeRequest("Orders", "Fail"))
	c.Assert(core.IsCode(err, core.HandlerExceptionCode), IsTrue)
	c.Assert(err, ErrorMatches, ".*database is down.*")

	_, err = s.handle(c, protocol.Invoke, "", invokeRequest("Orders", "Panic"))
	c.Assert(core.IsCode(err, core.HandlerExceptionCode), IsTrue)

	// Coded errors keep their code.
	_, err = s.handle(c, protocol.Invoke, "tx1", invokeRequest("Orders", "Place"))
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)

	_, err = s.handle(c, protocol.Invoke, "", nil)
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)
}

func (s *testHandlerSuite) TestInvokeLockKeys(c *C) {
	req := invokeRequest("Orders", "Place", "1")
	req.LockKeys = []string{"a", "b"}

	_, err := s.handle(c, protocol.Invoke, "", req)
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)

	// tx2 holds b, so tx1 can't get both.
	c.Assert(s.deps.Center.TryLock(context.Background(), "tx2", "b", 0), IsNil)
	// tx1 already holds c before the request.
	c.Assert(s.deps.Center.TryLock(context.Background(), "tx1", "c", 0), IsNil)
	req.LockKeys = []string{"c", "a", "b"}
	req.LockTimeoutMs = 50
	_, err = s.handle(c, protocol.Invoke, "tx1", req)
	c.Assert(core.IsCode(err, core.LockTimeoutCode), IsTrue)
	c.Assert(s.calls, Equals, 0)

	_, ok := s.deps.Locker.Holder("a")
	c.Assert(ok, IsFalse)
	holder, _ := s.deps.Locker.Holder("c")
	c.Assert(holder, Equals, "tx1")

	_, err = s.deps.Center.Rollback("tx2")
	c.Assert(err, IsNil)
	resp, err := s.handle(c, protocol.Invoke, "tx1", req)
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
	info, ok := s.deps.Center.GetTransaction("tx1")
	c.Assert(ok, IsTrue)
	c.Assert(info.HeldKeys, DeepEquals, []string{"a", "b", "c", "order/1"})
}

func (s *testHandlerSuite) TestConcurrentInvokesShareKeys(c *C) {
	ctx := context.Background()
	c.Assert(s.deps.Center.TryLock(ctx, "tx3", "a", 0), IsNil)
	c.Assert(s.deps.Center.TryLock(ctx, "tx4", "b", 0), IsNil)

	first := invokeRequest("Orders", "Touch")
	first.LockKeys = []string{"a"}
	first.LockTimeoutMs = 2000
	second := invokeRequest("Orders", "Touch")
	second.LockKeys = []string{"a", "b"}
	second.LockTimeoutMs = 400

	errs := make(chan error, 2)
	for _, req := range []*protocol.InvokeRequest{first, second} {
		go func(req *protocol.InvokeRequest) {
			_, err := s.handle(c, protocol.Invoke, "tx1", req)
			errs <- err
		}(req)
	}
	time.Sleep(50 * time.Millisecond)
	_, err := s.deps.Center.Commit("tx3")
	c.Assert(err, IsNil)

	var failed int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			c.Assert(core.IsCode(err, core.LockTimeoutCode), IsTrue)
			failed++
		}
	}
	c.Assert(failed, Equals, 1)

	// The request that failed on b gave back only its own grant of a.
	holder, ok := s.deps.Locker.Holder("a")
	c.Assert(ok, IsTrue)
	c.Assert(holder, Equals, "tx1")
	c.Assert(s.deps.Locker.TryLock(ctx, "a", "tx5", 0), IsFalse)
	info, ok := s.deps.Center.GetTransaction("tx1")
	c.Assert(ok, IsTrue)
	c.Assert(info.HeldKeys, DeepEquals, []string{"a"})

	_, err = s.deps.Center.Commit("tx1")
	c.Assert(err, IsNil)
	c.Assert(s.deps.Locker.TryLock(ctx, "a", "tx5", 0), IsTrue)
}

func (s *testHandlerSuite) TestCommitAndRollback(c *C) {
	_, err := s.handle(c, protocol.Invoke, "tx1", invokeRequest("Orders", "Place", "42"))
	c.Assert(err, IsNil)

	resp, err := s.handle(c, protocol.Commit, "tx1", nil)
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
	c.Assert(string(resp.Code), Equals, "")
	c.Assert(s.deps.Locker.GetAllLockedKeys(), HasLen, 0)

	// Retried commit and a rollback after it do nothing.
	resp, err = s.handle(c, protocol.Commit, "tx1", nil)
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
	resp, err = s.handle(c, protocol.Rollback, "tx1", nil)
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
}

func (s *testHandlerSuite) TestCommitUnknownTransaction(c *C) {
	resp, err := s.handle(c, protocol.Commit, "unknown-tx", nil)
	c.Assert(err, IsNil)
	c.Assert(resp.Success, IsTrue)
	c.Assert(resp.Code, Equals, core.TransactionNotFoundCode.CodeStr())
	var result protocol.FinalizeResult
	c.Assert(resp.Decode(&result), IsNil)
	c.Assert(result.Found, IsFalse)

	_, err = s.handle(c, protocol.Rollback, "", nil)
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)
}

func (s *testHandlerSuite) TestCommitActionFailure(c *C) {
	c.Assert(s.deps.Center.Register("tx1", func() error { return errors.New("flush failed") }, nil), IsNil)
	_, err := s.handle(c, protocol.Commit, "tx1", nil)
	c.Assert(core.IsCode(err, core.HandlerExceptionCode), IsTrue)
	c.Assert(s.deps.Center.IsFinalized("tx1"), IsTrue)
}

func (s *testHandlerSuite) TestLockedKeysAndUnlockAnyway(c *C) {
	c.Assert(s.deps.Center.TryLock(context.Background(), "tx1", "order-42", 0), IsNil)

	resp, err := s.handle(c, protocol.GetAllLockedKeys, "", nil)
	c.Assert(err, IsNil)
	var keys []protocol.LockedKey
	c.Assert(resp.Decode(&keys), IsNil)
	c.Assert(keys, HasLen, 1)
	c.Assert(keys[0].Key, Equals, "order-42")
	c.Assert(keys[0].TxnID, Equals, "tx1")

	resp, err = s.handle(c, protocol.UnlockKeyAnyway, "", &protocol.UnlockKeyRequest{Key: "order-42"})
	c.Assert(err, IsNil)
	var result protocol.UnlockKeyResult
	c.Assert(resp.Decode(&result), IsNil)
	c.Assert(result.Released, IsTrue)
	c.Assert(s.deps.Locker.GetAllLockedKeys(), HasLen, 0)

	_, err = s.handle(c, protocol.UnlockKeyAnyway, "", &protocol.UnlockKeyRequest{})
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)
}

func (s *testHandlerSuite) TestGenerateInvokeCodeUnsupported(c *C) {
	_, err := s.handle(c, protocol.GenerateInvokeCode, "", nil)
	c.Assert(core.IsCode(err, core.UnsupportedCode), IsTrue)
}

func (s *testHandlerSuite) TestHealthCheck(c *C) {
	resp, err := s.handle(c, protocol.HealthCheck, "", nil)
	c.Assert(err, IsNil)
	var status protocol.HealthStatus
	c.Assert(resp.Decode(&status), IsNil)
	c.Assert(status.HostID, Equals, "h1")
}
