package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/transaction/delegate"
	"github.com/pingcap-incubator/tinymesh/transaction/keylocker"
	. "github.com/pingcap/check"
	"github.com/pingcap/errcode"
)

func Test(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testRegistrySuite{})

type testRegistrySuite struct{}

type orders struct{}

func (orders) Methods() []Method {
	return []Method{
		{
			Name:    "Get",
			Params:  []string{"string"},
			Returns: "Order",
			Invoke: func(ctx *Context, args Args) (interface{}, error) {
				var id string
				if err := args.Bind(0, &id); err != nil {
					return nil, err
				}
				return map[string]string{"id": id}, nil
			},
		},
		{Name: "Cancel", Params: []string{"string"}},
	}
}

func newOrders() Controller { return orders{} }

func (s *testRegistrySuite) TestLookupOrder(c *C) {
	r := NewRegistry()
	_, err := r.Lookup("Orders", "Get")
	c.Assert(core.IsCode(err, core.ServiceNotFoundCode), IsTrue)

	c.Assert(r.Register("Orders", newOrders), IsFalse)
	factory, err := r.Lookup("Orders", "Get")
	c.Assert(err, IsNil)
	c.Assert(factory, NotNil)

	_, err = r.Lookup("Orders", "Delete")
	c.Assert(core.IsCode(err, core.MethodNotFoundCode), IsTrue)

	c.Assert(r.SetServiceEnable("Orders", false), IsNil)
	// Disabled wins over an unknown method.
	_, err = r.Lookup("Orders", "Get")
	c.Assert(core.IsCode(err, core.ServiceDisabledCode), IsTrue)
	_, err = r.Lookup("Orders", "Delete")
	c.Assert(core.IsCode(err, core.ServiceDisabledCode), IsTrue)

	err = r.SetServiceEnable("Payments", true)
	c.Assert(core.IsCode(err, core.ServiceNotFoundCode), IsTrue)
}

func (s *testRegistrySuite) TestRegisterReplaces(c *C) {
	r := NewRegistry()
	c.Assert(r.Register("Orders", newOrders), IsFalse)
	c.Assert(r.SetServiceEnable("Orders", false), IsNil)
	c.Assert(r.Register("Orders", newOrders), IsTrue)
	c.Assert(r.Len(), Equals, 1)
	// The new registration starts enabled.
	c.Assert(r.Snapshot()[0].Enabled, IsTrue)
}

func (s *testRegistrySuite) TestSnapshotAndNotify(c *C) {
	r := NewRegistry()
	changes := 0
	r.OnChange(func() { changes++ })

	r.Register("Payments", newOrders)
	r.Register("Orders", newOrders)
	c.Assert(changes, Equals, 2)
	c.Assert(r.SetServiceEnable("Orders", true), IsNil)
	// Nothing changed.
	c.Assert(changes, Equals, 2)
	c.Assert(r.SetServiceEnable("Orders", false), IsNil)
	c.Assert(changes, Equals, 3)

	snap := r.Snapshot()
	c.Assert(snap, HasLen, 2)
	c.Assert(snap[0].Name, Equals, "Orders")
	c.Assert(snap[0].Enabled, IsFalse)
	c.Assert(snap[0].Methods, HasLen, 2)
	c.Assert(snap[0].Methods[0].Name, Equals, "Get")
	c.Assert(snap[0].Methods[0].Returns, Equals, "Order")
	c.Assert(snap[1].Name, Equals, "Payments")
}

func (s *testRegistrySuite) TestArgs(c *C) {
	args := Args{json.RawMessage(`"o-1"`), json.RawMessage(`{"qty":2}`)}
	var id string
	c.Assert(args.Bind(0, &id), IsNil)
	c.Assert(id, Equals, "o-1")
	var body struct{ Qty int }
	c.Assert(args.Bind(1, &body), IsNil)
	c.Assert(body.Qty, Equals, 2)

	err := args.Bind(2, &id)
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)
	err = args.Bind(1, &id)
	c.Assert(core.IsCode(err, errcode.InvalidInputCode), IsTrue)
}

func (s *testRegistrySuite) TestContext(c *C) {
	locker := keylocker.NewKeyLocker()
	center := delegate.NewCenter(locker, 0)

	ctx := NewContext(context.Background(), "", center, time.Second)
	c.Assert(ctx.TryLock("k"), Equals, ErrNoTransaction)
	c.Assert(ctx.OnCommit(func() error { return nil }), Equals, ErrNoTransaction)

	ctx = NewContext(context.Background(), "tx1", center, time.Second)
	c.Assert(ctx.TryLock("k"), IsNil)
	committed := false
	c.Assert(ctx.OnCommit(func() error { committed = true; return nil }), IsNil)
	_, err := center.Commit("tx1")
	c.Assert(err, IsNil)
	c.Assert(committed, IsTrue)
	c.Assert(locker.GetAllLockedKeys(), HasLen, 0)
}
