// Package inventory is a small transactional stock service. The server binary registers it so a fresh host has
// something to serve, and tests use it to drive real transactions.
package inventory

import (
	"sync"

	"github.com/pingcap-incubator/tinymesh/service"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

// ServiceName is the name the service is registered under.
const ServiceName = "Inventory"

// Store is the stock shared by every request.
type Store struct {
	mu    sync.Mutex
	stock map[string]int
}

// NewStore creates a store holding initial.
func NewStore(initial map[string]int) *Store {
	stock := make(map[string]int, len(initial))
	for sku, qty := range initial {
		stock[sku] = qty
	}
	return &Store{stock: stock}
}

// Get returns the stock of sku.
func (s *Store) Get(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[sku]
}

func (s *Store) add(sku string, qty int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[sku] += qty
	return s.stock[sku]
}

// Factory returns the controller factory to register.
func (s *Store) Factory() service.Factory {
	return func() service.Controller {
		return &controller{store: s}
	}
}

// LockKey is the lock key guarding sku.
func LockKey(sku string) string {
	return "inventory/" + sku
}

type controller struct {
	store *Store
}

// Reservation is the result of Reserve.
type Reservation struct {
	SKU       string `json:"sku"`
	Remaining int    `json:"remaining"`
}

func (c *controller) Methods() []service.Method {
	return []service.Method{
		{Name: "Stock", Params: []string{"string"}, Returns: "int", Invoke: c.stock},
		{Name: "Reserve", Params: []string{"string", "int"}, Returns: "Reservation", Invoke: c.reserve},
		{Name: "Restock", Params: []string{"string", "int"}, Returns: "int", Invoke: c.restock},
	}
}

func (c *controller) stock(ctx *service.Context, args service.Args) (interface{}, error) {
	var sku string
	if err := args.Bind(0, &sku); err != nil {
		return nil, err
	}
	return c.store.Get(sku), nil
}

// reserve takes qty out of the stock for the request's transaction. The stock is decremented right away and given
// back if the transaction rolls back; the sku stays locked until then.
func (c *controller) reserve(ctx *service.Context, args service.Args) (interface{}, error) {
	var (
		sku string
		qty int
	)
	if err := args.Bind(0, &sku); err != nil {
		return nil, err
	}
	if err := args.Bind(1, &qty); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, errcode.NewInvalidInputErr(errors.Errorf("quantity %d must be positive", qty))
	}
	if err := ctx.TryLock(LockKey(sku)); err != nil {
		return nil, err
	}

	c.store.mu.Lock()
	if c.store.stock[sku] < qty {
		available := c.store.stock[sku]
		c.store.mu.Unlock()
		return nil, errcode.NewInvalidInputErr(errors.Errorf("only %d of %s left, %d requested", available, sku, qty))
	}
	c.store.stock[sku] -= qty
	remaining := c.store.stock[sku]
	c.store.mu.Unlock()

	err := ctx.OnRollback(func() error {
		c.store.add(sku, qty)
		return nil
	})
	if err != nil {
		c.store.add(sku, qty)
		return nil, err
	}
	return Reservation{SKU: sku, Remaining: remaining}, nil
}

func (c *controller) restock(ctx *service.Context, args service.Args) (interface{}, error) {
	var (
		sku string
		qty int
	)
	if err := args.Bind(0, &sku); err != nil {
		return nil, err
	}
	if err := args.Bind(1, &qty); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, errcode.NewInvalidInputErr(errors.Errorf("quantity %d must be positive", qty))
	}
	return c.store.add(sku, qty), nil
}
