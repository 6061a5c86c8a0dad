// Package service keeps the services a host exposes. A service is a named controller factory; the methods of a
// controller are an explicit table, so dispatch never inspects types at run time.
package service

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Method is one invocable method of a controller.
type Method struct {
	Name string
	// Params and Returns describe the signature advertised to gateways.
	Params  []string
	Returns string
	Invoke  func(ctx *Context, args Args) (interface{}, error)
}

// Controller is the implementation of a service.
type Controller interface {
	Methods() []Method
}

// Factory creates the controller serving one request.
type Factory func() Controller

// Registration is a registered service.
type Registration struct {
	Name    string
	Factory Factory
	Enabled bool
	// methods are captured from a controller built at Register time.
	methods map[string]protocol.MethodInfo
	order   []string
}

// Info describes the registration the way gateways see it.
func (r *Registration) Info() protocol.ServiceInfo {
	info := protocol.ServiceInfo{
		Name:    r.Name,
		Enabled: r.Enabled,
		Methods: make([]protocol.MethodInfo, 0, len(r.order)),
	}
	for _, name := range r.order {
		info.Methods = append(info.Methods, r.methods[name])
	}
	return info
}

// Registry maps service names to registrations. It is safe for concurrent use.
type Registry struct {
	sync.RWMutex
	services map[string]*Registration
	onChange []func()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Registration)}
}

// OnChange adds a callback run after every change of the service list. Callbacks must not block.
func (r *Registry) OnChange(fn func()) {
	r.Lock()
	defer r.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) notify() {
	r.RLock()
	callbacks := append([]func(){}, r.onChange...)
	r.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Register adds an enabled service. A registration under the same name is replaced and true is returned.
func (r *Registry) Register(name string, factory Factory) bool {
	reg := &Registration{
		Name:    name,
		Factory: factory,
		Enabled: true,
		methods: make(map[string]protocol.MethodInfo),
	}
	for _, m := range factory().Methods() {
		if _, dup := reg.methods[m.Name]; dup {
			log.Warn("duplicated method, the last one is advertised",
				zap.String("service", name),
				zap.String("method", m.Name))
		} else {
			reg.order = append(reg.order, m.Name)
		}
		reg.methods[m.Name] = protocol.MethodInfo{Name: m.Name, Params: m.Params, Returns: m.Returns}
	}

	r.Lock()
	_, replaced := r.services[name]
	r.services[name] = reg
	r.Unlock()

	if replaced {
		log.Warn("service registered again, the previous registration is replaced", zap.String("service", name))
	} else {
		log.Info("service registered", zap.String("service", name), zap.Int("methods", len(reg.order)))
	}
	r.notify()
	return replaced
}

// SetServiceEnable switches a service on or off.
func (r *Registry) SetServiceEnable(name string, enabled bool) error {
	r.Lock()
	reg, ok := r.services[name]
	if !ok {
		r.Unlock()
		return core.ServiceNotFoundErr{Service: name}
	}
	changed := reg.Enabled != enabled
	reg.Enabled = enabled
	r.Unlock()

	log.Info("set service enable", zap.String("service", name), zap.Bool("enabled", enabled))
	if changed {
		r.notify()
	}
	return nil
}

// Lookup resolves a method. An unknown service is reported before a disabled one, a disabled one before an unknown
// method.
func (r *Registry) Lookup(serviceName, methodName string) (Factory, error) {
	r.RLock()
	defer r.RUnlock()

	reg, ok := r.services[serviceName]
	if !ok {
		return nil, core.ServiceNotFoundErr{Service: serviceName}
	}
	if !reg.Enabled {
		return nil, core.ServiceDisabledErr{Service: serviceName}
	}
	if _, ok := reg.methods[methodName]; !ok {
		return nil, core.MethodNotFoundErr{ServiceErr: core.ServiceErr{Service: serviceName}, Method: methodName}
	}
	return reg.Factory, nil
}

// Snapshot returns every service ordered by name.
func (r *Registry) Snapshot() []protocol.ServiceInfo {
	r.RLock()
	infos := make([]protocol.ServiceInfo, 0, len(r.services))
	for _, reg := range r.services {
		infos = append(infos, reg.Info())
	}
	r.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.services)
}

// FindMethod returns the method called name of ctrl.
func FindMethod(ctrl Controller, name string) (Method, bool) {
	for _, m := range ctrl.Methods() {
		if m.Name == name {
			return m, true
		}
	}
	return Method{}, false
}
