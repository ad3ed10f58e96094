package libvirt

import (
	"context"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockAPI is a func-field implementation of API. Unset funcs succeed.
type mockAPI struct {
	mu sync.Mutex

	listAllFunc     func(flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, error)
	lookupFunc      func(name string) (libvirt.Domain, error)
	defineXMLFunc   func(xml string) (libvirt.Domain, error)
	createFunc      func(dom libvirt.Domain) error
	getStateFunc    func(dom libvirt.Domain) (int32, error)
	shutdownFunc    func(dom libvirt.Domain) error
	destroyFunc     func(dom libvirt.Domain) error
	undefineFunc    func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	getMetadataFunc func(dom libvirt.Domain) (string, error)
	libVersionFunc  func() (uint64, error)

	defineXMLCalls  []string
	createCalls     []string
	shutdownCalls   []string
	destroyCalls    []string
	undefineCalls   []string
	disconnectCalls int
}

func (m *mockAPI) ConnectListAllDomains(_ int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	if m.listAllFunc == nil {
		return nil, 0, nil
	}
	doms, err := m.listAllFunc(flags)
	return doms, uint32(len(doms)), err
}

func (m *mockAPI) DomainLookupByName(name string) (libvirt.Domain, error) {
	if m.lookupFunc == nil {
		return libvirt.Domain{Name: name}, nil
	}
	return m.lookupFunc(name)
}

func (m *mockAPI) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	m.defineXMLCalls = append(m.defineXMLCalls, xml)
	m.mu.Unlock()
	if m.defineXMLFunc == nil {
		return libvirt.Domain{Name: "defined"}, nil
	}
	return m.defineXMLFunc(xml)
}

func (m *mockAPI) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, dom.Name)
	m.mu.Unlock()
	if m.createFunc == nil {
		return nil
	}
	return m.createFunc(dom)
}

func (m *mockAPI) DomainGetState(dom libvirt.Domain, _ uint32) (int32, int32, error) {
	if m.getStateFunc == nil {
		return int32(libvirt.DomainRunning), 0, nil
	}
	state, err := m.getStateFunc(dom)
	return state, 0, err
}

func (m *mockAPI) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	m.shutdownCalls = append(m.shutdownCalls, dom.Name)
	m.mu.Unlock()
	if m.shutdownFunc == nil {
		return nil
	}
	return m.shutdownFunc(dom)
}

func (m *mockAPI) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	m.destroyCalls = append(m.destroyCalls, dom.Name)
	m.mu.Unlock()
	if m.destroyFunc == nil {
		return nil
	}
	return m.destroyFunc(dom)
}

func (m *mockAPI) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	m.undefineCalls = append(m.undefineCalls, dom.Name)
	m.mu.Unlock()
	if m.undefineFunc == nil {
		return nil
	}
	return m.undefineFunc(dom, flags)
}

func (m *mockAPI) DomainGetMetadata(dom libvirt.Domain, _ int32, _ libvirt.OptString, _ libvirt.DomainModificationImpact) (string, error) {
	if m.getMetadataFunc == nil {
		return "", nil
	}
	return m.getMetadataFunc(dom)
}

func (m *mockAPI) ConnectGetLibVersion() (uint64, error) {
	if m.libVersionFunc == nil {
		return 10000000, nil
	}
	return m.libVersionFunc()
}

func (m *mockAPI) Disconnect() error {
	m.mu.Lock()
	m.disconnectCalls++
	m.mu.Unlock()
	return nil
}

// mockDisks records disk operations.
type mockDisks struct {
	mu sync.Mutex

	createErr error
	removeErr error

	created []string
	removed []string
}

func (d *mockDisks) CreateDisk(_ context.Context, path string, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return d.createErr
	}
	d.created = append(d.created, path)
	return nil
}

func (d *mockDisks) RemoveDisk(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, path)
	return d.removeErr
}

func (d *mockDisks) DiskPath(vmName string) string {
	return "/images/" + vmName + ".qcow2"
}

func notFound(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: no domain with matching name '" + name + "'"}
}

func operationInvalid(msg string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrOperationInvalid), Message: msg}
}
