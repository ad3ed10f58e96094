package vm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/lock"
	"github.com/jbweber/kiln/internal/media"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/store"
)

type fakeDomain struct {
	active bool
	stamp  *metadata.Stamp
}

// fakeHypervisor is an in-memory hypervisor shared by every session it opens.
type fakeHypervisor struct {
	mu sync.Mutex

	domains map[string]*fakeDomain

	connectErr  error
	defineErr   error
	destroyErr  error
	defineDelay time.Duration

	opened       int
	closed       int
	defineSpecs  []kilnlibvirt.DomainSpec
	destroyCalls []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{domains: make(map[string]*fakeDomain)}
}

func (h *fakeHypervisor) connector() Connector {
	return func(_ context.Context) (Session, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.connectErr != nil {
			return nil, h.connectErr
		}
		h.opened++
		return &fakeSession{h: h}, nil
	}
}

// addDomain defines a domain out-of-band.
func (h *fakeHypervisor) addDomain(name string, active bool, stamp *metadata.Stamp) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[name] = &fakeDomain{active: active, stamp: stamp}
}

func (h *fakeHypervisor) removeDomain(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.domains, name)
}

func (h *fakeHypervisor) has(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.domains[name]
	return ok
}

func (h *fakeHypervisor) sessions() (opened, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened, h.closed
}

type fakeSession struct {
	h *fakeHypervisor
}

func noDomain(name string) error {
	return errors.Join(v1alpha1.ErrNotFound, fmt.Errorf("domain %s not found", name))
}

func (s *fakeSession) ListDomains(_ context.Context) ([]kilnlibvirt.DomainInfo, error) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	out := make([]kilnlibvirt.DomainInfo, 0, len(s.h.domains))
	for name, d := range s.h.domains {
		out = append(out, kilnlibvirt.DomainInfo{Name: name, Active: d.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fakeSession) Lookup(_ context.Context, name string) (kilnlibvirt.DomainInfo, error) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	d, ok := s.h.domains[name]
	if !ok {
		return kilnlibvirt.DomainInfo{}, noDomain(name)
	}
	return kilnlibvirt.DomainInfo{Name: name, Active: d.active}, nil
}

func (s *fakeSession) DefineAndStart(_ context.Context, spec kilnlibvirt.DomainSpec) error {
	s.h.mu.Lock()
	delay, defineErr := s.h.defineDelay, s.h.defineErr
	s.h.defineSpecs = append(s.h.defineSpecs, spec)
	s.h.mu.Unlock()

	time.Sleep(delay)
	if defineErr != nil {
		return defineErr
	}

	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	stamp := spec.Stamp
	s.h.domains[spec.Name] = &fakeDomain{active: true, stamp: &stamp}
	return nil
}

func (s *fakeSession) Start(_ context.Context, name string) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	d, ok := s.h.domains[name]
	if !ok {
		return noDomain(name)
	}
	if d.active {
		return errors.Join(v1alpha1.ErrInvalidState, fmt.Errorf("domain %s is already running", name))
	}
	d.active = true
	return nil
}

func (s *fakeSession) Stop(_ context.Context, name string) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	d, ok := s.h.domains[name]
	if !ok {
		return noDomain(name)
	}
	if !d.active {
		return errors.Join(v1alpha1.ErrInvalidState, fmt.Errorf("domain %s is not running", name))
	}
	// Shutdown completes immediately.
	d.active = false
	return nil
}

func (s *fakeSession) ForceDestroyAndUndefine(_ context.Context, name string) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.destroyCalls = append(s.h.destroyCalls, name)
	if _, ok := s.h.domains[name]; !ok {
		return noDomain(name)
	}
	if s.h.destroyErr != nil {
		return s.h.destroyErr
	}
	delete(s.h.domains, name)
	return nil
}

func (s *fakeSession) Stamp(_ context.Context, name string) (*metadata.Stamp, error) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	d, ok := s.h.domains[name]
	if !ok {
		return nil, noDomain(name)
	}
	if d.stamp == nil {
		return nil, errors.New("metadata not found")
	}
	st := *d.stamp
	return &st, nil
}

func (s *fakeSession) Close() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.closed++
	return nil
}

type fakeDisks struct {
	spaceErr error
}

func (d *fakeDisks) DiskPath(vmName string) string {
	return "/var/lib/kiln/images/" + vmName + ".qcow2"
}

func (d *fakeDisks) CheckDiskSpace(int) error {
	return d.spaceErr
}

// recordingReporter keeps every finding it receives.
type recordingReporter struct {
	mu       sync.Mutex
	findings []diag.Finding
}

func (r *recordingReporter) Report(_ context.Context, f diag.Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
	return nil
}

func (r *recordingReporter) count(kind diag.Kind, vm string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.findings {
		if f.Kind == kind && f.VM == vm {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu     sync.Mutex
	ops    map[string]int
	counts map[string]int
}

func (o *recordingObserver) ObserveOp(op string, _ time.Time, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[op]++
}

func (o *recordingObserver) SetVMCounts(counts map[string]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = counts
}

// failingStore fails CreateVM and delegates everything else.
type failingStore struct {
	store.Store
	createErr error
	deleteErr error
}

func (s *failingStore) CreateVM(ctx context.Context, rec *v1alpha1.VMRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateVM(ctx, rec)
}

func (s *failingStore) DeleteVM(ctx context.Context, name string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.DeleteVM(ctx, name)
}

// hookLocker runs before once, ahead of granting the first lock requested
// after before is set.
type hookLocker struct {
	lock.Locker
	once   sync.Once
	before func(name string)
}

func (l *hookLocker) Lock(ctx context.Context, name string) (lock.Release, error) {
	if l.before != nil {
		l.once.Do(func() { l.before(name) })
	}
	return l.Locker.Lock(ctx, name)
}

// storeHook runs after once, right after the first ListVMs that returns
// once after is set.
type storeHook struct {
	store.Store
	once  sync.Once
	after func()
}

func (s *storeHook) ListVMs(ctx context.Context) ([]v1alpha1.VMRecord, error) {
	recs, err := s.Store.ListVMs(ctx)
	if s.after != nil {
		s.once.Do(s.after)
	}
	return recs, err
}

type harness struct {
	svc      *Service
	hv       *fakeHypervisor
	store    store.Store
	reporter *recordingReporter
	observer *recordingObserver

	admin v1alpha1.Caller
	alice v1alpha1.Caller
	bob   v1alpha1.Caller
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(store.SQLiteConfig{DatabasePath: filepath.Join(t.TempDir(), "kiln.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	table, err := media.NewTable("/var/lib/libvirt/boot", nil)
	if err != nil {
		t.Fatalf("NewTable() error: %v", err)
	}

	h := &harness{
		hv:       newFakeHypervisor(),
		store:    st,
		reporter: &recordingReporter{},
		observer: &recordingObserver{},
	}

	ctx := context.Background()
	for _, u := range []struct {
		name string
		role v1alpha1.Role
		dst  *v1alpha1.Caller
	}{
		{"root", v1alpha1.RoleAdmin, &h.admin},
		{"alice", v1alpha1.RoleUser, &h.alice},
		{"bob", v1alpha1.RoleUser, &h.bob},
	} {
		user, err := st.CreateUser(ctx, u.name, u.role)
		if err != nil {
			t.Fatalf("CreateUser(%s) error: %v", u.name, err)
		}
		*u.dst = v1alpha1.CallerFor(user)
	}

	deps := Deps{
		Connect:  h.hv.connector(),
		Store:    st,
		Locker:   lock.NewLocal(),
		Media:    table,
		Disks:    &fakeDisks{},
		Reporter: h.reporter,
		Observer: h.observer,
		Logger:   zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.svc, err = New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return h
}

func (h *harness) create(t *testing.T, caller v1alpha1.Caller, name string) {
	t.Helper()
	if _, err := h.svc.Create(context.Background(), caller, v1alpha1.CreateRequest{Name: name}); err != nil {
		t.Fatalf("Create(%s) error: %v", name, err)
	}
}

// recreate replaces name's record and domain with fresh ones owned by owner,
// bypassing the service.
func (h *harness) recreate(t *testing.T, name string, owner v1alpha1.Caller) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.DeleteVM(ctx, name); err != nil {
		t.Fatalf("DeleteVM(%s) error: %v", name, err)
	}
	h.hv.removeDomain(name)

	rec := &v1alpha1.VMRecord{
		ID:      "7d0c9b1e-5b7a-4c1f-9e0a-3f2d6b8c4a10",
		Name:    name,
		OwnerID: owner.ID,
		RAMMB:   1024,
		VCPUs:   1,
		DiskGB:  10,
		OSType:  v1alpha1.OSUbuntu,
	}
	if err := h.store.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM(%s) error: %v", name, err)
	}
	h.hv.addDomain(name, true, nil)
}

func names(views []v1alpha1.VMView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Name)
	}
	return out
}
