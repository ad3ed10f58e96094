package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
	"github.com/jbweber/kiln/internal/lock"
	"github.com/jbweber/kiln/internal/status"
	"github.com/jbweber/kiln/internal/store"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Connect Connector
	Store   store.Store
	Locker  lock.Locker
	Media   MediaTable
	Disks   DiskLayout

	// Optional.
	Reporter diag.Reporter
	Observer Observer
	Logger   *zap.Logger

	// Bridge new VMs attach to. Empty uses the gateway default.
	Bridge string
}

// Service is the VM lifecycle orchestrator. It is safe for concurrent use.
type Service struct {
	connect  Connector
	store    store.Store
	locker   lock.Locker
	media    MediaTable
	disks    DiskLayout
	reporter diag.Reporter
	observer Observer
	log      *zap.Logger
	bridge   string

	// inflight holds VMs with an operation in progress, keyed by name.
	// Entries are only written while the name's lock is held.
	inflight sync.Map
}

// pending is an in-flight operation as seen by List.
type pending struct {
	state status.State
	rec   v1alpha1.VMRecord
}

// New returns a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Connect == nil:
		return nil, fmt.Errorf("vm service: connector is required")
	case d.Store == nil:
		return nil, fmt.Errorf("vm service: store is required")
	case d.Locker == nil:
		return nil, fmt.Errorf("vm service: locker is required")
	case d.Media == nil:
		return nil, fmt.Errorf("vm service: media table is required")
	case d.Disks == nil:
		return nil, fmt.Errorf("vm service: disk layout is required")
	}

	s := &Service{
		connect:  d.Connect,
		store:    d.Store,
		locker:   d.Locker,
		media:    d.Media,
		disks:    d.Disks,
		reporter: d.Reporter,
		observer: d.Observer,
		log:      d.Logger,
		bridge:   d.Bridge,
	}
	if s.reporter == nil {
		s.reporter = diag.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

// observe records the outcome of op. Use as: defer s.observe("op", time.Now(), &err).
func (s *Service) observe(op string, start time.Time, errp *error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveOp(op, start, *errp)
}

// session opens a hypervisor session. The returned close func logs failures.
func (s *Service) session(ctx context.Context) (Session, func(), error) {
	sess, err := s.connect(ctx)
	if err != nil {
		if !errors.Is(err, v1alpha1.ErrBackendUnavailable) {
			err = errors.Join(v1alpha1.ErrBackendUnavailable, err)
		}
		return nil, nil, err
	}
	return sess, func() {
		if err := sess.Close(); err != nil {
			s.log.Warn("failed to close hypervisor session", zap.Error(err))
		}
	}, nil
}

// lockName takes the per-name lock. The returned func releases it.
func (s *Service) lockName(ctx context.Context, name string) (func(), error) {
	release, err := s.locker.Lock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to lock vm %s: %w", name, err)
	}
	return func() {
		if err := release(); err != nil {
			s.log.Warn("failed to release vm lock", zap.String("vm", name), zap.Error(err))
		}
	}, nil
}

func (s *Service) setInflight(rec v1alpha1.VMRecord, st status.State) {
	s.inflight.Store(rec.Name, pending{state: st, rec: rec})
}

func (s *Service) clearInflight(name string) {
	s.inflight.Delete(name)
}

func (s *Service) inflightFor(name string) (pending, bool) {
	v, ok := s.inflight.Load(name)
	if !ok {
		return pending{}, false
	}
	return v.(pending), true
}

// report emits a finding. Reporter failures are logged only.
func (s *Service) report(ctx context.Context, f diag.Finding) {
	if err := s.reporter.Report(ctx, f); err != nil {
		s.log.Warn("failed to report drift finding",
			zap.String("kind", string(f.Kind)), zap.String("vm", f.VM), zap.Error(err))
	}
}

// findRecord returns the named record or an error wrapping v1alpha1.ErrNotFound.
func (s *Service) findRecord(ctx context.Context, name string) (*v1alpha1.VMRecord, error) {
	rec, found, err := s.store.FindVM(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up vm %s: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", v1alpha1.ErrNotFound, name)
	}
	return rec, nil
}

// orphanedRecord reports a record whose domain is gone and returns the error
// callers see for it.
func (s *Service) orphanedRecord(ctx context.Context, rec *v1alpha1.VMRecord, cause error) error {
	s.report(ctx, diag.NewFinding(diag.OrphanRecord, rec.Name, rec.OwnerName,
		"record exists but the hypervisor has no domain"))
	return errors.Join(v1alpha1.ErrNotFound, v1alpha1.ErrRecordOrphaned,
		fmt.Errorf("vm %s has no domain: %w", rec.Name, cause))
}
