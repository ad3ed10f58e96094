package vm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/authz"
	"github.com/jbweber/kiln/internal/diag"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/status"
)

// snapshot is one joined read of the store and the hypervisor.
type snapshot struct {
	records []v1alpha1.VMRecord
	domains map[string]kilnlibvirt.DomainInfo
}

func (s *Service) snapshot(ctx context.Context) (*snapshot, error) {
	records, err := s.store.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list vm records: %w", err)
	}

	sess, done, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	doms, err := sess.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	snap := &snapshot{records: records, domains: make(map[string]kilnlibvirt.DomainInfo, len(doms))}
	for _, d := range doms {
		snap.domains[d.Name] = d
	}
	return snap, nil
}

// statusOf derives the status of a record. In-flight operations win over the
// hypervisor's view.
func (s *Service) statusOf(rec *v1alpha1.VMRecord, dom kilnlibvirt.DomainInfo, defined bool) status.State {
	if p, ok := s.inflightFor(rec.Name); ok {
		return p.state
	}
	if !defined {
		return status.Missing
	}
	return status.FromDomain(dom.Active)
}

// recordStillExists re-reads name from the store. Store errors count as
// present so a failing store never hides a record.
func (s *Service) recordStillExists(ctx context.Context, name string) bool {
	_, found, err := s.store.FindVM(ctx, name)
	if err != nil {
		s.log.Warn("failed to re-read vm record", zap.String("vm", name), zap.Error(err))
		return true
	}
	return found
}

// List returns the VMs visible to caller, sorted by name.
//
// Domains without a record are never listed. They and records without a
// domain are reported to the drift channel.
func (s *Service) List(ctx context.Context, caller v1alpha1.Caller) (views []v1alpha1.VMView, err error) {
	defer s.observe("list", time.Now(), &err)

	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	seen := make(map[string]bool, len(snap.records))
	views = []v1alpha1.VMView{}

	for i := range snap.records {
		rec := &snap.records[i]
		seen[rec.Name] = true

		dom, defined := snap.domains[rec.Name]
		st := s.statusOf(rec, dom, defined)
		if st == status.Missing {
			// A delete may have finished between the two reads.
			if !s.recordStillExists(ctx, rec.Name) {
				continue
			}
			s.report(ctx, diag.NewFinding(diag.OrphanRecord, rec.Name, rec.OwnerName,
				"record exists but the hypervisor has no domain"))
		}
		counts[string(st)]++

		if !authz.Allowed(authz.Request{Caller: caller, Op: authz.OpView, OwnerID: rec.OwnerID}) {
			continue
		}
		views = append(views, v1alpha1.ViewOf(rec, string(st)))
	}

	// VMs still being defined have no record yet.
	s.inflight.Range(func(key, value any) bool {
		p := value.(pending)
		if seen[p.rec.Name] {
			return true
		}
		seen[p.rec.Name] = true
		counts[string(p.state)]++
		if authz.Allowed(authz.Request{Caller: caller, Op: authz.OpView, OwnerID: p.rec.OwnerID}) {
			views = append(views, v1alpha1.ViewOf(&p.rec, string(p.state)))
		}
		return true
	})

	for name, dom := range snap.domains {
		if seen[name] {
			continue
		}
		// A create may have committed its record after the store was read.
		rec, found, err := s.store.FindVM(ctx, name)
		switch {
		case err != nil:
			s.log.Warn("failed to confirm orphan domain", zap.String("vm", name), zap.Error(err))
		case found:
			st := s.statusOf(rec, dom, true)
			counts[string(st)]++
			if authz.Allowed(authz.Request{Caller: caller, Op: authz.OpView, OwnerID: rec.OwnerID}) {
				views = append(views, v1alpha1.ViewOf(rec, string(st)))
			}
		default:
			if _, busy := s.inflightFor(name); busy {
				continue
			}
			s.report(ctx, diag.NewFinding(diag.OrphanDomain, name, "",
				"domain exists but has no record"))
		}
	}

	if s.observer != nil {
		s.observer.SetVMCounts(counts)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views, nil
}

// Get returns one VM's view.
func (s *Service) Get(ctx context.Context, caller v1alpha1.Caller, name string) (view *v1alpha1.VMView, err error) {
	defer s.observe("get", time.Now(), &err)

	rec, err := s.findRecord(ctx, name)
	if err != nil {
		if p, ok := s.inflightFor(name); ok && authz.Allowed(authz.Request{Caller: caller, Op: authz.OpView, OwnerID: p.rec.OwnerID}) {
			v := v1alpha1.ViewOf(&p.rec, string(p.state))
			return &v, nil
		}
		return nil, err
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: authz.OpView, OwnerID: rec.OwnerID}); err != nil {
		return nil, err
	}

	sess, done, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	dom, err := sess.Lookup(ctx, name)
	defined := true
	if err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to look up domain %s: %w", name, err)
		}
		defined = false
	}

	st := s.statusOf(rec, dom, defined)
	if st == status.Missing {
		if !s.recordStillExists(ctx, name) {
			return nil, fmt.Errorf("%w: %s", v1alpha1.ErrNotFound, name)
		}
		s.report(ctx, diag.NewFinding(diag.OrphanRecord, rec.Name, rec.OwnerName,
			"record exists but the hypervisor has no domain"))
	}
	v := v1alpha1.ViewOf(rec, string(st))
	return &v, nil
}
