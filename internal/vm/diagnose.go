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
)

// Diagnose scans for drift between the record store and the hypervisor,
// reports every finding and returns them sorted by VM name.
//
// For domains without a record the kiln stamp is read back when present so
// the finding can name the original owner.
func (s *Service) Diagnose(ctx context.Context, caller v1alpha1.Caller) (findings []diag.Finding, err error) {
	defer s.observe("diagnose", time.Now(), &err)

	if err := authz.Decide(authz.Request{Caller: caller, Op: authz.OpDiagnose}); err != nil {
		return nil, err
	}

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

	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Name] = true
	}
	defined := make(map[string]bool, len(doms))
	for _, d := range doms {
		defined[d.Name] = true
	}

	for _, rec := range records {
		if defined[rec.Name] {
			continue
		}
		if _, busy := s.inflightFor(rec.Name); busy {
			continue
		}
		// Confirm against fresh reads; a create or delete may have finished
		// between the two listings.
		if !s.recordStillExists(ctx, rec.Name) {
			continue
		}
		if _, err := sess.Lookup(ctx, rec.Name); err == nil {
			continue
		}
		findings = append(findings, diag.NewFinding(diag.OrphanRecord, rec.Name, rec.OwnerName,
			"record exists but the hypervisor has no domain"))
	}

	for _, d := range doms {
		if known[d.Name] {
			continue
		}
		if _, busy := s.inflightFor(d.Name); busy {
			continue
		}
		if _, found, err := s.store.FindVM(ctx, d.Name); err == nil && found {
			continue
		}
		owner, detail := "", "domain exists but has no record"
		stamp, err := sess.Stamp(ctx, d.Name)
		if err != nil {
			s.log.Debug("no kiln stamp on domain", zap.String("vm", d.Name), zap.Error(err))
			detail += "; not provisioned by kiln"
		} else {
			owner = stamp.Owner
			detail += fmt.Sprintf("; provisioned by kiln at %s", stamp.CreatedAt.Format(time.RFC3339))
		}
		findings = append(findings, diag.NewFinding(diag.OrphanDomain, d.Name, owner, detail))
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].VM < findings[j].VM })
	for _, f := range findings {
		s.report(ctx, f)
	}
	return findings, nil
}
