package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/authz"
	"github.com/jbweber/kiln/internal/diag"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/metadata"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/status"
)

// Create provisions a VM and records it.
//
// The process:
//  1. Validate the request and authorize the intended owner
//  2. Take the name's lock
//  3. Reject names known to the store or the hypervisor
//  4. Create the disk, define and boot the domain
//  5. Persist the record
//
// Nothing is persisted unless the domain booted. If persisting fails the new
// domain is torn down again, best-effort.
func (s *Service) Create(ctx context.Context, caller v1alpha1.Caller, req v1alpha1.CreateRequest) (view *v1alpha1.VMView, err error) {
	defer s.observe("create", time.Now(), &err)

	req.ApplyDefaults()
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	ownerID := caller.ID
	if req.OwnerID != nil {
		ownerID = *req.OwnerID
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: authz.OpCreate, OwnerID: ownerID}); err != nil {
		return nil, err
	}

	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve owner: %w", err)
	}

	unlock, err := s.lockName(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.log.With(zap.String("vm", req.Name), zap.String("owner", owner.Username))

	if _, found, err := s.store.FindVM(ctx, req.Name); err != nil {
		return nil, fmt.Errorf("failed to look up vm %s: %w", req.Name, err)
	} else if found {
		return nil, fmt.Errorf("%w: %s", v1alpha1.ErrDuplicateName, req.Name)
	}

	sess, done, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	if _, err := sess.Lookup(ctx, req.Name); err == nil {
		s.report(ctx, diag.NewFinding(diag.NameConflict, req.Name, owner.Username,
			"create rejected: a domain with this name exists but has no record"))
		return nil, fmt.Errorf("%w: domain %s already exists on the hypervisor", v1alpha1.ErrDuplicateName, req.Name)
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("failed to check for existing domain %s: %w", req.Name, err)
	}

	if err := s.disks.CheckDiskSpace(req.DiskGB); err != nil {
		return nil, &v1alpha1.ProvisionError{Step: "check disk space", Err: err}
	}

	rec := v1alpha1.VMRecord{
		ID:        uuid.NewString(),
		Name:      req.Name,
		OwnerID:   owner.ID,
		OwnerName: owner.Username,
		RAMMB:     req.RAMMB,
		VCPUs:     req.VCPUs,
		DiskGB:    req.DiskGB,
		OSType:    req.OSType,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.setInflight(rec, status.Defining)
	defer s.clearInflight(req.Name)

	resolved := s.media.Lookup(req.OSType)
	if resolved.Fallback {
		log.Warn("unknown os type, using default install media",
			zap.String("requested", string(req.OSType)), zap.String("using", string(resolved.OSType)))
	}

	spec := kilnlibvirt.DomainSpec{
		Name:             req.Name,
		RAMMB:            req.RAMMB,
		VCPUs:            req.VCPUs,
		DiskPath:         s.disks.DiskPath(req.Name),
		DiskSizeGB:       req.DiskGB,
		InstallMediaPath: resolved.Path,
		OSVariant:        resolved.Variant,
		OSInfoID:         resolved.OSInfoID,
		Bridge:           s.bridge,
		Stamp: metadata.Stamp{
			RecordID:  rec.ID,
			OwnerID:   owner.ID,
			Owner:     owner.Username,
			OSType:    string(req.OSType),
			CreatedAt: rec.CreatedAt,
		},
	}

	// Provisioning is not interrupted by the caller going away.
	bg := context.WithoutCancel(ctx)

	log.Info("provisioning vm",
		zap.Int("ramMB", req.RAMMB), zap.Int("vcpus", req.VCPUs), zap.Int("diskGB", req.DiskGB))
	if err := sess.DefineAndStart(bg, spec); err != nil {
		return nil, err
	}

	if err := s.store.CreateVM(bg, &rec); err != nil {
		log.Error("failed to persist vm record, tearing down domain", zap.Error(err))
		if terr := sess.ForceDestroyAndUndefine(bg, req.Name); terr != nil {
			log.Warn("teardown after failed persist did not complete", zap.Error(terr))
			s.report(bg, diag.NewFinding(diag.OrphanDomain, req.Name, owner.Username,
				"domain left behind after its record could not be persisted"))
		}
		return nil, fmt.Errorf("failed to persist vm %s: %w", req.Name, err)
	}

	log.Info("vm created")
	v := v1alpha1.ViewOf(&rec, string(status.Active))
	return &v, nil
}

func validateCreate(req v1alpha1.CreateRequest) error {
	var errs []error
	if err := naming.ValidateVMName(req.Name); err != nil {
		errs = append(errs, err)
	}
	if req.RAMMB <= 0 {
		errs = append(errs, fmt.Errorf("ram must be > 0 MB, got %d", req.RAMMB))
	}
	if req.VCPUs <= 0 {
		errs = append(errs, fmt.Errorf("vcpus must be > 0, got %d", req.VCPUs))
	}
	if req.DiskGB <= 0 {
		errs = append(errs, fmt.Errorf("disk must be > 0 GB, got %d", req.DiskGB))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{v1alpha1.ErrInvalidRequest}, errs...)...)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, v1alpha1.ErrNotFound)
}
