package vm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/authz"
	"github.com/jbweber/kiln/internal/status"
)

// Delete tears a VM down and removes its record.
//
// The record is removed only once the hypervisor confirms the domain is gone,
// either by a successful destroy and undefine or by reporting that no such
// domain exists. Any other failure keeps the record.
func (s *Service) Delete(ctx context.Context, caller v1alpha1.Caller, name string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	rec, err := s.findRecord(ctx, name)
	if err != nil {
		return err
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: authz.OpDelete, OwnerID: rec.OwnerID}); err != nil {
		return err
	}

	unlock, err := s.lockName(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	// The name may have been deleted and re-created by another owner while we
	// waited for the lock.
	if rec, err = s.findRecord(ctx, name); err != nil {
		return err
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: authz.OpDelete, OwnerID: rec.OwnerID}); err != nil {
		return err
	}

	sess, done, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer done()

	s.setInflight(*rec, status.Destroying)
	defer s.clearInflight(name)

	log := s.log.With(zap.String("vm", name))

	// Teardown runs to completion even if the caller gives up.
	bg := context.WithoutCancel(ctx)

	if err := sess.ForceDestroyAndUndefine(bg, name); err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("failed to tear down vm %s, record kept: %w", name, err)
		}
		log.Warn("domain already gone, removing record")
	}

	if err := s.store.DeleteVM(bg, name); err != nil {
		return fmt.Errorf("domain %s removed but its record could not be deleted: %w", name, err)
	}

	log.Info("vm deleted")
	return nil
}
