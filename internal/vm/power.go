package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/authz"
)

// SetPower boots or gracefully shuts down a VM.
//
// A VM already in the desired state returns an error wrapping
// v1alpha1.ErrAlreadyInState; callers may treat it as success. The record is
// never modified.
func (s *Service) SetPower(ctx context.Context, caller v1alpha1.Caller, name string, desired v1alpha1.PowerState) (err error) {
	op := authz.OpStart
	if desired == v1alpha1.PowerStopped {
		op = authz.OpStop
	} else if desired != v1alpha1.PowerRunning {
		return fmt.Errorf("%w: unknown power state %q", v1alpha1.ErrInvalidRequest, desired)
	}
	defer s.observe(string(op), time.Now(), &err)

	rec, err := s.findRecord(ctx, name)
	if err != nil {
		return err
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: op, OwnerID: rec.OwnerID}); err != nil {
		return err
	}

	unlock, err := s.lockName(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	// The record may have been deleted, or re-created by another owner, while
	// we waited for the lock.
	if rec, err = s.findRecord(ctx, name); err != nil {
		return err
	}
	if err := authz.Decide(authz.Request{Caller: caller, Op: op, OwnerID: rec.OwnerID}); err != nil {
		return err
	}

	sess, done, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer done()

	if desired == v1alpha1.PowerRunning {
		err = sess.Start(ctx, name)
	} else {
		err = sess.Stop(ctx, name)
	}

	switch {
	case err == nil:
		s.log.Info("vm power state changed", zap.String("vm", name), zap.String("state", string(desired)))
		return nil
	case errors.Is(err, v1alpha1.ErrInvalidState):
		return fmt.Errorf("%w: vm %s is already %s", v1alpha1.ErrAlreadyInState, name, desired)
	case isNotFound(err):
		return s.orphanedRecord(ctx, rec, err)
	default:
		return fmt.Errorf("failed to %s vm %s: %w", op, name, err)
	}
}
