// Package authz decides whether a caller may perform an operation on a VM.
//
// Rules are evaluated in order and the first match wins:
//
//  1. admins may do anything
//  2. users may create VMs for themselves
//  3. users may view, start, stop and delete VMs they own
//  4. everything else is forbidden
//
// No rule depends on VM state.
package authz

import (
	"errors"
	"fmt"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// Op is an operation subject to authorization.
type Op string

const (
	OpCreate Op = "create"
	OpView   Op = "view"
	OpStart  Op = "start"
	OpStop   Op = "stop"
	OpDelete Op = "delete"

	// OpDiagnose covers host-wide drift scans.
	OpDiagnose Op = "diagnose"
)

// Request is the subject of a decision.
type Request struct {
	Caller v1alpha1.Caller
	Op     Op

	// OwnerID is the VM's owner, or for OpCreate the intended owner.
	OwnerID int64
}

// Decide returns nil when the request is allowed and an error wrapping
// v1alpha1.ErrForbidden otherwise. The error never names the owner.
func Decide(req Request) error {
	switch {
	case req.Caller.IsAdmin():
		return nil
	case req.Caller.Role != v1alpha1.RoleUser:
		return forbidden(req.Op)
	}

	switch req.Op {
	case OpCreate, OpView, OpStart, OpStop, OpDelete:
		if req.OwnerID == req.Caller.ID {
			return nil
		}
	}

	return forbidden(req.Op)
}

// Allowed is Decide as a boolean.
func Allowed(req Request) bool {
	return Decide(req) == nil
}

func forbidden(op Op) error {
	return errors.Join(v1alpha1.ErrForbidden, fmt.Errorf("not allowed to %s this vm", op))
}
