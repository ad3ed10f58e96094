// Package vm is the VM lifecycle orchestrator.
//
// A Service keeps the record store and the hypervisor consistent and enforces
// who may act on which VM. Every operation:
//
//  1. authorizes the caller against the stored owner
//  2. takes the per-name lock for the whole store and hypervisor sequence
//  3. opens its own hypervisor session and closes it before returning
//
// Records are written only after the domain is defined and booted, and
// removed only after the domain is destroyed and undefined (or confirmed
// gone). Status is never stored: it is derived from the hypervisor on every
// read, except while an operation is in flight, when the VM shows as
// "defining" or "destroying".
//
// Once provisioning or teardown reaches the hypervisor it is not cancelled:
// those steps run on a context detached from the caller's.
//
// Drift (domains without records, records without domains) is reported to a
// diag.Reporter and never repaired automatically.
package vm
