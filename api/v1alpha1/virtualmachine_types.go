package v1alpha1

import (
	"fmt"
	"time"
)

// OSType identifies the guest operating system of a VM. It selects the
// install media and the libosinfo variant hint.
type OSType string

const (
	// OSUbuntu installs Ubuntu 22.04.
	OSUbuntu OSType = "ubuntu"
	// OSDebian installs Debian 12.
	OSDebian OSType = "debian"
)

// PowerState is the desired power state of a SetPower request.
type PowerState string

const (
	// PowerRunning boots the domain.
	PowerRunning PowerState = "running"
	// PowerStopped gracefully shuts the domain down.
	PowerStopped PowerState = "stopped"
)

// ParsePowerState converts a string to a PowerState.
func ParsePowerState(s string) (PowerState, error) {
	switch PowerState(s) {
	case PowerRunning, PowerStopped:
		return PowerState(s), nil
	default:
		return "", fmt.Errorf("%w: unknown power state %q (valid: running, stopped)", ErrInvalidRequest, s)
	}
}

// VMRecord is the persisted ownership and resource metadata of a VM.
//
// It never carries a lifecycle status: status is derived from the
// hypervisor on every read.
type VMRecord struct {
	// ID is a UUID assigned at creation. It is also used as the domain UUID.
	ID string `json:"id" yaml:"id"`

	// Name is unique across the store and is the libvirt domain name.
	Name string `json:"name" yaml:"name"`

	// OwnerID references the owning User. Required; never changes.
	OwnerID int64 `json:"ownerId" yaml:"ownerId"`

	// OwnerName is filled on reads by joining users. It is not stored on the record.
	OwnerName string `json:"ownerName,omitempty" yaml:"ownerName,omitempty"`

	RAMMB  int    `json:"ramMB" yaml:"ramMB"`
	VCPUs  int    `json:"vcpus" yaml:"vcpus"`
	DiskGB int    `json:"diskGB" yaml:"diskGB"`
	OSType OSType `json:"osType" yaml:"osType"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// VMView is what the presentation layer renders for one VM.
type VMView struct {
	Name      string `json:"name" yaml:"name"`
	Status    string `json:"status" yaml:"status"`
	OwnerName string `json:"owner" yaml:"owner"`
	RAMMB     int    `json:"ramMB" yaml:"ramMB"`
	VCPUs     int    `json:"vcpus" yaml:"vcpus"`
	DiskGB    int    `json:"diskGB" yaml:"diskGB"`
	OSType    OSType `json:"osType" yaml:"osType"`
}

// CreateRequest is the input of the orchestrator's Create operation.
type CreateRequest struct {
	Name   string
	RAMMB  int
	VCPUs  int
	DiskGB int
	OSType OSType

	// OwnerID optionally names the owner. Only admins may name someone else.
	OwnerID *int64
}

// VirtualMachine is the manifest format accepted by `kiln vm create -f`.
type VirtualMachine struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec VirtualMachineSpec `json:"spec" yaml:"spec"`
}

// VirtualMachineSpec is the requested shape of a VM.
type VirtualMachineSpec struct {
	// RAMMB is the memory size in MiB.
	RAMMB int `json:"ramMB" yaml:"ramMB"`

	// VCPUs is the number of virtual CPUs.
	VCPUs int `json:"vcpus" yaml:"vcpus"`

	// DiskGB is the boot disk size in GiB.
	DiskGB int `json:"diskGB" yaml:"diskGB"`

	// OSType selects the install media. Unknown values fall back to ubuntu.
	OSType OSType `json:"osType,omitempty" yaml:"osType,omitempty"`

	// Owner is an optional username to create the VM for (admin only).
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
}
