// Package v1alpha1 contains the API types for kiln.cofront.xyz/v1alpha1.
//
// It holds the persisted record shapes (users and VM records), the views
// handed to the presentation layer, the VM manifest format accepted by
// `kiln vm create -f`, and the error taxonomy shared by every layer.
package v1alpha1

const (
	// GroupName is the API group for kiln resources.
	GroupName = "kiln.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// VirtualMachineKind is the kind string for VirtualMachine manifests.
	VirtualMachineKind = "VirtualMachine"
)

// TypeMeta describes an individual object's type and API version.
type TypeMeta struct {
	// Kind is the resource type, e.g. "VirtualMachine".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// APIVersion is the versioned schema of this object, e.g. "kiln.cofront.xyz/v1alpha1".
	APIVersion string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
}

// ObjectMeta is the metadata carried by a manifest.
type ObjectMeta struct {
	// Name is the VM name. It is also the libvirt domain name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Labels are free-form key/value pairs. They are not persisted.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// APIVersionString returns the fully qualified apiVersion for this package.
func APIVersionString() string {
	return GroupName + "/" + Version
}
