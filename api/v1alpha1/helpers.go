package v1alpha1

const (
	// DefaultRAMMB is the memory size used when a request leaves it unset.
	DefaultRAMMB = 2048
	// DefaultVCPUs is the vCPU count used when a request leaves it unset.
	DefaultVCPUs = 2
	// DefaultDiskGB is the disk size used when a request leaves it unset.
	DefaultDiskGB = 20
	// DefaultOSType is used when a request leaves the OS unset.
	DefaultOSType = OSUbuntu
)

// NewVirtualMachine creates a VirtualMachine manifest with TypeMeta set and
// default resources.
func NewVirtualMachine(name string) *VirtualMachine {
	return &VirtualMachine{
		TypeMeta: TypeMeta{
			APIVersion: APIVersionString(),
			Kind:       VirtualMachineKind,
		},
		ObjectMeta: ObjectMeta{Name: name},
		Spec: VirtualMachineSpec{
			RAMMB:  DefaultRAMMB,
			VCPUs:  DefaultVCPUs,
			DiskGB: DefaultDiskGB,
			OSType: DefaultOSType,
		},
	}
}

// SetDefaultAPIVersion ensures the manifest has apiVersion and kind.
func SetDefaultAPIVersion(vm *VirtualMachine) {
	if vm.APIVersion == "" {
		vm.APIVersion = APIVersionString()
	}
	if vm.Kind == "" {
		vm.Kind = VirtualMachineKind
	}
}

// ApplyDefaults fills zero-valued resource fields of a create request.
func (r *CreateRequest) ApplyDefaults() {
	if r.RAMMB == 0 {
		r.RAMMB = DefaultRAMMB
	}
	if r.VCPUs == 0 {
		r.VCPUs = DefaultVCPUs
	}
	if r.DiskGB == 0 {
		r.DiskGB = DefaultDiskGB
	}
	if r.OSType == "" {
		r.OSType = DefaultOSType
	}
}

// ViewOf builds the view of a record with the given derived status.
func ViewOf(rec *VMRecord, status string) VMView {
	return VMView{
		Name:      rec.Name,
		Status:    status,
		OwnerName: rec.OwnerName,
		RAMMB:     rec.RAMMB,
		VCPUs:     rec.VCPUs,
		DiskGB:    rec.DiskGB,
		OSType:    rec.OSType,
	}
}
