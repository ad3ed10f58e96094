// Package loader provides functions for loading VirtualMachine manifests
// from YAML files.
package loader

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/naming"
)

// LoadFromFile loads a VirtualMachine manifest from a YAML file.
// The file must be in the kiln.cofront.xyz/v1alpha1 format.
func LoadFromFile(path string) (*v1alpha1.VirtualMachine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a VirtualMachine manifest from YAML bytes.
// The YAML must be in the kiln.cofront.xyz/v1alpha1 format.
func LoadFromYAML(data []byte) (*v1alpha1.VirtualMachine, error) {
	var vm v1alpha1.VirtualMachine
	if err := yaml.Unmarshal(data, &vm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if vm.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if vm.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}

	if vm.APIVersion != v1alpha1.APIVersionString() {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", vm.APIVersion, v1alpha1.APIVersionString())
	}
	if vm.Kind != v1alpha1.VirtualMachineKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", vm.Kind, v1alpha1.VirtualMachineKind)
	}

	applyDefaults(&vm)

	if err := validateSpec(&vm); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &vm, nil
}

// SaveToFile saves a VirtualMachine manifest to a YAML file.
func SaveToFile(vm *v1alpha1.VirtualMachine, path string) error {
	v1alpha1.SetDefaultAPIVersion(vm)

	data, err := yaml.Marshal(vm)
	if err != nil {
		return fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// CreateRequest converts a manifest into an orchestrator create request.
// The owner is resolved by the caller from vm.Spec.Owner.
func CreateRequest(vm *v1alpha1.VirtualMachine) v1alpha1.CreateRequest {
	return v1alpha1.CreateRequest{
		Name:   vm.Name,
		RAMMB:  vm.Spec.RAMMB,
		VCPUs:  vm.Spec.VCPUs,
		DiskGB: vm.Spec.DiskGB,
		OSType: vm.Spec.OSType,
	}
}

// applyDefaults sets default values for optional fields.
func applyDefaults(vm *v1alpha1.VirtualMachine) {
	if vm.Spec.RAMMB == 0 {
		vm.Spec.RAMMB = v1alpha1.DefaultRAMMB
	}
	if vm.Spec.VCPUs == 0 {
		vm.Spec.VCPUs = v1alpha1.DefaultVCPUs
	}
	if vm.Spec.DiskGB == 0 {
		vm.Spec.DiskGB = v1alpha1.DefaultDiskGB
	}
	if vm.Spec.OSType == "" {
		vm.Spec.OSType = v1alpha1.DefaultOSType
	}

	// Normalize name and OS type to lowercase
	vm.Name = strings.ToLower(vm.Name)
	vm.Spec.OSType = v1alpha1.OSType(strings.ToLower(string(vm.Spec.OSType)))
}

// validateSpec validates the manifest for required fields and consistency.
func validateSpec(vm *v1alpha1.VirtualMachine) error {
	if vm.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if err := naming.ValidateVMName(vm.Name); err != nil {
		return fmt.Errorf("metadata.name: %w", err)
	}

	if vm.Spec.RAMMB <= 0 {
		return fmt.Errorf("spec.ramMB must be greater than 0")
	}
	if vm.Spec.VCPUs <= 0 {
		return fmt.Errorf("spec.vcpus must be greater than 0")
	}
	if vm.Spec.DiskGB <= 0 {
		return fmt.Errorf("spec.diskGB must be greater than 0")
	}

	return nil
}
