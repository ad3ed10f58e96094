package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatVM formats a single VM as YAML.
func (f *YAMLFormatter) FormatVM(vm v1alpha1.VMView) (string, error) {
	data, err := yaml.Marshal(vm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to YAML: %w", err)
	}

	return string(data), nil
}

// FormatVMList formats a list of VMs as YAML.
// Outputs as a YAML stream (multiple documents separated by ---).
func (f *YAMLFormatter) FormatVMList(vms []v1alpha1.VMView) (string, error) {
	if len(vms) == 0 {
		return "", nil
	}

	var buf bytes.Buffer

	for i, vm := range vms {
		data, err := yaml.Marshal(vm)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %s to YAML: %w", vm.Name, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}

		buf.Write(data)
	}

	return buf.String(), nil
}

// FormatUserList formats users as a YAML sequence.
func (f *YAMLFormatter) FormatUserList(users []v1alpha1.User) (string, error) {
	if len(users) == 0 {
		return "", nil
	}
	data, err := yaml.Marshal(users)
	if err != nil {
		return "", fmt.Errorf("failed to marshal users to YAML: %w", err)
	}
	return string(data), nil
}

// FormatFindings formats drift findings as a YAML sequence.
func (f *YAMLFormatter) FormatFindings(findings []diag.Finding) (string, error) {
	if len(findings) == 0 {
		return "", nil
	}
	data, err := yaml.Marshal(findings)
	if err != nil {
		return "", fmt.Errorf("failed to marshal findings to YAML: %w", err)
	}
	return string(data), nil
}
