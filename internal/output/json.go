package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatVM formats a single VM as JSON.
func (f *JSONFormatter) FormatVM(vm v1alpha1.VMView) (string, error) {
	return marshalJSON(vm, "VM")
}

// FormatVMList formats a list of VMs as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []v1alpha1.VMView) (string, error) {
	if len(vms) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(vms, "VMs")
}

// FormatUserList formats users as a JSON array.
func (f *JSONFormatter) FormatUserList(users []v1alpha1.User) (string, error) {
	if len(users) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(users, "users")
}

// FormatFindings formats drift findings as a JSON array.
func (f *JSONFormatter) FormatFindings(findings []diag.Finding) (string, error) {
	if len(findings) == 0 {
		return "[]\n", nil
	}
	return marshalJSON(findings, "findings")
}

// FormatVMListAsItems formats a list of VMs as a JSON object with items array.
// This mimics Kubernetes List format:
//
//	{
//	  "apiVersion": "kiln.cofront.xyz/v1alpha1",
//	  "kind": "VirtualMachineList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatVMListAsItems(vms []v1alpha1.VMView) (string, error) {
	if vms == nil {
		vms = []v1alpha1.VMView{}
	}
	wrapper := map[string]interface{}{
		"apiVersion": v1alpha1.APIVersionString(),
		"kind":       "VirtualMachineList",
		"items":      vms,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}

	return buf.String(), nil
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
