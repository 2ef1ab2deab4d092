package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// VirtualMachineListKind is the kind of the wrapped list document.
const VirtualMachineListKind = "VirtualMachineList"

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatVM formats a single VirtualMachine as JSON.
func (f *JSONFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	data, err := json.MarshalIndent(prepare(vm), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VM to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVMList formats a list of VirtualMachines as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	if len(vms) == 0 {
		return "[]\n", nil
	}

	data, err := json.MarshalIndent(prepareAll(vms), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal VMs to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVMListAsItems wraps the list in a typed object:
//
//	{
//	  "apiVersion": "vmlease.cofront.xyz/v1alpha1",
//	  "kind": "VirtualMachineList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatVMListAsItems(vms []*v1alpha1.VirtualMachine) (string, error) {
	items := prepareAll(vms)
	if items == nil {
		items = []*v1alpha1.VirtualMachine{}
	}
	wrapper := map[string]any{
		"apiVersion": v1alpha1.GroupName + "/" + v1alpha1.Version,
		"kind":       VirtualMachineListKind,
		"items":      items,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal VM list to JSON: %w", err)
	}
	return buf.String(), nil
}
