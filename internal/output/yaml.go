package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// YAMLFormatter renders records as manifests carrying apiVersion and
// kind, indented by two spaces.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	return encodeYAML([]*v1alpha1.VirtualMachine{prepare(vm)})
}

// FormatVMList writes one document per record. An empty listing is empty
// output rather than an empty document.
func (f *YAMLFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	return encodeYAML(prepareAll(vms))
}

func encodeYAML(vms []*v1alpha1.VirtualMachine) (string, error) {
	if len(vms) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, vm := range vms {
		if err := enc.Encode(vm); err != nil {
			return "", fmt.Errorf("failed to encode vm %s as yaml: %w", vm.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to finish yaml stream: %w", err)
	}
	return buf.String(), nil
}
