// Package output renders lease records for the vmlease CLI.
package output

import (
	"fmt"
	"strings"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// Format names a rendering selected with -o.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

var formats = []Format{FormatTable, FormatYAML, FormatJSON}

// Formatter renders one lease record or a listing of them.
type Formatter interface {
	FormatVM(vm *v1alpha1.VirtualMachine) (string, error)
	FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error)
}

// Options selects the rendering. NoHeaders only affects tables.
type Options struct {
	Format    Format
	NoHeaders bool
}

// ParseFormat resolves a -o value. Case is ignored and "yml" is accepted
// for YAML.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "yml" {
		f = FormatYAML
	}
	for _, known := range formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q (want one of %s)", s, supported())
}

// NewFormatter returns the formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	f, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	}
}

func supported() string {
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}

// prepare returns a copy of vm with TypeMeta filled in. Callers' records
// are never modified.
func prepare(vm *v1alpha1.VirtualMachine) *v1alpha1.VirtualMachine {
	out := vm.DeepCopy()
	v1alpha1.SetDefaultAPIVersion(out)
	return out
}

func prepareAll(vms []*v1alpha1.VirtualMachine) []*v1alpha1.VirtualMachine {
	if len(vms) == 0 {
		return nil
	}
	out := make([]*v1alpha1.VirtualMachine, len(vms))
	for i, vm := range vms {
		out[i] = prepare(vm)
	}
	return out
}
