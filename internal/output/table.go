package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jbweber/vmlease/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// FormatVM formats a single VirtualMachine as a table row.
func (f *TableFormatter) FormatVM(vm *v1alpha1.VirtualMachine) (string, error) {
	return f.FormatVMList([]*v1alpha1.VirtualMachine{vm})
}

// FormatVMList formats a list of VirtualMachines as a table.
func (f *TableFormatter) FormatVMList(vms []*v1alpha1.VirtualMachine) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tOWNER\tIP\tCPU\tMEMORY\tDISK\tOS\tEXPIRES\tAGE")
	}

	for _, vm := range vms {
		status := string(vm.Status)
		if status == "" {
			status = "-"
		}
		if vm.Rebuild != nil && vm.Status == v1alpha1.StatusError {
			status += "(" + string(vm.Rebuild.Stage) + ")"
		}

		ip := "-"
		if len(vm.IPAddresses) > 0 {
			ip = strings.Join(vm.IPAddresses, ",")
		}

		age := "-"
		if !vm.CreatedAt.IsZero() {
			age = formatAge(now.Sub(vm.CreatedAt))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d MiB\t%d GB\t%s\t%s\t%s\n",
			vm.ID, vm.Name, status, vm.UserID, ip,
			vm.Specifications.CPU, vm.Specifications.MemoryMB, vm.Specifications.DiskGB,
			vm.Specifications.OS, formatExpiry(vm.ExpiresAt, now), age)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatExpiry renders the time left on a lease.
func formatExpiry(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "-"
	}
	if !now.Before(expiresAt) {
		return "expired"
	}
	return "in " + formatAge(expiresAt.Sub(now))
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	// weeks up to ~2 months
	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}
