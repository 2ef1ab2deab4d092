package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/client"
	"github.com/jbweber/vmlease/internal/output"
)

func newClient() (*client.Client, error) {
	return client.New(serverURL, userID, asAdmin)
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

func printVM(vm *v1alpha1.VirtualMachine) error {
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	result, err := formatter.FormatVM(vm)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}

func printVMs(vms []*v1alpha1.VirtualMachine, empty string) error {
	if f, _ := output.ParseFormat(outputFormat); len(vms) == 0 && f == output.FormatTable {
		fmt.Println(empty)
		return nil
	}
	formatter, err := newFormatter()
	if err != nil {
		return err
	}
	result, err := formatter.FormatVMList(vms)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}

// vmCommand builds a command that runs one VM operation and prints the
// resulting record.
func vmCommand(use, short, long string, args cobra.PositionalArgs, run func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := output.ParseFormat(outputFormat); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			vm, err := run(cmd.Context(), c, args)
			if err != nil {
				return err
			}
			return printVM(vm)
		},
	}
}

var provisionCmd = vmCommand("provision <order-id>",
	"Provision the VM for a paid order",
	`Create the virtual machine for a paid order and wait until it is running.

Each order gets at most one VM. CPU, memory, disk and OS come from the order's
service configuration, completed with the configured defaults.`,
	cobra.ExactArgs(1),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		fmt.Printf("Provisioning VM for order %s...\n", args[0])
		return c.Provision(ctx, args[0])
	})

var getCmd = vmCommand("get <vm-id>",
	"Get details about a VM",
	`Get detailed information about a specific virtual machine.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   Full YAML resource definition
  -o json   Full JSON resource definition`,
	cobra.ExactArgs(1),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		return c.Get(ctx, args[0])
	})

var powerCmd = vmCommand("power <vm-id> <action>",
	"Change a VM's power state",
	`Apply a power action to a virtual machine.

Actions: powerOn, powerOff, restart, suspend (also on, off, reboot).
Expired leases only accept powerOff and suspend unless --admin is set.`,
	cobra.ExactArgs(2),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		action := parseAction(args[1])
		fmt.Printf("Applying %s to VM %s...\n", action, args[0])
		return c.Power(ctx, args[0], action)
	})

var rebuildCmd = vmCommand("rebuild <vm-id> <os>",
	"Reinstall a VM with a new operating system",
	`Destroy the VM's remote object and create a new one with the given OS.

The record, its id and its lease are kept. If creation fails after the old
object was destroyed the VM moves to error; an admin can resume with retry.`,
	cobra.ExactArgs(2),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		fmt.Printf("Rebuilding VM %s with %s...\n", args[0], args[1])
		return c.Rebuild(ctx, args[0], args[1])
	})

var retryCmd = vmCommand("retry <vm-id>",
	"Retry a failed provision or rebuild (admin)",
	`Resume a VM in error state: re-run creation for a failed provision, or
continue a journaled rebuild from the stage it stopped at.`,
	cobra.ExactArgs(1),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		fmt.Printf("Retrying VM %s...\n", args[0])
		return c.Retry(ctx, args[0])
	})

var bandwidthCmd = vmCommand("bandwidth <vm-id> <bytes>",
	"Add to a VM's bandwidth usage",
	`Add a non-negative number of bytes to the VM's bandwidth counter.`,
	cobra.ExactArgs(2),
	func(ctx context.Context, c *client.Client, args []string) (*v1alpha1.VirtualMachine, error) {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid byte count %q: %w", args[1], err)
		}
		return c.RecordBandwidth(ctx, args[0], n)
	})

// parseAction accepts the wire names and a few short aliases.
func parseAction(s string) v1alpha1.Action {
	switch strings.ToLower(s) {
	case "on", "start", "poweron":
		return v1alpha1.ActionPowerOn
	case "off", "stop", "poweroff":
		return v1alpha1.ActionPowerOff
	case "reboot", "restart":
		return v1alpha1.ActionRestart
	case "suspend":
		return v1alpha1.ActionSuspend
	}
	return v1alpha1.Action(s)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List your virtual machines, or every VM with --admin.

Shows VM id, name, status, owner, address, resources and lease expiry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		vms, err := c.List(cmd.Context())
		if err != nil {
			return err
		}
		return printVMs(vms, "No VMs found")
	},
}

var listExpiredCmd = &cobra.Command{
	Use:   "list-expired",
	Short: "List VMs whose lease has ended (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		vms, err := c.ListExpired(cmd.Context())
		if err != nil {
			return err
		}
		return printVMs(vms, "No expired VMs")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <vm-id>",
	Short: "Delete a VM (admin)",
	Long: `Delete a virtual machine.

This will:
- Power off and destroy the remote object, if one exists
- Mark the record deleted`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		fmt.Printf("Deleting VM %s...\n", args[0])
		if err := c.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s deleted\n", args[0])
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Suspend every expired VM now (admin)",
	Long: `Run one expiry sweep on the server: every powered VM whose lease has
ended is suspended. The server also sweeps on its own schedule.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range res.Suspended {
			fmt.Printf("✓ Suspended %s\n", id)
		}
		fmt.Printf("\nSuspended: %d, skipped: %d, failed: %d\n", len(res.Suspended), res.Skipped, res.Failed)
		if res.Failed > 0 {
			return fmt.Errorf("%d VM(s) could not be suspended", res.Failed)
		}
		return nil
	},
}
