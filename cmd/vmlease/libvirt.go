package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmlease/internal/config"
	"github.com/jbweber/vmlease/internal/libvirt"
	"github.com/jbweber/vmlease/internal/storage"
)

// withLibvirt loads the config, connects to the configured daemon and runs
// fn with a storage manager over the vmlease pools.
func withLibvirt(ctx context.Context, fn func(cfg *config.Config, client *libvirt.Client, mgr *storage.Manager) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Gateway.Driver != config.DriverLibvirt {
		return fmt.Errorf("gateway.driver is %q, this command needs %q", cfg.Gateway.Driver, config.DriverLibvirt)
	}

	client, err := libvirt.ConnectWithContext(ctx, cfg.Gateway.Socket, cfg.Gateway.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
		}
	}()

	mgr := storage.NewManager(client.Libvirt(), storage.Pools{
		Images:     cfg.Gateway.ImagePool,
		ImagesPath: cfg.Gateway.ImagesPath,
		VMs:        cfg.Gateway.Datastore,
		VMsPath:    cfg.Gateway.VMsPath,
	})
	return fn(cfg, client, mgr)
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long: `Test connectivity to the libvirt daemon and check that the configured
placement entities exist.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Testing libvirt connection...")
		return withLibvirt(cmd.Context(), func(cfg *config.Config, client *libvirt.Client, mgr *storage.Manager) error {
			fmt.Println("✓ Connected to libvirt daemon")

			version, err := client.Ping()
			if err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			// libvirt reports 8006000 for 8.6.0
			major := version / 1000000
			minor := (version % 1000000) / 1000
			patch := version % 1000
			fmt.Printf("✓ Libvirt version: %d.%d.%d\n", major, minor, patch)

			hostname, err := client.Libvirt().ConnectGetHostname()
			if err != nil {
				return fmt.Errorf("failed to get hostname: %w", err)
			}
			fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)

			if _, err := client.Libvirt().NetworkLookupByName(cfg.Gateway.Network); err != nil {
				return fmt.Errorf("network %s not found: %w", cfg.Gateway.Network, err)
			}
			fmt.Printf("✓ Network: %s\n", cfg.Gateway.Network)

			for _, name := range []string{cfg.Gateway.ImagePool, cfg.Gateway.Datastore} {
				info, err := mgr.GetPoolInfo(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("%w (run \"vmlease pool ensure\")", err)
				}
				fmt.Printf("✓ Pool %s: %s, %.1fGB available\n", info.Name, info.State, info.AvailableGB())
			}

			fmt.Println("\nConnection test successful!")
			return nil
		})
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage the vmlease storage pools",
	Long: `vmlease keeps base OS images in the image pool (gateway.image_pool) and VM
disks in the datastore pool (gateway.datastore).`,
}

func init() {
	poolCmd.AddCommand(poolEnsureCmd)
}

var poolEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the image and datastore pools if missing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLibvirt(cmd.Context(), func(cfg *config.Config, _ *libvirt.Client, mgr *storage.Manager) error {
			if err := mgr.EnsurePools(cmd.Context()); err != nil {
				return err
			}
			pools := mgr.Pools()
			fmt.Printf("✓ Pool %s at %s\n", pools.Images, pools.ImagesPath)
			fmt.Printf("✓ Pool %s at %s\n", pools.VMs, pools.VMsPath)
			return nil
		})
	},
}

// Image management commands
var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage base images",
	Long: `Manage base OS images in the image pool.

Base images are used as backing files for VM boot disks. The catalogue in
the config maps an OS id to an image name in this pool.`,
}

func init() {
	imageCmd.AddCommand(imageImportCmd)
	imageCmd.AddCommand(imageListCmd)
	imageCmd.AddCommand(imageDeleteCmd)
}

var imageImportCmd = &cobra.Command{
	Use:   "import <source-path> <name>",
	Short: "Import an image into the image pool",
	Long: `Import a base OS image from a local file into the image pool.

The format is detected from the file content and the matching extension is
added to the name.

Example:
  vmlease image import /path/to/ubuntu-22.04.qcow2 ubuntu-22`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourcePath, imageName := args[0], args[1]
		fmt.Printf("Importing image from %s as %s...\n", sourcePath, imageName)

		return withLibvirt(cmd.Context(), func(_ *config.Config, _ *libvirt.Client, mgr *storage.Manager) error {
			if err := mgr.EnsurePools(cmd.Context()); err != nil {
				return fmt.Errorf("failed to ensure pools: %w", err)
			}
			name, err := mgr.ImportImage(cmd.Context(), sourcePath, imageName)
			if err != nil {
				return fmt.Errorf("failed to import image: %w", err)
			}
			fmt.Printf("✓ Image %s imported successfully\n", name)
			return nil
		})
	},
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List images in the image pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLibvirt(cmd.Context(), func(cfg *config.Config, _ *libvirt.Client, mgr *storage.Manager) error {
			images, err := mgr.ListImages(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list images: %w", err)
			}
			if len(images) == 0 {
				fmt.Printf("No images found in %s pool\n", mgr.Pools().Images)
				return nil
			}

			usedBy := make(map[string][]string)
			for osID, image := range cfg.Catalogue {
				usedBy[image] = append(usedBy[image], osID)
			}

			fmt.Printf("%-30s %10s  %-20s %s\n", "NAME", "SIZE", "OS", "PATH")
			fmt.Println(strings.Repeat("-", 100))
			for _, img := range images {
				slices.Sort(usedBy[img.Name])
				osIDs := strings.Join(usedBy[img.Name], ",")
				if osIDs == "" {
					osIDs = "-"
				}
				fmt.Printf("%-30s %8.1fGB  %-20s %s\n", img.Name, img.CapacityGB(), osIDs, img.Path)
			}
			fmt.Printf("\nTotal: %d image(s)\n", len(images))
			return nil
		})
	},
}

var imageDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an image from the image pool",
	Long: `Delete a base OS image from the image pool.

Warning: VMs whose boot disk is backed by this image become unusable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imageName := args[0]
		fmt.Printf("Deleting image %s...\n", imageName)

		return withLibvirt(cmd.Context(), func(_ *config.Config, _ *libvirt.Client, mgr *storage.Manager) error {
			exists, err := mgr.ImageExists(cmd.Context(), imageName)
			if err != nil {
				return fmt.Errorf("failed to check if image exists: %w", err)
			}
			if !exists {
				return fmt.Errorf("image %s not found", imageName)
			}
			if err := mgr.DeleteImage(cmd.Context(), imageName); err != nil {
				return fmt.Errorf("failed to delete image: %w", err)
			}
			fmt.Printf("✓ Image %s deleted successfully\n", imageName)
			return nil
		})
	},
}
