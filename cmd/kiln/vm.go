package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/loader"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
}

// vm create flags.
var (
	createFile   string
	createRAM    int
	createVCPUs  int
	createDiskGB int
	createOS     string
	createOwner  string
)

func init() {
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmGetCmd)
	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmStopCmd)
	vmCmd.AddCommand(vmDeleteCmd)

	addOutputFlags(vmListCmd)
	addOutputFlags(vmGetCmd)
	addOutputFlags(vmCreateCmd)

	f := vmCreateCmd.Flags()
	f.StringVarP(&createFile, "file", "f", "", "create from a VirtualMachine manifest")
	f.IntVar(&createRAM, "ram", v1alpha1.DefaultRAMMB, "memory in MiB")
	f.IntVar(&createVCPUs, "vcpus", v1alpha1.DefaultVCPUs, "number of vCPUs")
	f.IntVar(&createDiskGB, "disk", v1alpha1.DefaultDiskGB, "boot disk size in GiB")
	f.StringVar(&createOS, "os", string(v1alpha1.DefaultOSType), "guest OS type")
	f.StringVar(&createOwner, "owner", "", "create the VM for another user (admin only)")
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List the VMs you own, or every VM when acting as an admin.

Status is read live from the hypervisor. A VM whose domain has disappeared
is shown as "missing".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			views, err := a.svc.List(ctx, caller)
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}
			out, err := formatter.FormatVMList(views)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(out)
			return nil
		})
	},
}

var vmGetCmd = &cobra.Command{
	Use:   "get <vm-name>",
	Short: "Get details about a VM",
	Long: `Get information about a specific virtual machine.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML
  -o json   JSON`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			view, err := a.svc.Get(ctx, caller, args[0])
			if err != nil {
				return fmt.Errorf("failed to get VM: %w", err)
			}
			out, err := formatter.FormatVM(*view)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(out)
			return nil
		})
	},
}

var vmCreateCmd = &cobra.Command{
	Use:   "create [vm-name]",
	Short: "Create a VM",
	Long: `Create and boot a new virtual machine.

The VM is defined from flags or, with -f, from a VirtualMachine manifest:

  apiVersion: kiln.cofront.xyz/v1alpha1
  kind: VirtualMachine
  metadata:
    name: web
  spec:
    ramMB: 2048
    vcpus: 2
    diskGB: 20
    osType: ubuntu

The install media for the OS type is attached as a CD-ROM and the VM's
console is reachable over VNC.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}

		var (
			req   v1alpha1.CreateRequest
			owner = createOwner
		)
		switch {
		case createFile != "" && len(args) > 0:
			return fmt.Errorf("%w: give either a VM name or -f, not both", v1alpha1.ErrInvalidRequest)
		case createFile != "":
			manifest, err := loader.LoadFromFile(createFile)
			if err != nil {
				return errors.Join(v1alpha1.ErrInvalidRequest, err)
			}
			req = loader.CreateRequest(manifest)
			if owner == "" {
				owner = manifest.Spec.Owner
			}
		case len(args) == 1:
			req = v1alpha1.CreateRequest{
				Name:   args[0],
				RAMMB:  createRAM,
				VCPUs:  createVCPUs,
				DiskGB: createDiskGB,
				OSType: v1alpha1.OSType(createOS),
			}
		default:
			return fmt.Errorf("%w: a VM name or -f is required", v1alpha1.ErrInvalidRequest)
		}

		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			if owner != "" {
				u, err := a.store.GetUserByName(ctx, owner)
				if err != nil {
					return fmt.Errorf("failed to resolve owner: %w", err)
				}
				req.OwnerID = &u.ID
			}

			fmt.Printf("Creating VM %s...\n", req.Name)
			view, err := a.svc.Create(ctx, caller, req)
			if err != nil {
				return fmt.Errorf("failed to create VM: %w", err)
			}

			fmt.Println("✓ VM created successfully!")
			out, err := formatter.FormatVM(*view)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(out)
			return nil
		})
	},
}

var vmStartCmd = &cobra.Command{
	Use:   "start <vm-name>",
	Short: "Boot a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPower(cmd, args[0], v1alpha1.PowerRunning)
	},
}

var vmStopCmd = &cobra.Command{
	Use:   "stop <vm-name>",
	Short: "Gracefully shut down a VM",
	Long: `Request a graceful ACPI shutdown of a VM.

The command returns once the request is delivered; the guest may take a
while to power off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPower(cmd, args[0], v1alpha1.PowerStopped)
	},
}

func setPower(cmd *cobra.Command, name string, desired v1alpha1.PowerState) error {
	ctx := cmd.Context()
	return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
		err := a.svc.SetPower(ctx, caller, name, desired)
		switch {
		case errors.Is(err, v1alpha1.ErrAlreadyInState):
			fmt.Printf("VM %s is already %s\n", name, desired)
			return nil
		case err != nil:
			return err
		}
		if desired == v1alpha1.PowerRunning {
			fmt.Printf("✓ VM %s started\n", name)
		} else {
			fmt.Printf("✓ Shutdown requested for VM %s\n", name)
		}
		return nil
	})
}

var vmDeleteCmd = &cobra.Command{
	Use:   "delete <vm-name>",
	Short: "Delete a VM",
	Long: `Delete a virtual machine by name.

This will:
- Power the VM off without a guest shutdown
- Undefine the domain
- Remove its boot disk
- Remove its record`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			fmt.Printf("Deleting VM: %s\n", args[0])
			if err := a.svc.Delete(ctx, caller, args[0]); err != nil {
				return fmt.Errorf("failed to delete VM: %w", err)
			}
			fmt.Println("✓ VM deleted successfully!")
			return nil
		})
	},
}
