package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			fmt.Printf("Testing libvirt connection to %s...\n", a.cfg.Libvirt.SocketPath)

			sess, err := a.gateway.Connect(ctx)
			if err != nil {
				return fmt.Errorf("failed to connect to libvirt: %w", err)
			}
			defer func() {
				if closeErr := sess.Close(); closeErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
				}
			}()

			fmt.Println("✓ Connected to libvirt daemon")

			if err := sess.Ping(ctx); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}

			version, err := sess.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to get libvirt version: %w", err)
			}
			fmt.Printf("✓ Libvirt version: %s\n", version)

			doms, err := sess.ListDomains(ctx)
			if err != nil {
				return fmt.Errorf("failed to list domains: %w", err)
			}
			fmt.Printf("✓ %d domain(s) defined\n", len(doms))

			fmt.Println("\nConnection test successful!")
			return nil
		})
	},
}
