package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/internal/media"
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Inspect install media",
	Long: `Inspect the OS type to install media table.

Unknown OS types fall back to the default entry when a VM is created.`,
}

func init() {
	mediaCmd.AddCommand(mediaListCmd)
	mediaCmd.AddCommand(mediaVerifyCmd)
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known OS types and their install media",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "OS\tVARIANT\tPATH")
			for _, osType := range a.media.OSTypes() {
				r := a.media.Lookup(osType)
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", osType, r.Variant, r.Path)
			}
			return w.Flush()
		})
	},
}

var mediaVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every install image exists and is a readable ISO",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			var failed []string
			for _, osType := range a.media.OSTypes() {
				r := a.media.Lookup(osType)
				if err := media.Verify(r.Path); err != nil {
					fmt.Printf("✗ %s: %v\n", osType, err)
					failed = append(failed, string(osType))
					continue
				}
				fmt.Printf("✓ %s: %s\n", osType, r.Path)
			}
			if len(failed) > 0 {
				return fmt.Errorf("install media unusable for: %s", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}
