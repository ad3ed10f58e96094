package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags.
var (
	configPath   string
	asUser       string
	logLevel     string
	outputFormat string
	noHeaders    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - multi-tenant libvirt VM lifecycle tool",
	Long: `Kiln provisions, starts, stops and deletes virtual machines on a libvirt
host on behalf of registered users.

Every VM has exactly one owner. Users act on their own VMs; admins act on
all of them. VM status is always read live from the hypervisor.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default /etc/kiln/kiln.yaml)")
	rootCmd.PersistentFlags().StringVar(&asUser, "as", "", "act as this kiln user (default $KILN_USER, then the OS user)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(mediaCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(testConnCmd)
}

// addOutputFlags registers -o and --no-headers on cmd.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
}

func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

// renderError prefixes err with its taxonomy kind.
func renderError(err error) string {
	kind := v1alpha1.Kind(err)
	if kind == "Internal" {
		return fmt.Sprintf("Error: %v", err)
	}

	var perr *v1alpha1.ProvisionError
	if errors.As(err, &perr) && perr.Output != "" {
		return fmt.Sprintf("Error (%s): %v\n\n%s", kind, err, perr.Output)
	}
	return fmt.Sprintf("Error (%s): %v", kind, err)
}

// exitCode maps error kinds to process exit codes. Retryable failures get
// their own code so scripts can tell them apart.
func exitCode(err error) int {
	switch v1alpha1.Kind(err) {
	case "BackendUnavailable":
		return 75 // EX_TEMPFAIL
	case "Forbidden":
		return 77 // EX_NOPERM
	case "InvalidRequest":
		return 64 // EX_USAGE
	case "NotFound", "UserNotFound":
		return 3
	case "DuplicateName", "UserAlreadyExists":
		return 4
	default:
		return 1
	}
}
