package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatVM formats a single VM as a table row.
func (f *TableFormatter) FormatVM(vm v1alpha1.VMView) (string, error) {
	return f.FormatVMList([]v1alpha1.VMView{vm})
}

// FormatVMList formats a list of VMs as a table.
func (f *TableFormatter) FormatVMList(vms []v1alpha1.VMView) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	return f.render("NAME\tSTATUS\tOWNER\tVCPUs\tMEMORY\tDISK\tOS", len(vms), func(i int) string {
		vm := vms[i]
		return fmt.Sprintf("%s\t%s\t%s\t%d\t%d MiB\t%d GiB\t%s",
			vm.Name, dash(vm.Status), dash(vm.OwnerName), vm.VCPUs, vm.RAMMB, vm.DiskGB, dash(string(vm.OSType)))
	})
}

// FormatUserList formats users as a table.
func (f *TableFormatter) FormatUserList(users []v1alpha1.User) (string, error) {
	if len(users) == 0 {
		return "No users found\n", nil
	}

	return f.render("ID\tUSERNAME\tROLE\tAGE", len(users), func(i int) string {
		u := users[i]
		return fmt.Sprintf("%d\t%s\t%s\t%s", u.ID, u.Username, u.Role, age(u.CreatedAt))
	})
}

// FormatFindings formats drift findings as a table.
func (f *TableFormatter) FormatFindings(findings []diag.Finding) (string, error) {
	if len(findings) == 0 {
		return "No drift found\n", nil
	}

	return f.render("KIND\tVM\tOWNER\tDETAIL", len(findings), func(i int) string {
		fd := findings[i]
		return fmt.Sprintf("%s\t%s\t%s\t%s", fd.Kind, fd.VM, dash(fd.Owner), fd.Detail)
	})
}

func (f *TableFormatter) render(header string, n int, row func(i int) string) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, header)
	}
	for i := 0; i < n; i++ {
		_, _ = fmt.Fprintln(w, row(i))
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to render table: %w", err)
	}
	return buf.String(), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatAge(time.Since(t))
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
