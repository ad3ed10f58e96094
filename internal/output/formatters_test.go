package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/diag"
)

// createTestVM creates a VMView for testing.
func createTestVM(name, status, owner string) v1alpha1.VMView {
	return v1alpha1.VMView{
		Name:      name,
		Status:    status,
		OwnerName: owner,
		RAMMB:     2048,
		VCPUs:     2,
		DiskGB:    20,
		OSType:    v1alpha1.OSUbuntu,
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  Format
		wantErr bool
	}{
		{FormatTable, false},
		{FormatYAML, false},
		{FormatJSON, false},
		{Format("xml"), true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(Options{Format: tt.format})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && f == nil {
				t.Error("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	for _, ok := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(ok); err != nil {
			t.Errorf("ValidateFormat(%q) error = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "xml", "TABLE"} {
		if err := ValidateFormat(bad); err == nil {
			t.Errorf("ValidateFormat(%q) expected error", bad)
		}
	}
}

func TestTableFormatter_FormatVMList(t *testing.T) {
	f := &TableFormatter{}
	out, err := f.FormatVMList([]v1alpha1.VMView{
		createTestVM("web", "running", "alice"),
		createTestVM("db", "missing", ""),
	})
	if err != nil {
		t.Fatalf("FormatVMList() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines (header + 2 rows), got %d:\n%s", len(lines), out)
	}
	for _, col := range []string{"NAME", "STATUS", "OWNER", "VCPUs", "MEMORY", "DISK", "OS"} {
		if !strings.Contains(lines[0], col) {
			t.Errorf("Header missing %s: %s", col, lines[0])
		}
	}
	for _, want := range []string{"web", "running", "alice", "2048 MiB", "20 GiB", "ubuntu"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("Row missing %q: %s", want, lines[1])
		}
	}
	if !strings.Contains(lines[2], "-") {
		t.Errorf("Empty owner should render as '-': %s", lines[2])
	}
}

func TestTableFormatter_NoHeaders(t *testing.T) {
	f := &TableFormatter{NoHeaders: true}
	out, err := f.FormatVM(createTestVM("web", "running", "alice"))
	if err != nil {
		t.Fatalf("FormatVM() error = %v", err)
	}
	if strings.Contains(out, "NAME") {
		t.Errorf("Expected no header, got:\n%s", out)
	}
	if !strings.HasPrefix(out, "web") {
		t.Errorf("Expected row to start with name, got:\n%s", out)
	}
}

func TestTableFormatter_Empty(t *testing.T) {
	f := &TableFormatter{}

	tests := []struct {
		name string
		run  func() (string, error)
		want string
	}{
		{"vms", func() (string, error) { return f.FormatVMList(nil) }, "No VMs found\n"},
		{"users", func() (string, error) { return f.FormatUserList(nil) }, "No users found\n"},
		{"findings", func() (string, error) { return f.FormatFindings(nil) }, "No drift found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.run()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTableFormatter_Users(t *testing.T) {
	f := &TableFormatter{}
	out, err := f.FormatUserList([]v1alpha1.User{
		{ID: 1, Username: "root", Role: v1alpha1.RoleAdmin, CreatedAt: time.Now().Add(-3 * time.Hour)},
		{ID: 2, Username: "alice", Role: v1alpha1.RoleUser},
	})
	if err != nil {
		t.Fatalf("FormatUserList() error = %v", err)
	}
	for _, want := range []string{"USERNAME", "root", "admin", "3h", "alice", "user"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestTableFormatter_Findings(t *testing.T) {
	f := &TableFormatter{}
	out, err := f.FormatFindings([]diag.Finding{
		diag.NewFinding(diag.OrphanDomain, "stray", "", "domain exists but has no record"),
	})
	if err != nil {
		t.Fatalf("FormatFindings() error = %v", err)
	}
	for _, want := range []string{"KIND", "orphan-domain", "stray", "no record"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	f := &JSONFormatter{}

	out, err := f.FormatVM(createTestVM("web", "running", "alice"))
	if err != nil {
		t.Fatalf("FormatVM() error = %v", err)
	}
	var view v1alpha1.VMView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if !strings.Contains(out, `"owner": "alice"`) {
		t.Errorf("Expected owner key in output:\n%s", out)
	}

	out, err = f.FormatVMList(nil)
	if err != nil || out != "[]\n" {
		t.Errorf("FormatVMList(nil) = %q, %v", out, err)
	}

	out, err = f.FormatVMList([]v1alpha1.VMView{createTestVM("a", "running", "x"), createTestVM("b", "stopped", "y")})
	if err != nil {
		t.Fatalf("FormatVMList() error = %v", err)
	}
	var views []v1alpha1.VMView
	if err := json.Unmarshal([]byte(out), &views); err != nil || len(views) != 2 {
		t.Errorf("FormatVMList() produced %d views, err %v", len(views), err)
	}
}

func TestJSONFormatter_FormatVMListAsItems(t *testing.T) {
	f := &JSONFormatter{}
	out, err := f.FormatVMListAsItems(nil)
	if err != nil {
		t.Fatalf("FormatVMListAsItems() error = %v", err)
	}

	var wrapper struct {
		APIVersion string            `json:"apiVersion"`
		Kind       string            `json:"kind"`
		Items      []v1alpha1.VMView `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &wrapper); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if wrapper.APIVersion != "kiln.cofront.xyz/v1alpha1" || wrapper.Kind != "VirtualMachineList" {
		t.Errorf("unexpected wrapper: %+v", wrapper)
	}
	if !strings.Contains(out, `"items": []`) {
		t.Errorf("Expected empty items array, got:\n%s", out)
	}
}

func TestYAMLFormatter(t *testing.T) {
	f := &YAMLFormatter{}

	out, err := f.FormatVMList([]v1alpha1.VMView{
		createTestVM("web", "running", "alice"),
		createTestVM("db", "stopped", "bob"),
	})
	if err != nil {
		t.Fatalf("FormatVMList() error = %v", err)
	}
	if strings.Count(out, "---\n") != 1 {
		t.Errorf("Expected one document separator, got:\n%s", out)
	}

	docs := strings.Split(out, "---\n")
	var view v1alpha1.VMView
	if err := yaml.Unmarshal([]byte(docs[1]), &view); err != nil {
		t.Fatalf("second document is not valid YAML: %v", err)
	}
	if view.Name != "db" || view.OwnerName != "bob" {
		t.Errorf("second document = %+v", view)
	}

	if out, _ := f.FormatVMList(nil); out != "" {
		t.Errorf("FormatVMList(nil) = %q, want empty", out)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "unknown"},
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{4 * 24 * time.Hour, "4d"},
		{2 * 7 * 24 * time.Hour, "2w"},
		{400 * 24 * time.Hour, "1y"},
		{70 * 24 * time.Hour, "70d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
