package media

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kiln/api/v1alpha1"
)

func TestLookupKnownOS(t *testing.T) {
	table, err := NewTable("/var/lib/libvirt/images", nil)
	if err != nil {
		t.Fatalf("NewTable() error: %v", err)
	}

	got := table.Lookup(v1alpha1.OSDebian)
	want := Resolved{
		OSType:   v1alpha1.OSDebian,
		Path:     "/var/lib/libvirt/images/debian-12.iso",
		Variant:  "debian12",
		OSInfoID: "http://debian.org/debian/12",
	}
	if got != want {
		t.Errorf("Lookup(debian) = %+v, want %+v", got, want)
	}
}

// Unknown OS types resolve to the default entry rather than failing. This is
// a deliberate leniency; tightening it means changing this test.
func TestLookupUnknownOSFallsBackToDefault(t *testing.T) {
	table, _ := NewTable("/media", nil)

	got := table.Lookup("ubunut")
	if !got.Fallback {
		t.Error("expected Fallback to be set")
	}
	if got.OSType != v1alpha1.OSUbuntu {
		t.Errorf("expected fallback to ubuntu, got %s", got.OSType)
	}
	if got.Path != "/media/ubuntu-22.04.iso" || got.Variant != "ubuntu22.04" {
		t.Errorf("unexpected fallback entry: %+v", got)
	}
}

func TestNewTableOverrides(t *testing.T) {
	table, err := NewTable("/media", map[v1alpha1.OSType]Entry{
		v1alpha1.OSUbuntu: {ISO: "/isos/ubuntu-24.04.iso", Variant: "ubuntu24.04"},
		"fedora":          {ISO: "fedora-40.iso", Variant: "fedora40"},
	})
	if err != nil {
		t.Fatalf("NewTable() error: %v", err)
	}

	if got := table.Lookup(v1alpha1.OSUbuntu).Path; got != "/isos/ubuntu-24.04.iso" {
		t.Errorf("absolute override path not kept: %s", got)
	}
	if got := table.Lookup("fedora").Path; got != "/media/fedora-40.iso" {
		t.Errorf("relative override path not joined: %s", got)
	}

	want := []v1alpha1.OSType{"debian", "fedora", "ubuntu"}
	if got := table.OSTypes(); !reflect.DeepEqual(got, want) {
		t.Errorf("OSTypes() = %v, want %v", got, want)
	}
}

func TestNewTableRejectsEmptyISO(t *testing.T) {
	if _, err := NewTable("/media", map[v1alpha1.OSType]Entry{"arch": {}}); err == nil {
		t.Error("expected error for entry without iso")
	}
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("failed to create ISO writer: %v", err)
	}
	defer func() { _ = writer.Cleanup() }()

	if err := writer.AddFile(bytes.NewReader([]byte("hello")), "README.TXT"); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}

	isoPath := filepath.Join(dir, "good.iso")
	f, err := os.Create(isoPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteTo(f, "INSTALL"); err != nil {
		t.Fatalf("failed to write ISO: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if err := Verify(isoPath); err != nil {
		t.Errorf("Verify(good.iso) error: %v", err)
	}

	badPath := filepath.Join(dir, "bad.iso")
	if err := os.WriteFile(badPath, bytes.Repeat([]byte{0}, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(badPath); err == nil {
		t.Error("expected error for a non-ISO file")
	}

	if err := Verify(filepath.Join(dir, "missing.iso")); err == nil {
		t.Error("expected error for a missing file")
	}
}
