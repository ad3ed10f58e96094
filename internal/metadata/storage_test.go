package metadata

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
)

type mockGetter struct {
	value string
	err   error

	lastURI   string
	lastType  int32
	callCount int
}

func (m *mockGetter) DomainGetMetadata(_ libvirt.Domain, typ int32, uri libvirt.OptString, _ libvirt.DomainModificationImpact) (string, error) {
	m.callCount++
	m.lastType = typ
	if len(uri) > 0 {
		m.lastURI = uri[0]
	}
	return m.value, m.err
}

func testStamp() Stamp {
	return Stamp{
		RecordID:  "0f3c2a52-8f0b-4a55-9d4e-2a1b7c9d0e11",
		OwnerID:   42,
		Owner:     "alice",
		OSType:    "ubuntu",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDomainXMLRoundTrip(t *testing.T) {
	xmlStr, err := DomainXML(testStamp(), "")
	if err != nil {
		t.Fatalf("DomainXML() error: %v", err)
	}
	if !strings.Contains(xmlStr, `xmlns="`+MetadataNamespace+`"`) {
		t.Errorf("namespace missing: %s", xmlStr)
	}

	got, err := Parse(xmlStr)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := testStamp()
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	got.CreatedAt = want.CreatedAt
	if *got != want {
		t.Errorf("Parse() = %+v, want %+v", *got, want)
	}
}

func TestDomainXMLWithOSInfo(t *testing.T) {
	xmlStr, err := DomainXML(testStamp(), "http://ubuntu.com/ubuntu/22.04")
	if err != nil {
		t.Fatalf("DomainXML() error: %v", err)
	}
	for _, want := range []string{
		`xmlns:libosinfo="` + OSInfoNamespace + `"`,
		`<libosinfo:os id="http://ubuntu.com/ubuntu/22.04">`,
	} {
		if !strings.Contains(xmlStr, want) {
			t.Errorf("expected %q in %s", want, xmlStr)
		}
	}
}

func TestLoad(t *testing.T) {
	xmlStr, _ := DomainXML(testStamp(), "")
	m := &mockGetter{value: xmlStr}

	got, err := Load(m, libvirt.Domain{Name: "web"})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Owner != "alice" || got.OwnerID != 42 {
		t.Errorf("unexpected stamp %+v", got)
	}
	if m.lastURI != MetadataNamespace {
		t.Errorf("queried namespace %q, want %q", m.lastURI, MetadataNamespace)
	}
	if m.lastType != int32(libvirt.DomainMetadataElement) {
		t.Errorf("metadata type = %d, want element", m.lastType)
	}
}

func TestLoadErrors(t *testing.T) {
	m := &mockGetter{err: errors.New("metadata not found")}
	if _, err := Load(m, libvirt.Domain{Name: "web"}); err == nil {
		t.Error("expected error when libvirt has no metadata")
	}

	m = &mockGetter{value: "<instance"}
	if _, err := Load(m, libvirt.Domain{Name: "web"}); err == nil {
		t.Error("expected error for malformed XML")
	}
}
