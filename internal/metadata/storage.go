// Package metadata stamps kiln provenance into libvirt domain metadata.
//
// The stamp records which record and owner a domain was provisioned for. It
// is informational only: ownership is always decided by the record store.
// Drift diagnostics read it back to explain domains that have lost their
// record.
package metadata

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// MetadataNamespace is the XML namespace for kiln metadata.
	MetadataNamespace = "http://kiln.cofront.xyz/v1alpha1"

	// MetadataPrefix is the element prefix used when the stamp is embedded in domain XML.
	MetadataPrefix = "kiln"

	// OSInfoNamespace is the libosinfo namespace used by virt-install.
	OSInfoNamespace = "http://libosinfo.org/xmlns/libvirt/domain/1.0"
)

// Stamp is the provenance recorded on a domain at provisioning time.
type Stamp struct {
	RecordID  string    `yaml:"recordId"`
	OwnerID   int64     `yaml:"ownerId"`
	Owner     string    `yaml:"owner"`
	OSType    string    `yaml:"osType"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// kilnMetadata is the XML wrapper. The stamp is stored as YAML text for
// easy reading in `virsh dumpxml`.
type kilnMetadata struct {
	XMLName  xml.Name `xml:"instance"`
	Xmlns    string   `xml:"xmlns,attr"`
	SpecYAML string   `xml:",chardata"`
}

type osinfoMetadata struct {
	XMLName xml.Name `xml:"libosinfo:libosinfo"`
	Xmlns   string   `xml:"xmlns:libosinfo,attr"`
	OS      struct {
		ID string `xml:"id,attr"`
	} `xml:"libosinfo:os"`
}

// DomainXML renders the <metadata> inner XML for a new domain: the kiln stamp
// and, when osinfoID is set, the libosinfo OS hint.
func DomainXML(stamp Stamp, osinfoID string) (string, error) {
	yamlData, err := yaml.Marshal(stamp)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stamp to YAML: %w", err)
	}

	stampXML, err := xml.Marshal(kilnMetadata{
		Xmlns:    MetadataNamespace,
		SpecYAML: string(yamlData),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal stamp to XML: %w", err)
	}

	out := string(stampXML)
	if osinfoID != "" {
		osinfo := osinfoMetadata{Xmlns: OSInfoNamespace}
		osinfo.OS.ID = osinfoID
		osinfoXML, err := xml.Marshal(osinfo)
		if err != nil {
			return "", fmt.Errorf("failed to marshal libosinfo metadata: %w", err)
		}
		out += string(osinfoXML)
	}

	return out, nil
}

// Parse decodes a stamp from the element returned by libvirt for MetadataNamespace.
func Parse(xmlStr string) (*Stamp, error) {
	var m kilnMetadata
	if err := xml.Unmarshal([]byte(xmlStr), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var stamp Stamp
	if err := yaml.Unmarshal([]byte(m.SpecYAML), &stamp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stamp from YAML: %w", err)
	}

	return &stamp, nil
}

// Getter is the libvirt call needed to read metadata.
// *libvirt.Libvirt satisfies it.
type Getter interface {
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Load retrieves the kiln stamp of a domain.
// Domains not provisioned by kiln return an error.
func Load(l Getter, domain libvirt.Domain) (*Stamp, error) {
	xmlStr, err := l.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	return Parse(xmlStr)
}
