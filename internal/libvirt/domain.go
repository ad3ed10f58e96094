package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/kiln/internal/metadata"
)

const (
	// DefaultBridge is the bridge of libvirt's default NAT network.
	DefaultBridge = "virbr0"

	// VNCListenAddress makes the VNC server reachable on all host addresses.
	VNCListenAddress = "0.0.0.0"
)

// DomainSpec is everything needed to provision one VM.
type DomainSpec struct {
	Name       string
	RAMMB      int
	VCPUs      int
	DiskPath   string
	DiskSizeGB int

	// InstallMediaPath is attached as a CD-ROM. Empty means no install media.
	InstallMediaPath string

	// OSVariant is informational (virt-install --os-variant); OSInfoID is
	// written into the libosinfo metadata.
	OSVariant string
	OSInfoID  string

	Bridge string
	Stamp  metadata.Stamp
}

// Validate checks the fields GenerateDomainXML relies on.
func (s DomainSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("domain name is required")
	}
	if s.RAMMB <= 0 {
		return fmt.Errorf("ram must be > 0, got %d", s.RAMMB)
	}
	if s.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", s.VCPUs)
	}
	if s.DiskPath == "" {
		return fmt.Errorf("disk path is required")
	}
	return nil
}

// GenerateDomainXML generates libvirt domain XML for spec: a qcow2 boot disk,
// the install media as a CD-ROM, one virtio NIC on the bridge and VNC
// graphics. Boot order tries the disk first so the installed system wins
// once the installer has run.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	bridge := spec.Bridge
	if bridge == "" {
		bridge = DefaultBridge
	}

	metaXML, err := metadata.DomainXML(spec.Stamp, spec.OSInfoID)
	if err != nil {
		return "", err
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		// The record ID doubles as the domain UUID; empty lets libvirt pick one.
		UUID: spec.Stamp.RecordID,
		Metadata: &libvirtxml.DomainMetadata{
			XML: metaXML,
		},
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.RAMMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
		},
	}

	domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "qcow2",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: spec.DiskPath,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
		Boot: &libvirtxml.DomainDeviceBoot{
			Order: 1,
		},
	})

	if spec.InstallMediaPath != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: spec.InstallMediaPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
			Boot: &libvirtxml.DomainDeviceBoot{
				Order: 2,
			},
		})
	}

	domain.Devices.Interfaces = []libvirtxml.DomainInterface{
		{
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{
					Bridge: bridge,
				},
			},
			Model: &libvirtxml.DomainInterfaceModel{
				Type: "virtio",
			},
		},
	}

	domain.Devices.Graphics = []libvirtxml.DomainGraphic{
		{
			VNC: &libvirtxml.DomainGraphicVNC{
				Port:     -1,
				AutoPort: "yes",
				Listen:   VNCListenAddress,
				Listeners: []libvirtxml.DomainGraphicListener{
					{
						Address: &libvirtxml.DomainGraphicListenerAddress{
							Address: VNCListenAddress,
						},
					},
				},
			},
		},
	}

	domain.Devices.Inputs = []libvirtxml.DomainInput{
		{Type: "tablet", Bus: "usb"},
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: func() *uint { p := uint(0); return &p }(),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}
