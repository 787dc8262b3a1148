// Package libvirtcli drives libvirt purely through the virsh CLI: no
// libvirt RPC/API client is linked into this process. Domain and network
// XML is still built with libvirtxml's typed struct marshaler (a pure
// XML-serialization library, not a connection to libvirtd) and then piped
// to virsh over stdin, matching virtutils.py's define_vm.
package libvirtcli

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// Interface describes one network attachment to render into the domain
// XML: Name is the libvirt network ("source_net" in the data model), MAC
// is either preserved from a prior definition or freshly derived.
type Interface struct {
	SourceNet string
	MAC       string
	TargetDev string
}

// Disk describes one virtio disk backed by a raw block device (thin LV) or
// file, rendered in declaration order: os, journal, data[], install image
// is never attached directly (it only feeds the image cloner).
type Disk struct {
	DevPath string // e.g. /dev/mapper/vg-lv
	Target  string // e.g. vda, vdb
	Device  string // "disk" or "cdrom"
	Bus     string // "virtio" or "sata" for cdrom
}

// DomainSpec is the minimal set of fields GenerateDomainXML needs; it is
// populated from a VMRecord by the orchestrator/merger layer.
type DomainSpec struct {
	Name       string
	VCPUs      uint
	MemoryMiB  uint
	Disks      []Disk
	Interfaces []Interface
}

// GenerateDomainXML renders spec into libvirt domain XML using the same
// kvm+EFI+virtio shape as the teacher's GenerateDomainXML, generalized for
// raw block-device sources instead of libvirt storage-pool volumes.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     spec.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Firmware: "efi",
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
			PAE:  &libvirtxml.DomainFeature{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode:  "host-model",
			Model: &libvirtxml.DomainCPUModel{Fallback: "allow"},
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
			Controllers: []libvirtxml.DomainController{
				{Type: "pci", Index: uintPtr(0), Model: "pci-root"},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{Model: "virtio"},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
					Target: &libvirtxml.DomainSerialTarget{Port: uintPtr(0)},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
					Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: uintPtr(0)},
				},
			},
		},
	}

	for i, d := range spec.Disks {
		driverType := "raw"
		bus := d.Bus
		if bus == "" {
			bus = "virtio"
		}
		device := d.Device
		if device == "" {
			device = "disk"
		}
		disk := libvirtxml.DomainDisk{
			Device: device,
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: driverType},
			Source: &libvirtxml.DomainDiskSource{
				Block: &libvirtxml.DomainDiskSourceBlock{Dev: d.DevPath},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: d.Target, Bus: bus},
		}
		if i == 0 {
			disk.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
		}
		if device == "cdrom" {
			disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
		}
		domain.Devices.Disks = append(domain.Devices.Disks, disk)
	}

	for _, iface := range spec.Interfaces {
		netIface := libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: iface.MAC},
			Source: &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: iface.SourceNet},
			},
			Model:  &libvirtxml.DomainInterfaceModel{Type: "virtio"},
			Target: &libvirtxml.DomainInterfaceTarget{Dev: iface.TargetDev},
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, netIface)
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("libvirtcli: marshaling domain XML for %s: %w", spec.Name, err)
	}
	return xml, nil
}

func uintPtr(v uint) *uint { return &v }
