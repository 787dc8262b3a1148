package libvirtcli

import (
	"strings"
	"testing"
)

func TestGenerateDomainXMLIncludesBlockDisksAndInterfaces(t *testing.T) {
	spec := DomainSpec{
		Name:      "web01",
		VCPUs:     2,
		MemoryMiB: 2048,
		Disks: []Disk{
			{DevPath: "/dev/mapper/vg0-web01--os", Target: "vda"},
			{DevPath: "/dev/mapper/vg0-web01--data", Target: "vdb"},
			{DevPath: "/srv/cidata/web01.iso", Target: "sda", Device: "cdrom", Bus: "sata"},
		},
		Interfaces: []Interface{
			{SourceNet: "vmnet", MAC: "52:54:00:aa:bb:cc", TargetDev: "web01-eth0"},
		},
	}

	xmlDoc, err := GenerateDomainXML(spec)
	if err != nil {
		t.Fatalf("GenerateDomainXML: %v", err)
	}

	for _, want := range []string{
		"<name>web01</name>",
		`dev="/dev/mapper/vg0-web01--os"`,
		`dev="/dev/mapper/vg0-web01--data"`,
		`device="cdrom"`,
		`address="52:54:00:aa:bb:cc"`,
		`network="vmnet"`,
		"<firmware>efi</firmware>",
	} {
		if !strings.Contains(xmlDoc, want) {
			t.Errorf("domain XML missing %q\n--- xml ---\n%s", want, xmlDoc)
		}
	}
}

func TestGenerateDomainXMLFirstDiskIsBootable(t *testing.T) {
	spec := DomainSpec{
		Name:      "web01",
		VCPUs:     1,
		MemoryMiB: 1024,
		Disks: []Disk{
			{DevPath: "/dev/mapper/vg0-web01--os", Target: "vda"},
		},
	}
	xmlDoc, err := GenerateDomainXML(spec)
	if err != nil {
		t.Fatalf("GenerateDomainXML: %v", err)
	}
	if !strings.Contains(xmlDoc, `<boot order="1"`) {
		t.Errorf("expected boot order 1 on first disk, got:\n%s", xmlDoc)
	}
}
