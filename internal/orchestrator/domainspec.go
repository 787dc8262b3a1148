package orchestrator

import (
	"fmt"
	"sort"

	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/libvirtcli"
	"github.com/asheplyakov/vmbuilder/internal/naming"
)

// diskTargets assigns libvirt target device names in a fixed,
// deterministic order: the OS disk is always vda so it is always the
// first (bootable) disk in the generated XML.
var diskTargets = []string{"vda", "vdb", "vdc", "vdd", "vde", "vdf"}

// buildDomainSpec folds a merged VMRecord and a config-drive path into the
// libvirtcli.DomainSpec GenerateDomainXML needs, attaching drives in a
// fixed order (os first, so it keeps the boot flag) and the config drive
// last as a read-only cdrom device.
func buildDomainSpec(rec *config.VMRecord, configDrivePath string) libvirtcli.DomainSpec {
	keys := make([]string, 0, len(rec.Drives))
	for k := range rec.Drives {
		if k == "install_image" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// "os" always sorts first so it keeps target vda / the boot flag.
		if keys[i] == "os" {
			return true
		}
		if keys[j] == "os" {
			return false
		}
		return keys[i] < keys[j]
	})

	var disks []libvirtcli.Disk
	dataIdx := 0
	for i, key := range keys {
		if i >= len(diskTargets) {
			break
		}
		drive := rec.Drives[key]
		devPath := drive.Path
		if drive.IsLV() {
			lvName := lvNameForKey(rec.Name, key, &dataIdx)
			devPath = naming.DMPath(drive.VG, lvName)
		}
		disks = append(disks, libvirtcli.Disk{
			DevPath: devPath,
			Target:  diskTargets[i],
		})
	}

	if configDrivePath != "" {
		disks = append(disks, libvirtcli.Disk{
			DevPath: configDrivePath,
			Target:  "sda",
			Device:  "cdrom",
			Bus:     "sata",
		})
	}

	names := make([]string, 0, len(rec.Interfaces))
	for name := range rec.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var ifaces []libvirtcli.Interface
	for i, name := range names {
		iface := rec.Interfaces[name]
		ifaces = append(ifaces, libvirtcli.Interface{
			SourceNet: iface.SourceNet,
			MAC:       iface.MAC,
			TargetDev: ifaceTargetDev(rec.Name, i),
		})
	}

	return libvirtcli.DomainSpec{
		Name:       rec.Name,
		VCPUs:      uint(rec.Resources.CPUCount),
		MemoryMiB:  uint(rec.Resources.MaxRAMMiB),
		Disks:      disks,
		Interfaces: ifaces,
	}
}

func lvNameForKey(vmName, key string, dataIdx *int) string {
	switch key {
	case "os":
		return naming.LVNameOS(vmName)
	case "journal":
		return naming.LVNameJournal(vmName)
	default:
		idx := *dataIdx
		*dataIdx++
		return naming.LVNameData(vmName, idx)
	}
}

func ifaceTargetDev(vmName string, idx int) string {
	return fmt.Sprintf("%s-eth%d", vmName, idx)
}
