package lvm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// driveIsSSD reads /sys/block/<dev>/queue/rotational for the base device
// backing path (partitions are walked up to their whole-disk device
// first), matching driveutils.py's drive_is_ssd.
func driveIsSSD(path string) (bool, error) {
	major, minor, err := blockDeviceNumbers(path)
	if err != nil {
		return false, err
	}

	base, err := baseDeviceNumbers(major, minor)
	if err != nil {
		return false, err
	}

	rotPath := fmt.Sprintf("/sys/dev/block/%d:%d/queue/rotational", base.major, base.minor)
	data, err := os.ReadFile(rotPath)
	if err != nil {
		return false, fmt.Errorf("lvm: reading %s: %w", rotPath, err)
	}
	val := strings.TrimSpace(string(data))
	return val == "0", nil
}

type devNum struct{ major, minor uint32 }

func blockDeviceNumbers(path string) (major, minor uint32, err error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, 0, fmt.Errorf("lvm: stat %s: %w", path, err)
	}
	dev := uint64(st.Rdev)
	return uint32((dev >> 8) & 0xfff), uint32((dev & 0xff) | ((dev >> 12) & 0xfff00)), nil
}

// baseDeviceNumbers walks a partition's sysfs entry up to its parent
// whole-disk device, following /sys/dev/block/<maj>:<min>/../dev the way
// driveutils.py's partition_base_device does via /sys/class/block.
func baseDeviceNumbers(major, minor uint32) (devNum, error) {
	selfLink := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)
	partitionMarker := filepath.Join(selfLink, "partition")
	if _, err := os.Stat(partitionMarker); err != nil {
		// Not a partition: it's already the base device.
		return devNum{major, minor}, nil
	}

	parentDev := filepath.Join(selfLink, "..", "dev")
	data, err := os.ReadFile(parentDev)
	if err != nil {
		return devNum{}, fmt.Errorf("lvm: reading %s: %w", parentDev, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	if len(parts) != 2 {
		return devNum{}, fmt.Errorf("lvm: malformed dev file %s: %q", parentDev, data)
	}
	pMajor, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return devNum{}, err
	}
	pMinor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return devNum{}, err
	}
	return devNum{uint32(pMajor), uint32(pMinor)}, nil
}

// VGIsSSD reports whether every PV backing vg is non-rotational, per
// driveutils.py's vg_is_ssd.
func (a *Adapter) VGIsSSD(vg string, vgs map[string][]string) (bool, error) {
	pvs, ok := vgs[vg]
	if !ok || len(pvs) == 0 {
		return false, &vmerrors.NoSuchVGError{VG: vg}
	}
	for _, pv := range pvs {
		ssd, err := driveIsSSD(pv)
		if err != nil {
			return false, err
		}
		if !ssd {
			return false, nil
		}
	}
	return true, nil
}
