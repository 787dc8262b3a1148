// Package clone turns a freshly-created thin LV into a bootable VM disk by
// partitioning it, copying a bootloader and root filesystem out of a
// reference raw image, resizing the filesystem to fill the new partition,
// and anonymizing host-identity files — mirroring provision_vm.py.
package clone

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/asheplyakov/vmbuilder/internal/extfs"
	"github.com/asheplyakov/vmbuilder/internal/naming"
	"github.com/asheplyakov/vmbuilder/internal/retry"
	"github.com/asheplyakov/vmbuilder/internal/subprocess"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// Defaults mirroring provision_vm.py's module-level constants.
const (
	DefaultSwapMiB       = 4096
	DefaultSwapLabel     = "MOREVM"
	ConfigDriveMiB       = 4
	deactivateAttempts   = 3
	e2fsckGoodExit       = 1 // "errors have been fixed"
)

// CleanupFiles/TouchFiles are removed/recreated-empty inside the cloned
// root filesystem so every VM gets a fresh machine-id, per anonymize().
var (
	CleanupFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	TouchFiles   = []string{"/etc/machine-id"}
)

var extFilesystems = map[string]bool{"ext2": true, "ext3": true, "ext4": true}

// kpartxMu serializes every kpartx invocation process-wide: kpartx drives
// /dev/loop0, so concurrent calls can corrupt each other's mappings. This
// is a deliberate process-singleton, not a field on Cloner.
var kpartxMu sync.Mutex

// Options controls one disk's provisioning pass; fields left zero take
// the package defaults.
type Options struct {
	SourceImage      string // reference raw image to clone from
	ConfigDriveImage string // optional, written to the 3rd partition
	SwapSectors      uint64 // defaults to DefaultSwapMiB
	SwapLabel        string
	OptimizeRootfs   bool
	AnonymizeRootfs  bool
}

// Cloner drives the disk/partition/filesystem tools used to provision a
// thin LV from a reference image.
type Cloner struct {
	Runner *subprocess.Runner
}

func New() *Cloner {
	return &Cloner{Runner: &subprocess.Runner{}}
}

func (c *Cloner) runner() *subprocess.Runner {
	if c.Runner != nil {
		return c.Runner
	}
	return &subprocess.Runner{}
}

// Provision clones opts.SourceImage onto vdisk (an LV path, either
// /dev/mapper/... or /dev/<vg>/<lv>), following _provision: verify,
// partition, copy bootloader, clone rootfs, optimize, anonymize, write
// swap, then deactivate partition mappings.
func (c *Cloner) Provision(ctx context.Context, vdisk string, opts Options) error {
	vdisk = GetDMLVName(vdisk)

	origSize, firstPartOffset, err := c.GuessFirstPartitionSizeOffset(ctx, opts.SourceImage)
	if err != nil {
		return err
	}

	swapSectors := opts.SwapSectors
	if swapSectors == 0 {
		swapSectors = DefaultSwapMiB * 1024 * 2
	}
	swapLabel := opts.SwapLabel
	if swapLabel == "" {
		swapLabel = DefaultSwapLabel
	}

	if err := c.VerifyBlockDevice(vdisk); err != nil {
		return err
	}
	if err := c.FixupVdiskOwnership(vdisk); err != nil {
		return err
	}
	if err := c.DeactivatePartitions(ctx, vdisk, true); err != nil {
		return err
	}
	if err := c.PartitionVHD(ctx, vdisk, firstPartOffset, swapSectors, origSize, ConfigDriveMiB*1024*2); err != nil {
		return err
	}
	if err := c.CopyBootLoader(ctx, vdisk, opts.SourceImage, firstPartOffset); err != nil {
		return err
	}
	if err := c.ActivatePartitions(ctx, vdisk); err != nil {
		return err
	}

	rootdev := fmt.Sprintf("%s1", vdisk)
	fstype, err := c.CloneRootfs(ctx, rootdev, opts.SourceImage, firstPartOffset)
	if err != nil {
		return err
	}
	if opts.OptimizeRootfs {
		if err := c.OptimizeFS(ctx, rootdev, fstype); err != nil {
			return err
		}
	}
	if opts.AnonymizeRootfs {
		if err := c.Anonymize(ctx, rootdev, fstype, CleanupFiles, TouchFiles); err != nil {
			return err
		}
	}
	if opts.ConfigDriveImage != "" {
		configDriveDev := fmt.Sprintf("%s3", vdisk)
		if err := c.CopyConfigDrive(ctx, opts.ConfigDriveImage, configDriveDev); err != nil {
			return err
		}
	}

	swapdev := fmt.Sprintf("%s2", vdisk)
	if err := c.RunMkswap(ctx, swapdev, "-f", "-L", swapLabel); err != nil {
		return err
	}
	return c.DeactivatePartitions(ctx, vdisk, false)
}

// ProvisionWindows prepares an LV for a Windows install without cloning a
// rootfs: Windows setup partitions and formats the disk itself via
// Autounattend.xml, so this only needs to zero any stale partition table,
// mirroring _provision_woe.
func (c *Cloner) ProvisionWindows(ctx context.Context, vdisk string) error {
	vdisk = GetDMLVName(vdisk)
	if err := c.VerifyBlockDevice(vdisk); err != nil {
		return err
	}
	if err := c.FixupVdiskOwnership(vdisk); err != nil {
		return err
	}
	if err := c.DeactivatePartitions(ctx, vdisk, true); err != nil {
		return err
	}
	return c.ZapPartitionTable(ctx, vdisk)
}

// GetDMLVName normalizes an LV reference to its /dev/mapper path: an
// already-mapper path is returned unchanged; a /dev/<vg>/<lv> path has
// each component's dashes doubled, matching get_dm_lv_name.
func GetDMLVName(lvpath string) string {
	if strings.HasPrefix(lvpath, "/dev/mapper/") {
		return lvpath
	}
	parts := strings.Split(strings.Trim(lvpath, "/"), "/")
	if len(parts) != 2 {
		return lvpath
	}
	return naming.DMPath(parts[0], parts[1])
}

// GuessFSType inspects bdev at byteOffset and returns the filesystem type
// blkid detects there, matching guess_fstype.
func (c *Cloner) GuessFSType(ctx context.Context, bdev string, byteOffset uint64) (string, error) {
	out, err := c.runner().Run(ctx, "blkid", "-p", "-O", strconv.FormatUint(byteOffset, 10), "-o", "export", bdev)
	if err != nil {
		return "", err
	}
	return parseBlkidType(out)
}

func parseBlkidType(out string) (string, error) {
	for _, line := range strings.Fields(out) {
		if strings.HasPrefix(line, "TYPE=") {
			return strings.TrimPrefix(line, "TYPE="), nil
		}
	}
	return "", fmt.Errorf("clone: blkid output has no TYPE= field: %q", out)
}

// CloneRootfs images img's filesystem (starting at offsetSectors) onto
// dst via e2image, matching clone_rootfs. Only ext2/3/4 are supported.
func (c *Cloner) CloneRootfs(ctx context.Context, dst, img string, offsetSectors uint64) (string, error) {
	byteOffset := offsetSectors * 512
	fstype, err := c.GuessFSType(ctx, img, byteOffset)
	if err != nil {
		return "", err
	}
	if !extFilesystems[fstype] {
		return "", &vmerrors.UnsupportedFilesystemError{FSType: fstype}
	}
	_, err = c.runner().Run(ctx, "e2image", "-p", "-a", "-r", "-o", strconv.FormatUint(byteOffset, 10), img, dst)
	if err != nil {
		return "", err
	}
	return fstype, nil
}

// OptimizeFS disables the ext4 journal (it's redundant for boot-time
// clones) then shrink-then-grow-checks the filesystem to its partition
// size, matching optimize_fs.
func (c *Cloner) OptimizeFS(ctx context.Context, bdev, fstype string) error {
	if fstype == "ext4" {
		if _, err := c.runner().Run(ctx, "tune2fs", "-O", "^has_journal", bdev); err != nil {
			return err
		}
	}
	if !extFilesystems[fstype] {
		return nil
	}
	if err := c.runE2fsck(ctx, bdev, "-f", "-p"); err != nil {
		return err
	}
	if _, err := c.runner().Run(ctx, "resize2fs", "-p", bdev); err != nil {
		return err
	}
	return c.runE2fsck(ctx, bdev, "-f", "-p", "-D")
}

func (c *Cloner) runE2fsck(ctx context.Context, bdev string, args ...string) error {
	allArgs := append(append([]string{}, args...), bdev)
	_, err := c.runner().RunAllowExit(ctx, []int{0, e2fsckGoodExit}, "e2fsck", allArgs...)
	return err
}

// CopyBootLoader dd's the MBR boot code (first 446 bytes) and the
// remaining boot-area sectors up to the first partition out of img onto
// vdisk, matching copy_boot_loader.
func (c *Cloner) CopyBootLoader(ctx context.Context, vdisk, img string, firstPartitionOffset uint64) error {
	bootAreaSectors := firstPartitionOffset - 1
	if _, err := c.runner().Run(ctx, "dd",
		fmt.Sprintf("if=%s", img), fmt.Sprintf("of=%s", vdisk),
		"bs=446c", "count=1", "conv=fsync"); err != nil {
		return err
	}
	_, err := c.runner().Run(ctx, "dd",
		fmt.Sprintf("if=%s", img), fmt.Sprintf("of=%s", vdisk),
		"bs=512c", "seek=1", "skip=1", fmt.Sprintf("count=%d", bootAreaSectors), "conv=fsync")
	return err
}

// PartitionVHD lays out a 4-partition MBR table on vdisk: root, swap,
// config-drive, and a deliberately-zeroed 4th slot, via sfdisk fed a
// script over stdin, matching partition_vhd.
func (c *Cloner) PartitionVHD(ctx context.Context, vdisk string, rootStart, swapSize, minRootSize, configDriveSize uint64) error {
	vdisk = GetDMLVName(vdisk)

	out, err := c.runner().Run(ctx, "blockdev", "--getsz", vdisk)
	if err != nil {
		return err
	}
	diskSize, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return fmt.Errorf("clone: parsing blockdev --getsz output %q: %w", out, err)
	}

	minDiskSize := swapSize + minRootSize + rootStart + configDriveSize
	if diskSize < minDiskSize {
		return &vmerrors.DiskTooSmallError{DiskSectors: diskSize, RequiredSectors: minDiskSize}
	}

	rootSize := diskSize - rootStart - swapSize - configDriveSize
	swapStart := rootStart + rootSize
	configDriveStart := swapStart + swapSize

	if err := c.ZapPartitionTable(ctx, vdisk); err != nil {
		return err
	}

	script := fmt.Sprintf(`%[1]s1 : start= %[2]d, size= %[3]d, Id=83, bootable
%[1]s2 : start= %[4]d, size= %[5]d, Id=82
%[1]s3 : start= %[6]d, size= %[7]d, Id=83
%[1]s4 : start= 0, size= 0, Id= 0
`, vdisk, rootStart, rootSize, swapStart, swapSize, configDriveStart, configDriveSize)

	_, err = c.runner().RunStdin(ctx, []byte(script), "sfdisk", "--force", "-u", "S", vdisk)
	return err
}

// ZapPartitionTable destroys any existing partition table signature on
// vdisk by zeroing its first MiB, so sfdisk and the kernel don't get
// confused by stale metadata.
func (c *Cloner) ZapPartitionTable(ctx context.Context, vdisk string) error {
	_, err := c.runner().Run(ctx, "dd", "if=/dev/zero", fmt.Sprintf("of=%s", vdisk), "bs=1M", "count=1", "conv=fsync")
	return err
}

// GuessFirstPartitionSizeOffset inspects img with kpartx -l to recover
// the size and start offset (in sectors) of its first partition, matching
// guess_first_partition_size_offset.
func (c *Cloner) GuessFirstPartitionSizeOffset(ctx context.Context, img string) (sizeSectors, offsetSectors uint64, err error) {
	kpartxMu.Lock()
	out, err := c.runner().Run(ctx, "kpartx", "-l", img)
	kpartxMu.Unlock()
	if err != nil {
		return 0, 0, err
	}
	return parseKpartxListFirstLine(img, out)
}

// parseKpartxListFirstLine parses a `kpartx -l` line shaped like
// "loop0p1 : 0 4192256 /dev/loop0 2048" into (size, offset) sectors.
func parseKpartxListFirstLine(device, out string) (sizeSectors, offsetSectors uint64, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return 0, 0, &vmerrors.BadPartitionTableError{Device: device, Reason: "kpartx -l produced no output"}
	}
	fields := strings.Fields(lines[0])
	if len(fields) != 6 {
		return 0, 0, &vmerrors.BadPartitionTableError{Device: device, Reason: fmt.Sprintf("unexpected kpartx -l line: %q", lines[0])}
	}
	start, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	offset, err := strconv.ParseUint(fields[5], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return end - start, offset, nil
}

// ActivatePartitions creates /dev/mapper device nodes for vdisk's
// partitions via kpartx, then re-applies ownership fixups to the newly
// created nodes, matching activate_partitions.
func (c *Cloner) ActivatePartitions(ctx context.Context, vdisk string) error {
	vdisk = GetDMLVName(vdisk)
	kpartxMu.Lock()
	_, err := c.runner().Run(ctx, "kpartx", "-s", "-a", vdisk)
	kpartxMu.Unlock()
	if err != nil {
		return err
	}
	return c.FixupVdiskOwnership(vdisk)
}

// DeactivatePartitions removes vdisk's kpartx-created device nodes,
// retrying up to 3 times (1s, 2s backoff) since kpartx -d can transiently
// fail while a partition is still mounted or busy. If permissive, a
// failure after all retries is swallowed, matching deactivate_partitions.
func (c *Cloner) DeactivatePartitions(ctx context.Context, vdisk string, permissive bool) error {
	vdisk = GetDMLVName(vdisk)
	err := retry.Do(ctx, deactivateAttempts, func() error {
		kpartxMu.Lock()
		defer kpartxMu.Unlock()
		_, err := c.runner().Run(ctx, "kpartx", "-d", vdisk)
		return err
	})
	if err != nil && !permissive {
		return err
	}
	return nil
}

// RunMkswap formats swapdev as swap space with the given mkswap flags.
func (c *Cloner) RunMkswap(ctx context.Context, swapdev string, args ...string) error {
	allArgs := append(append([]string{}, args...), swapdev)
	_, err := c.runner().Run(ctx, "mkswap", allArgs...)
	return err
}

// VerifyBlockDevice follows symlinks and rejects anything that is not
// ultimately a block device, matching verify_blockdev.
func (c *Cloner) VerifyBlockDevice(path string) error {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("clone: resolving %s: %w", path, err)
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return fmt.Errorf("clone: stat %s: %w", resolved, err)
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return &vmerrors.NotABlockDeviceError{Path: path}
	}
	return nil
}

// VerifyRawImage checks that img is readable by qemu-img as a raw image,
// matching verify_raw_image.
func (c *Cloner) VerifyRawImage(ctx context.Context, img string) error {
	_, err := c.runner().Run(ctx, "qemu-img", "info", "-f", "raw", img)
	return err
}

// FixupVdiskOwnership makes every device node matching vdisk* group
// writable by the caller's group, so unprivileged debugfs/e2fsck/dd calls
// can operate on them, matching fixup_vdisk_ownership.
func (c *Cloner) FixupVdiskOwnership(vdisk string) error {
	matches, err := filepath.Glob(vdisk + "*")
	if err != nil {
		return fmt.Errorf("clone: globbing %s*: %w", vdisk, err)
	}
	gid := os.Getgid()
	ctx := context.Background()
	for _, bdev := range matches {
		if _, err := c.runner().Run(ctx, "chmod", "660", bdev); err != nil {
			return err
		}
		if _, err := c.runner().Run(ctx, "chgrp", strconv.Itoa(gid), bdev); err != nil {
			return err
		}
	}
	return nil
}

// CopyConfigDrive dd's a pre-built NoCloud/config-drive image onto dst,
// matching copy_config_drive.
func (c *Cloner) CopyConfigDrive(ctx context.Context, src, dst string) error {
	_, err := c.runner().Run(ctx, "dd", fmt.Sprintf("if=%s", src), fmt.Sprintf("of=%s", dst), "bs=512c", "conv=fsync")
	return err
}

// Anonymize strips host-identity files out of the cloned root filesystem
// so every VM cloned from the same image gets a distinct machine-id,
// matching anonymize(). Only ext2/3/4 images are supported.
func (c *Cloner) Anonymize(ctx context.Context, fsimage, fstype string, cleanupFiles, touchFiles []string) error {
	if !extFilesystems[fstype] {
		return &vmerrors.UnsupportedFilesystemError{FSType: fstype}
	}
	editor := extfs.New(fsimage)
	editor.Runner = c.runner()
	for _, path := range cleanupFiles {
		if err := editor.Rm(ctx, path); err != nil {
			return err
		}
	}
	for _, path := range touchFiles {
		if err := editor.MakeEmptyFile(ctx, path, 0o644); err != nil {
			return err
		}
	}
	return nil
}
