// Package vmerrors defines the typed error kinds surfaced by the core
// provisioning packages. Leaf packages (subprocess, lvm, libvirtcli, extfs)
// return these unmodified; higher layers wrap them with fmt.Errorf("%w", ...)
// to add per-VM, per-phase context without losing errors.As matchability.
package vmerrors

import "fmt"

// SubprocessFailedError reports a non-zero exit from an external command.
type SubprocessFailedError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *SubprocessFailedError) Error() string {
	return fmt.Sprintf("%s %v: exit %d: %s", e.Cmd, e.Args, e.ExitCode, e.Stderr)
}

// NoSuchLVError reports a logical volume that does not exist.
type NoSuchLVError struct {
	VG, LV string
}

func (e *NoSuchLVError) Error() string {
	return fmt.Sprintf("no such LV %s/%s", e.VG, e.LV)
}

// NoSuchVGError reports a volume group that does not exist.
type NoSuchVGError struct {
	VG string
}

func (e *NoSuchVGError) Error() string {
	return fmt.Sprintf("no such VG %s", e.VG)
}

// NoSuchHostError reports a failed forward or reverse DNS lookup by name.
type NoSuchHostError struct {
	Host string
}

func (e *NoSuchHostError) Error() string {
	return fmt.Sprintf("no such host %s", e.Host)
}

// NoSuchIpError reports a failed reverse DNS lookup by address.
type NoSuchIpError struct { //nolint:revive // matches spec's error-kind vocabulary
	IP string
}

func (e *NoSuchIpError) Error() string {
	return fmt.Sprintf("no such IP %s", e.IP)
}

// NotABlockDeviceError reports that a path did not resolve to a block device.
type NotABlockDeviceError struct {
	Path string
}

func (e *NotABlockDeviceError) Error() string {
	return fmt.Sprintf("not a block device: %s", e.Path)
}

// DiskTooSmallError reports that a target LV cannot hold the requested layout.
type DiskTooSmallError struct {
	DiskSectors, RequiredSectors uint64
}

func (e *DiskTooSmallError) Error() string {
	return fmt.Sprintf("disk too small: have %d sectors, need %d", e.DiskSectors, e.RequiredSectors)
}

// UnsupportedFilesystemError reports a source filesystem type we cannot clone.
type UnsupportedFilesystemError struct {
	FSType string
}

func (e *UnsupportedFilesystemError) Error() string {
	return fmt.Sprintf("unsupported filesystem: %s", e.FSType)
}

// BadPartitionTableError reports a partition table that could not be parsed.
type BadPartitionTableError struct {
	Device string
	Reason string
}

func (e *BadPartitionTableError) Error() string {
	return fmt.Sprintf("bad partition table on %s: %s", e.Device, e.Reason)
}

// TemplateRenderFailedError reports a failure rendering a cloud-init or
// Autounattend template.
type TemplateRenderFailedError struct {
	Template string
	Reason   string
}

func (e *TemplateRenderFailedError) Error() string {
	return fmt.Sprintf("template render failed for %s: %s", e.Template, e.Reason)
}

// MalformedRequestError reports an invalid phone-home POST.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Reason)
}
