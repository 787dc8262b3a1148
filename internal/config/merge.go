package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/asheplyakov/vmbuilder/internal/libvirtcli"
)

// Machine defaults mirroring vmbuilder.py's merge_vm_info builtin_machine,
// used when neither a host override nor a cluster-level machine default
// supplies a value.
const (
	builtinCPUCount   = 1
	builtinBaseRAMMiB = 1024
	builtinMaxRAMMiB  = 2048
	builtinSwapMiB    = 2048
	builtinSwapLabel  = "MOREVM"
	builtinVMTemplate = "vm.xml"
)

// DefaultWebCallbackURLTemplate mirrors vmbuilder.py's WEB_CALLBACK_URL.
const DefaultWebCallbackURLTemplate = "http://{hypervisor_ip}:8080"

// AuthorizedKeysLoader reads the local operator's SSH public keys, matching
// sshutils.py's get_authorized_keys.
type AuthorizedKeysLoader func() ([]string, error)

// DefaultAuthorizedKeysLoader reads ~/.ssh/authorized_keys, skipping
// comment lines, the Go equivalent of get_authorized_keys.
func DefaultAuthorizedKeysLoader() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("config: resolving home directory: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".ssh", "authorized_keys"))
	if err != nil {
		return nil, fmt.Errorf("config: reading authorized_keys: %w", err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

// Merger folds cluster defaults, machine defaults, and a single host's
// overrides into a canonical VMRecord, matching merge_vm_info.
type Merger struct {
	Cluster        *ClusterDef
	Libvirt        *libvirtcli.Client
	AuthorizedKeys AuthorizedKeysLoader
	Whoami         string // defaults to $USER
}

// NewMerger returns a Merger with package defaults for unset collaborators.
func NewMerger(cluster *ClusterDef, lv *libvirtcli.Client) *Merger {
	return &Merger{Cluster: cluster, Libvirt: lv, AuthorizedKeys: DefaultAuthorizedKeysLoader}
}

// Merge produces a VMRecord for host in role, assigning it a fresh
// instance ID (I-ID, I2).
func (m *Merger) Merge(ctx context.Context, host HostEntry, role string) (*VMRecord, error) {
	rec := &VMRecord{
		Name:       host.Name,
		Role:       role,
		InstanceID: uuid.New().String(),
	}

	rec.Resources = Resources{
		CPUCount:   firstNonZeroInt(host.CPUCount, m.Cluster.Machine.CPUCount, builtinCPUCount),
		BaseRAMMiB: firstNonZeroInt(host.BaseRAMMiB, m.Cluster.Machine.BaseRAMMiB, builtinBaseRAMMiB),
		MaxRAMMiB:  firstNonZeroInt(host.MaxRAMMiB, m.Cluster.Machine.MaxRAMMiB, builtinMaxRAMMiB),
		SwapMiB:    firstNonZeroInt(host.SwapMiB, m.Cluster.Machine.SwapMiB, builtinSwapMiB),
		SwapLabel:  firstNonEmpty(host.SwapLabel, m.Cluster.Machine.SwapLabel, builtinSwapLabel),
	}
	rec.VMTemplate = firstNonEmpty(host.VMTemplate, m.Cluster.Machine.VMTemplate, builtinVMTemplate)

	rec.Distro = firstNonEmpty(host.Distro, m.Cluster.Distro)
	rec.DistroRelease = firstNonEmpty(host.DistroRelease, m.Cluster.DistroRelease)
	rec.AdminPassword = firstNonEmpty(host.AdminPassword, m.Cluster.AdminPassword)
	rec.AnsiblePass = host.AnsiblePass

	drives := make(map[string]DriveSpec, len(m.Cluster.Machine.Drives)+len(host.Drives)+1)
	for k, v := range m.Cluster.Machine.Drives {
		drives[k] = v
	}
	for k, v := range host.Drives {
		drives[k] = v
	}
	installImage, err := m.resolveSourceImagePath()
	if err != nil {
		return nil, err
	}
	drives["install_image"] = DriveSpec{Path: installImage}
	rec.Drives = drives

	interfaces := make(map[string]InterfaceSpec, len(m.Cluster.Machine.Interfaces)+len(host.Interfaces))
	for k, v := range m.Cluster.Machine.Interfaces {
		interfaces[k] = v
	}
	for k, v := range host.Interfaces {
		interfaces[k] = v
	}
	rec.Interfaces = interfaces

	authKeys, err := m.authorizedKeys()
	if err != nil {
		return nil, err
	}
	whoami := m.Whoami
	if whoami == "" {
		whoami = os.Getenv("USER")
	}

	defaultIface, ok := interfaces["default"]
	if !ok {
		return nil, fmt.Errorf("config: vm %s: machine.interfaces must define a \"default\" entry", host.Name)
	}
	hypervisorIP, err := m.Libvirt.NetHostIP(ctx, defaultIface.SourceNet)
	if err != nil {
		return nil, fmt.Errorf("config: vm %s: resolving hypervisor IP: %w", host.Name, err)
	}

	httpProxy := renderHypervisorTemplate(m.Cluster.NetConf.HTTPProxy, hypervisorIP)
	webCallbackURL := renderHypervisorTemplate(
		firstNonEmpty(m.Cluster.NetConf.WebCallbackURL, DefaultWebCallbackURLTemplate), hypervisorIP)

	rec.NetworkEnv = NetworkEnv{
		HypervisorIP:      hypervisorIP,
		HTTPProxy:         httpProxy,
		WebCallbackURL:    webCallbackURL,
		SSHAuthorizedKeys: authKeys,
		Whoami:            whoami,
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Merger) authorizedKeys() ([]string, error) {
	if m.AuthorizedKeys == nil {
		return nil, nil
	}
	return m.AuthorizedKeys()
}

func (m *Merger) resolveSourceImagePath() (string, error) {
	if m.Cluster.SourceImage.Path != "" {
		return expandHome(m.Cluster.SourceImage.Path), nil
	}
	if m.Cluster.SourceImage.URL != "" {
		return "", fmt.Errorf("config: source_image.url requires pre-fetching the image; supply source_image.path instead")
	}
	return "", fmt.Errorf("config: source_image: either path or url must be specified")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func renderHypervisorTemplate(tpl, hypervisorIP string) string {
	if tpl == "" {
		return ""
	}
	return strings.ReplaceAll(tpl, "{hypervisor_ip}", hypervisorIP)
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// DefaultParallelProvision mirrors rebuild_vms's fallback: max(vmCount/2, 1)
// on SSD-backed storage, else 1, using Go's truncating integer division to
// match the literal `vm_count / 2` grouping in the original source.
func DefaultParallelProvision(vmCount int, osVGIsSSD bool) int {
	if !osVGIsSSD {
		return 1
	}
	v := vmCount / 2
	if v < 1 {
		v = 1
	}
	return v
}

// OSDiskPath returns the LV path for a VMRecord's OS drive, matching
// rebuild_vms's '/dev/{vg}/{vm}-os' construction.
func (v *VMRecord) OSDiskPath() (string, error) {
	osDrive, ok := v.Drives["os"]
	if !ok || !osDrive.IsLV() {
		return "", fmt.Errorf("config: vm %s: has no LV-backed os drive", v.Name)
	}
	return fmt.Sprintf("/dev/%s/%s-os", osDrive.VG, v.Name), nil
}

// String renders a VMRecord for log lines, e.g. "web1[role=web,instance=...]".
func (v *VMRecord) String() string {
	return fmt.Sprintf("%s[role=%s,instance=%s]", v.Name, v.Role, v.InstanceID)
}
