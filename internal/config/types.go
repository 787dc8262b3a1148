// Package config loads cluster definitions and folds cluster-wide,
// machine-wide, and per-host settings into one canonical VMRecord per
// target, following vmbuilder.py's merge_vm_info cascade.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// DriveSpec describes one of a VM's drives: either a thin-LV to be
// created (VG/ThinPool/SizeMiB set) or a plain path to an existing file
// (Path set), matching the `drives` mapping values in the cluster YAML.
type DriveSpec struct {
	VG          string `yaml:"vg,omitempty"`
	ThinPool    string `yaml:"thin_pool,omitempty"`
	DiskSizeMiB uint64 `yaml:"disk_size_mib,omitempty"`
	Path        string `yaml:"path,omitempty"`
}

// IsLV reports whether this drive is backed by an LVM thin LV rather
// than a plain file path.
func (d DriveSpec) IsLV() bool { return d.VG != "" }

// InterfaceSpec describes one network attachment. MAC is normally empty
// in the cluster YAML and filled in by the orchestrator from a prior
// domain definition, or derived fresh from a static IP if this is a
// first-time define.
type InterfaceSpec struct {
	SourceNet string `yaml:"source_net"`
	MAC       string `yaml:"mac,omitempty"`
	IP        string `yaml:"ip,omitempty"`
}

// MachineDefaults is the `machine` section of the cluster YAML: defaults
// applied to every host unless a host overrides them.
type MachineDefaults struct {
	CPUCount   int                      `yaml:"cpu_count"`
	BaseRAMMiB int                      `yaml:"base_ram"`
	MaxRAMMiB  int                      `yaml:"max_ram"`
	SwapMiB    int                      `yaml:"swap_size"`
	SwapLabel  string                   `yaml:"swap_label"`
	VMTemplate string                   `yaml:"vm_template"`
	Drives     map[string]DriveSpec     `yaml:"drives"`
	Interfaces map[string]InterfaceSpec `yaml:"interfaces"`
}

// SourceImage is the `source_image` cluster YAML section: either a local
// Path or a URL template (with a {distro_release} placeholder).
type SourceImage struct {
	Path string `yaml:"path,omitempty"`
	URL  string `yaml:"url,omitempty"`
}

// NetConf is the optional `net_conf` cluster YAML section.
type NetConf struct {
	HTTPProxy      string `yaml:"http_proxy,omitempty"`
	WebCallbackURL string `yaml:"web_callback_url,omitempty"`
}

// HostEntry is one VM object under a `hosts.<role>` list: a name plus
// any per-host overrides of the machine defaults.
type HostEntry struct {
	Name          string                   `yaml:"name"`
	CPUCount      int                      `yaml:"cpu_count,omitempty"`
	BaseRAMMiB    int                      `yaml:"base_ram,omitempty"`
	MaxRAMMiB     int                      `yaml:"max_ram,omitempty"`
	SwapMiB       int                      `yaml:"swap_size,omitempty"`
	SwapLabel     string                   `yaml:"swap_label,omitempty"`
	VMTemplate    string                   `yaml:"vm_template,omitempty"`
	Distro        string                   `yaml:"distro,omitempty"`
	DistroRelease string                   `yaml:"distro_release,omitempty"`
	AdminPassword string                   `yaml:"admin_password,omitempty"`
	AnsiblePass   string                   `yaml:"ansible_password,omitempty"`
	Drives        map[string]DriveSpec     `yaml:"drives,omitempty"`
	Interfaces    map[string]InterfaceSpec `yaml:"interfaces,omitempty"`
}

// ClusterDef is the top-level shape of a cluster definition YAML file.
type ClusterDef struct {
	ClusterName   string                 `yaml:"cluster_name"`
	Hosts         map[string][]HostEntry `yaml:"hosts"`
	Machine       MachineDefaults        `yaml:"machine"`
	SourceImage   SourceImage            `yaml:"source_image"`
	Distro        string                 `yaml:"distro"`
	DistroRelease string                 `yaml:"distro_release"`
	AdminPassword string                 `yaml:"admin_password"`
	NetConf       NetConf                `yaml:"net_conf,omitempty"`
}

// Resources is a VMRecord's cpu/ram/swap sizing, folded from machine
// defaults and host overrides.
type Resources struct {
	CPUCount   int
	BaseRAMMiB int
	MaxRAMMiB  int
	SwapMiB    int
	SwapLabel  string
}

// NetworkEnv is the network-provisioning context folded into every
// VMRecord: the hypervisor's own address, optional proxy, the phone-home
// URL guests must POST to, and the operator identity to seed into
// cloud-init.
type NetworkEnv struct {
	HypervisorIP      string
	HTTPProxy         string
	WebCallbackURL    string
	SSHAuthorizedKeys []string
	Whoami            string
}

// VMRecord is the canonical, fully-merged description of one VM, built
// by Merge from a ClusterDef + HostEntry + role. It is immutable once
// constructed.
type VMRecord struct {
	Name          string
	Role          string
	InstanceID    string
	Distro        string
	DistroRelease string
	AdminPassword string
	AnsiblePass   string
	Resources     Resources
	Drives        map[string]DriveSpec
	Interfaces    map[string]InterfaceSpec
	NetworkEnv    NetworkEnv
	VMTemplate    string
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*[a-z0-9]$|^[a-z0-9]$`)

// Validate checks structural invariants of a fully-merged VMRecord: a
// libvirt-safe name, at least one interface, an OS drive, and (I-c) a
// required ansible_password on any windows-role record.
func (v *VMRecord) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("config: vm name is required")
	}
	if !namePattern.MatchString(v.Name) {
		return fmt.Errorf("config: invalid vm name %q", v.Name)
	}
	if _, ok := v.Drives["os"]; !ok {
		return fmt.Errorf("config: vm %s: missing required 'os' drive", v.Name)
	}
	if len(v.Interfaces) == 0 {
		return fmt.Errorf("config: vm %s: at least one interface is required", v.Name)
	}
	if v.Distro == "windows" && v.AnsiblePass == "" {
		return fmt.Errorf("config: vm %s: ansible_password is required for windows hosts", v.Name)
	}
	for i, key := range v.NetworkEnv.SSHAuthorizedKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("config: vm %s: ssh_authorized_keys[%d] invalid: %w", v.Name, i, err)
		}
	}
	return nil
}

// LoadClusterDef reads and unmarshals a cluster definition YAML file.
func LoadClusterDef(path string) (*ClusterDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var def ClusterDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	def.ClusterName = strings.TrimSpace(def.ClusterName)
	if def.ClusterName == "" {
		def.ClusterName = "unknown"
	}
	return &def, nil
}

// Target is a (vm, role) pair selected for an orchestrator run, matching
// the vm_dict-from-CLI-args shape in vmbuilder.py's main().
type Target struct {
	Name string
	Role string
}

// ParseTargetArgs parses positional "VM:ROLE" CLI arguments into Targets.
func ParseTargetArgs(args []string) ([]Target, error) {
	targets := make([]Target, 0, len(args))
	for _, arg := range args {
		parts := strings.SplitN(arg, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("config: invalid target %q, want VM:ROLE", arg)
		}
		targets = append(targets, Target{Name: parts[0], Role: parts[1]})
	}
	return targets, nil
}
