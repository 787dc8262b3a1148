// Package cloudinit provides cloud-init configuration generation for VM provisioning.
//
// This package generates cloud-init configuration files (user-data, meta-data, network-config)
// following the official cloud-init NoCloud datasource specification.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string     `yaml:"hostname"`
	FQDN              string     `yaml:"fqdn"`
	SSHAuthorizedKeys []string   `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd  `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool       `yaml:"ssh_pwauth"`
	Output            *Output    `yaml:"output,omitempty"`
	PhoneHome         *PhoneHome `yaml:"phone_home,omitempty"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"` // Whether to expire passwords on first login
	List   string `yaml:"list"`   // Format: "username:hash"
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// PhoneHome configures cloud-init's phone_home module, the module
// responsible for POSTing hostname/pub_key_rsa/instance_id back to the
// web callback server once the guest has finished booting.
type PhoneHome struct {
	URL   string   `yaml:"url"`
	Post  []string `yaml:"post"`
	Tries int      `yaml:"tries"`
}

// MetaData represents the cloud-init meta-data structure.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match     MatchConfig `yaml:"match"`
	Addresses []string    `yaml:"addresses,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// GenerateUserData generates the user-data YAML content for rec.
//
// Returns the complete user-data file content including the "#cloud-config" header.
func GenerateUserData(rec *config.VMRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("vm record cannot be nil")
	}

	userData := UserData{
		Hostname:        rec.Name,
		FQDN:            rec.Name,
		SSHPasswordAuth: false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	if len(rec.NetworkEnv.SSHAuthorizedKeys) > 0 {
		userData.SSHAuthorizedKeys = rec.NetworkEnv.SSHAuthorizedKeys
	}

	if rec.AdminPassword != "" {
		userData.Chpasswd = &Chpasswd{
			Expire: false,
			List:   fmt.Sprintf("root:%s", rec.AdminPassword),
		}
		userData.SSHPasswordAuth = true
	}

	if rec.NetworkEnv.WebCallbackURL != "" {
		userData.PhoneHome = &PhoneHome{
			URL:   rec.NetworkEnv.WebCallbackURL,
			Post:  []string{"pub_key_rsa", "instance_id", "hostname"},
			Tries: 10,
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", &vmerrors.TemplateRenderFailedError{Template: "user-data", Reason: err.Error()}
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData generates the meta-data YAML content for rec.
//
// The instance-id is rec.InstanceID, a fresh UUID minted once per
// orchestrator run (I-ID). Unlike using the VM name, this guarantees
// cloud-init treats every redefine as a new instance and re-runs its
// per-instance modules, including phone_home.
func GenerateMetaData(rec *config.VMRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("vm record cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    rec.InstanceID,
		LocalHostname: rec.Name,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", &vmerrors.TemplateRenderFailedError{Template: "meta-data", Reason: err.Error()}
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig generates the network-config YAML content for
// rec's interfaces.
//
// Uses netplan version 2 format with ethernet interfaces matched by MAC
// address (I-MAC): on a redefine, the orchestrator preserves each
// interface's previously-assigned MAC, so guest-side interface naming
// never depends on PCI enumeration order.
func GenerateNetworkConfig(rec *config.VMRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("vm record cannot be nil")
	}

	if len(rec.Interfaces) == 0 {
		return "", fmt.Errorf("at least one network interface is required")
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: make(map[string]EthernetConfig),
	}

	names := make([]string, 0, len(rec.Interfaces))
	for name := range rec.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		iface := rec.Interfaces[name]
		if iface.MAC == "" {
			return "", fmt.Errorf("interface %s has no MAC address assigned", name)
		}
		ethConfig := EthernetConfig{
			Match: MatchConfig{MACAddress: iface.MAC},
		}
		if iface.IP != "" {
			ethConfig.Addresses = []string{iface.IP}
		}
		networkConfig.Ethernets[fmt.Sprintf("eth%d", i)] = ethConfig
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", &vmerrors.TemplateRenderFailedError{Template: "network-config", Reason: err.Error()}
	}

	return string(yamlBytes), nil
}
