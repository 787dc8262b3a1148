package libvirtcli

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/asheplyakov/vmbuilder/internal/subprocess"
	"github.com/asheplyakov/vmbuilder/internal/vmerrors"
)

// virshNotFoundExit is the exit code virsh uses when a domain or network
// lookup fails, matching virtutils.py's VIRSH_NOT_FOUND.
const virshNotFoundExit = 1

// Client drives virsh as a subprocess; no libvirt RPC connection is ever
// opened by this process, per virtutils.py's subprocess-only design.
type Client struct {
	Runner *subprocess.Runner
	URI    string // libvirt connect URI, e.g. "qemu:///system"; empty uses virsh's default
}

// New returns a Client talking to the default libvirt connection.
func New() *Client {
	return &Client{Runner: &subprocess.Runner{}}
}

func (c *Client) runner() *subprocess.Runner {
	if c.Runner != nil {
		return c.Runner
	}
	return &subprocess.Runner{}
}

func (c *Client) args(rest ...string) []string {
	if c.URI == "" {
		return rest
	}
	return append([]string{"-c", c.URI}, rest...)
}

// VMExists reports whether a domain named name is defined (running or not).
func (c *Client) VMExists(ctx context.Context, name string) (bool, error) {
	_, err := c.runner().Run(ctx, "virsh", c.args("dominfo", name)...)
	if err != nil {
		if sf, ok := err.(*vmerrors.SubprocessFailedError); ok && sf.ExitCode == virshNotFoundExit {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DumpXML returns the current domain XML for name.
func (c *Client) DumpXML(ctx context.Context, name string) (string, error) {
	return c.runner().Run(ctx, "virsh", c.args("dumpxml", name)...)
}

// Define (re)defines a domain from xmlDoc, piped to virsh over stdin,
// matching virtutils.py's define_vm.
func (c *Client) Define(ctx context.Context, xmlDoc string) error {
	_, err := c.runner().RunStdin(ctx, []byte(xmlDoc), "virsh", c.args("define", "/dev/stdin")...)
	return err
}

// Undefine removes a domain's definition without touching its storage.
func (c *Client) Undefine(ctx context.Context, name string) error {
	_, err := c.runner().Run(ctx, "virsh", c.args("undefine", name, "--nvram")...)
	return err
}

// Destroy forcibly stops a running domain. It is not an error if the
// domain is already stopped; virsh's own "domain is not running" failure
// is treated as success.
func (c *Client) Destroy(ctx context.Context, name string) error {
	_, err := c.runner().Run(ctx, "virsh", c.args("destroy", name)...)
	if err != nil {
		if sf, ok := err.(*vmerrors.SubprocessFailedError); ok &&
			strings.Contains(strings.ToLower(sf.Stderr), "domain is not running") {
			return nil
		}
		return err
	}
	return nil
}

// Start powers on a previously-defined, stopped domain.
func (c *Client) Start(ctx context.Context, name string) error {
	_, err := c.runner().Run(ctx, "virsh", c.args("start", name)...)
	return err
}

// NetDumpXML returns the XML definition of a libvirt network.
func (c *Client) NetDumpXML(ctx context.Context, netName string) (string, error) {
	return c.runner().Run(ctx, "virsh", c.args("net-dumpxml", netName)...)
}

// netXML mirrors the small slice of <network> fields this package reads.
type netXML struct {
	IP struct {
		Address string `xml:"address,attr"`
		Netmask string `xml:"netmask,attr"`
	} `xml:"ip"`
	Domain struct {
		Name string `xml:"name,attr"`
	} `xml:"domain"`
}

// NetHostIP returns the IPv4 address assigned to the network's bridge
// (the gateway/host-side address), matching virtutils.py's
// get_network_host_ip.
func (c *Client) NetHostIP(ctx context.Context, netName string) (string, error) {
	out, err := c.NetDumpXML(ctx, netName)
	if err != nil {
		return "", err
	}
	var n netXML
	if err := xml.Unmarshal([]byte(out), &n); err != nil {
		return "", fmt.Errorf("libvirtcli: parsing net-dumpxml for %s: %w", netName, err)
	}
	if n.IP.Address == "" {
		return "", fmt.Errorf("libvirtcli: network %s has no ip address element", netName)
	}
	return n.IP.Address, nil
}

// NetDomain returns the DNS domain name configured for the network, or
// "" if none is set.
func (c *Client) NetDomain(ctx context.Context, netName string) (string, error) {
	out, err := c.NetDumpXML(ctx, netName)
	if err != nil {
		return "", err
	}
	var n netXML
	if err := xml.Unmarshal([]byte(out), &n); err != nil {
		return "", fmt.Errorf("libvirtcli: parsing net-dumpxml for %s: %w", netName, err)
	}
	return n.Domain.Name, nil
}

// domainInterfacesXML mirrors the small slice of <domain><devices> this
// package reads to recover a previously-defined VM's interface MACs.
type domainInterfacesXML struct {
	Devices struct {
		Interfaces []struct {
			Type   string `xml:"type,attr"`
			Source struct {
				Network string `xml:"network,attr"`
			} `xml:"source"`
			MAC struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
			Target struct {
				Dev string `xml:"dev,attr"`
			} `xml:"target"`
		} `xml:"interface"`
	} `xml:"devices"`
}

// GetVMMACs returns the MAC addresses currently assigned to name's network
// interfaces keyed by source network, matching virtutils.py's
// get_vm_macs/_get_vm_macs, so a redefine can preserve a MAC by the
// network it's attached to (I-MAC) rather than by document position.
func (c *Client) GetVMMACs(ctx context.Context, name string) (map[string]string, error) {
	out, err := c.DumpXML(ctx, name)
	if err != nil {
		return nil, err
	}
	var d domainInterfacesXML
	if err := xml.Unmarshal([]byte(out), &d); err != nil {
		return nil, fmt.Errorf("libvirtcli: parsing dumpxml for %s: %w", name, err)
	}
	macs := make(map[string]string, len(d.Devices.Interfaces))
	for _, iface := range d.Devices.Interfaces {
		if iface.Type != "network" || iface.Source.Network == "" {
			continue
		}
		macs[iface.Source.Network] = iface.MAC.Address
	}
	return macs, nil
}
