// Package naming provides infrastructure-level naming conventions shared
// across the core: deterministic MAC/interface derivation for newly-created
// network interfaces, logical-volume name conventions for a VM's drives,
// and the device-mapper escaping rule LVM uses for its /dev/mapper nodes.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// MACFromIP calculates a deterministic MAC address from an IP address, for
// interfaces that have never been assigned one by a prior domain
// definition. Uses the RFC 2731 local-assignment prefix be:ef:.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// InterfaceNameFromIP calculates a deterministic tap interface name from an
// IP address. Format: vm{hex_octets} (10 chars total, well within Linux's
// 15-char interface name limit).
//
// Example: IP 10.55.22.22 → vm0a371616
func InterfaceNameFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x", ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}
	ipv4 := parsed.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

// LVNameOS returns the thin-LV name for a VM's root/boot disk.
func LVNameOS(vmName string) string {
	return fmt.Sprintf("%s-os", vmName)
}

// LVNameJournal returns the thin-LV name for a VM's journal disk (osd role).
func LVNameJournal(vmName string) string {
	return fmt.Sprintf("%s-journal", vmName)
}

// LVNameData returns the thin-LV name for the idx'th data disk of a VM.
func LVNameData(vmName string, idx int) string {
	return fmt.Sprintf("%s_%d-data", vmName, idx)
}

// EscapeDMName applies LVM's device-mapper escaping rule: every literal '-'
// in a VG or LV name is doubled, then the two escaped components are joined
// by a single unescaped '-'. Ported from thinpool.py's lv path handling.
func EscapeDMName(name string) string {
	return strings.ReplaceAll(name, "-", "--")
}

// DMPath returns the /dev/mapper path for a VG/LV pair, e.g.
// vg=ssd-vg, lv=web1-os -> /dev/mapper/ssd--vg-web1--os.
func DMPath(vg, lv string) string {
	return fmt.Sprintf("/dev/mapper/%s-%s", EscapeDMName(vg), EscapeDMName(lv))
}
