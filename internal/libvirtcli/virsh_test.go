package libvirtcli

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestNetXMLParsesHostIPAndDomain(t *testing.T) {
	doc := `<network>
  <name>vmnet</name>
  <domain name="vms.example.com"/>
  <ip address="192.168.100.1" netmask="255.255.255.0"/>
</network>`
	var n netXML
	if err := xml.Unmarshal([]byte(doc), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.IP.Address != "192.168.100.1" {
		t.Errorf("IP.Address = %s", n.IP.Address)
	}
	if n.Domain.Name != "vms.example.com" {
		t.Errorf("Domain.Name = %s", n.Domain.Name)
	}
}

func TestDomainInterfacesXMLParsesMACsAndSourceNetwork(t *testing.T) {
	doc := `<domain>
  <devices>
    <interface type="network">
      <source network="vmnet"/>
      <mac address="52:54:00:aa:bb:cc"/>
      <target dev="vnet0"/>
    </interface>
    <interface type="network">
      <source network="storagenet"/>
      <mac address="52:54:00:dd:ee:ff"/>
      <target dev="vnet1"/>
    </interface>
  </devices>
</domain>`
	var d domainInterfacesXML
	if err := xml.Unmarshal([]byte(doc), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(d.Devices.Interfaces) != 2 {
		t.Fatalf("got %d interfaces", len(d.Devices.Interfaces))
	}
	if d.Devices.Interfaces[0].Source.Network != "vmnet" {
		t.Errorf("first source network = %s", d.Devices.Interfaces[0].Source.Network)
	}
	if d.Devices.Interfaces[0].MAC.Address != "52:54:00:aa:bb:cc" {
		t.Errorf("first MAC = %s", d.Devices.Interfaces[0].MAC.Address)
	}
	if d.Devices.Interfaces[1].Source.Network != "storagenet" {
		t.Errorf("second source network = %s", d.Devices.Interfaces[1].Source.Network)
	}
	if d.Devices.Interfaces[1].MAC.Address != "52:54:00:dd:ee:ff" {
		t.Errorf("second MAC = %s", d.Devices.Interfaces[1].MAC.Address)
	}
}

func TestClientArgsPrependsURI(t *testing.T) {
	c := &Client{URI: "qemu:///system"}
	got := c.args("dominfo", "myvm")
	want := []string{"-c", "qemu:///system", "dominfo", "myvm"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestClientArgsNoURI(t *testing.T) {
	c := &Client{}
	got := c.args("dominfo", "myvm")
	want := []string{"dominfo", "myvm"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", got, want)
	}
}
