package naming

import "testing"

func TestMACFromIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{name: "basic IP", ip: "10.20.30.40", want: "be:ef:0a:14:1e:28"},
		{name: "IP with CIDR", ip: "10.250.250.10/24", want: "be:ef:0a:fa:fa:0a"},
		{name: "zero octets", ip: "10.0.0.1", want: "be:ef:0a:00:00:01"},
		{name: "invalid IP", ip: "not-an-ip", wantErr: true},
		{name: "IPv6 address", ip: "2001:db8::1", wantErr: true},
		{name: "invalid CIDR", ip: "10.1.2.3/99", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MACFromIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("MACFromIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MACFromIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInterfaceNameFromIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{name: "basic IP", ip: "10.20.30.40", want: "vm0a141e28"},
		{name: "IP with CIDR", ip: "10.250.250.10/24", want: "vm0afafa0a"},
		{name: "high octets", ip: "192.168.1.100", want: "vmc0a80164"},
		{name: "invalid IP", ip: "not-an-ip", wantErr: true},
		{name: "IPv6 address", ip: "2001:db8::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InterfaceNameFromIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("InterfaceNameFromIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("InterfaceNameFromIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLVNameOS(t *testing.T) {
	tests := []struct{ vmName, want string }{
		{"my-vm", "my-vm-os"},
		{"web-server", "web-server-os"},
		{"vm123", "vm123-os"},
	}
	for _, tt := range tests {
		t.Run(tt.vmName, func(t *testing.T) {
			if got := LVNameOS(tt.vmName); got != tt.want {
				t.Errorf("LVNameOS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLVNameData(t *testing.T) {
	tests := []struct {
		vmName string
		idx    int
		want   string
	}{
		{"osd1", 0, "osd1_0-data"},
		{"osd1", 2, "osd1_2-data"},
	}
	for _, tt := range tests {
		got := LVNameData(tt.vmName, tt.idx)
		if got != tt.want {
			t.Errorf("LVNameData(%s, %d) = %v, want %v", tt.vmName, tt.idx, got, tt.want)
		}
	}
}

func TestLVNameJournal(t *testing.T) {
	if got := LVNameJournal("osd1"); got != "osd1-journal" {
		t.Errorf("LVNameJournal() = %v", got)
	}
}

func TestEscapeDMName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ssd-vg", "ssd--vg"},
		{"plain", "plain"},
		{"a-b-c", "a--b--c"},
	}
	for _, tt := range tests {
		if got := EscapeDMName(tt.in); got != tt.want {
			t.Errorf("EscapeDMName(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDMPath(t *testing.T) {
	got := DMPath("ssd-vg", "web1-os")
	want := "/dev/mapper/ssd--vg-web1--os"
	if got != want {
		t.Errorf("DMPath() = %v, want %v", got, want)
	}
}
