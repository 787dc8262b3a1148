package orchestrator

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/asheplyakov/vmbuilder/internal/clone"
	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/runstate"
)

type fakeDomainClient struct {
	existing    map[string]bool
	macs        map[string]map[string]string
	defined     []string
	undefined   []string
	destroyed   []string
	started     []string
	destroyErrs map[string]error
}

func (f *fakeDomainClient) VMExists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}
func (f *fakeDomainClient) GetVMMACs(_ context.Context, name string) (map[string]string, error) {
	return f.macs[name], nil
}
func (f *fakeDomainClient) Define(_ context.Context, xmlDoc string) error {
	f.defined = append(f.defined, xmlDoc)
	return nil
}
func (f *fakeDomainClient) Undefine(_ context.Context, name string) error {
	f.undefined = append(f.undefined, name)
	return nil
}
func (f *fakeDomainClient) Destroy(_ context.Context, name string) error {
	f.destroyed = append(f.destroyed, name)
	if f.destroyErrs != nil {
		return f.destroyErrs[name]
	}
	return nil
}
func (f *fakeDomainClient) Start(_ context.Context, name string) error {
	f.started = append(f.started, name)
	return nil
}

func testCluster() *config.ClusterDef {
	return &config.ClusterDef{
		ClusterName: "test",
		Hosts: map[string][]config.HostEntry{
			"web": {{Name: "web1"}, {Name: "web2"}},
			"db":  {{Name: "db1"}},
		},
		Machine: config.MachineDefaults{
			Drives: map[string]config.DriveSpec{
				"os": {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 10240},
			},
		},
	}
}

func TestResolveHostsAllWhenNoTargets(t *testing.T) {
	cluster := testCluster()
	hosts, err := resolveHosts(cluster, nil)
	if err != nil {
		t.Fatalf("resolveHosts: %v", err)
	}
	if len(hosts) != 3 {
		t.Fatalf("got %d hosts, want 3", len(hosts))
	}
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Host.Name
	}
	sort.Strings(names)
	want := []string{"db1", "web1", "web2"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestResolveHostsExplicitTargets(t *testing.T) {
	cluster := testCluster()
	hosts, err := resolveHosts(cluster, []config.Target{{Name: "web2", Role: "web"}})
	if err != nil {
		t.Fatalf("resolveHosts: %v", err)
	}
	if len(hosts) != 1 || hosts[0].Host.Name != "web2" {
		t.Fatalf("got %+v, want [web2]", hosts)
	}
}

func TestResolveHostsUnknownTargetErrors(t *testing.T) {
	cluster := testCluster()
	if _, err := resolveHosts(cluster, []config.Target{{Name: "ghost", Role: "web"}}); err == nil {
		t.Fatal("expected error for unknown vm")
	}
	if _, err := resolveHosts(cluster, []config.Target{{Name: "web1", Role: "ghost-role"}}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestDeleteAllDestroysAndUndefinesEveryTarget(t *testing.T) {
	fc := &fakeDomainClient{existing: map[string]bool{}, macs: map[string]map[string]string{}}
	hosts := []resolvedHost{{Host: config.HostEntry{Name: "web1"}, Role: "web"}, {Host: config.HostEntry{Name: "db1"}, Role: "db"}}

	if err := deleteAll(context.Background(), Deps{Libvirt: fc}, hosts); err != nil {
		t.Fatalf("deleteAll: %v", err)
	}
	if len(fc.destroyed) != 2 || len(fc.undefined) != 2 {
		t.Errorf("destroyed=%v undefined=%v, want 2 each", fc.destroyed, fc.undefined)
	}
}

func TestFillMissingMACsDerivesFromIP(t *testing.T) {
	rec := &config.VMRecord{
		Name: "web1",
		Interfaces: map[string]config.InterfaceSpec{
			"default": {SourceNet: "vmnet", IP: "10.0.1.10/24"},
		},
	}
	if err := fillMissingMACs(rec); err != nil {
		t.Fatalf("fillMissingMACs: %v", err)
	}
	if rec.Interfaces["default"].MAC != "be:ef:0a:00:01:0a" {
		t.Errorf("MAC = %q, want be:ef:0a:00:01:0a", rec.Interfaces["default"].MAC)
	}
}

func TestFillMissingMACsPreservesExisting(t *testing.T) {
	rec := &config.VMRecord{
		Interfaces: map[string]config.InterfaceSpec{
			"default": {SourceNet: "vmnet", MAC: "52:54:00:aa:bb:cc", IP: "10.0.1.10/24"},
		},
	}
	if err := fillMissingMACs(rec); err != nil {
		t.Fatalf("fillMissingMACs: %v", err)
	}
	if rec.Interfaces["default"].MAC != "52:54:00:aa:bb:cc" {
		t.Error("fillMissingMACs overwrote an already-assigned MAC")
	}
}

func TestFillMissingMACsErrorsWithoutIP(t *testing.T) {
	rec := &config.VMRecord{
		Name:       "web1",
		Interfaces: map[string]config.InterfaceSpec{"default": {SourceNet: "vmnet"}},
	}
	if err := fillMissingMACs(rec); err == nil {
		t.Fatal("expected error when neither MAC nor IP is available")
	}
}

func TestPreserveMACsMatchesBySourceNetwork(t *testing.T) {
	fc := &fakeDomainClient{
		existing: map[string]bool{"web1": true},
		// Keyed by source network, not by any interface-name ordering —
		// "zzz" sorts after "aaa" but must still pick up vmnet's MAC.
		macs: map[string]map[string]string{
			"web1": {"storagenet": "bb:bb:bb:bb:bb:bb", "vmnet": "aa:aa:aa:aa:aa:aa"},
		},
	}
	rec := &config.VMRecord{
		Name: "web1",
		Interfaces: map[string]config.InterfaceSpec{
			"zzz": {SourceNet: "vmnet"},
			"aaa": {SourceNet: "storagenet"},
		},
	}
	if err := preserveMACs(context.Background(), fc, rec); err != nil {
		t.Fatalf("preserveMACs: %v", err)
	}
	if rec.Interfaces["zzz"].MAC != "aa:aa:aa:aa:aa:aa" {
		t.Errorf("zzz (vmnet) MAC = %q, want aa:aa:aa:aa:aa:aa", rec.Interfaces["zzz"].MAC)
	}
	if rec.Interfaces["aaa"].MAC != "bb:bb:bb:bb:bb:bb" {
		t.Errorf("aaa (storagenet) MAC = %q, want bb:bb:bb:bb:bb:bb", rec.Interfaces["aaa"].MAC)
	}
}

func TestPreserveMACsSkipsInterfaceWhoseNetworkHasNoPriorMAC(t *testing.T) {
	fc := &fakeDomainClient{
		existing: map[string]bool{"web1": true},
		macs:     map[string]map[string]string{"web1": {"vmnet": "aa:aa:aa:aa:aa:aa"}},
	}
	rec := &config.VMRecord{
		Name: "web1",
		Interfaces: map[string]config.InterfaceSpec{
			"default": {SourceNet: "vmnet"},
			"storage": {SourceNet: "storagenet"},
		},
	}
	if err := preserveMACs(context.Background(), fc, rec); err != nil {
		t.Fatalf("preserveMACs: %v", err)
	}
	if rec.Interfaces["default"].MAC != "aa:aa:aa:aa:aa:aa" {
		t.Errorf("default MAC = %q, want aa:aa:aa:aa:aa:aa", rec.Interfaces["default"].MAC)
	}
	if rec.Interfaces["storage"].MAC != "" {
		t.Errorf("storage MAC = %q, want empty (no prior interface on storagenet)", rec.Interfaces["storage"].MAC)
	}
}

func TestPreserveMACsNoopWhenVMDoesNotExist(t *testing.T) {
	fc := &fakeDomainClient{existing: map[string]bool{}, macs: map[string]map[string]string{}}
	rec := &config.VMRecord{
		Name:       "web1",
		Interfaces: map[string]config.InterfaceSpec{"default": {SourceNet: "vmnet"}},
	}
	if err := preserveMACs(context.Background(), fc, rec); err != nil {
		t.Fatalf("preserveMACs: %v", err)
	}
	if rec.Interfaces["default"].MAC != "" {
		t.Error("expected MAC to remain empty when VM does not exist")
	}
}

type fakeLVCreator struct {
	created []string
}

func (f *fakeLVCreator) CreateThinLV(_ context.Context, vg, thinPool, lv string, sizeMiB uint64, force bool) error {
	f.created = append(f.created, vg+"/"+lv)
	return nil
}

func TestCreateDeclaredLVsSkipsInstallImageAndOrdersData(t *testing.T) {
	rec := &config.VMRecord{
		Name: "web1",
		Drives: map[string]config.DriveSpec{
			"os":            {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 10240},
			"journal":       {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 2048},
			"z-extra":       {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 4096},
			"install_image": {Path: "/srv/img.raw"},
		},
	}
	lvc := &fakeLVCreator{}
	if err := createDeclaredLVs(context.Background(), lvc, rec, false); err != nil {
		t.Fatalf("createDeclaredLVs: %v", err)
	}
	want := []string{"vg0/web1-journal", "vg0/web1-os", "vg0/web1_0-data"}
	if len(lvc.created) != len(want) {
		t.Fatalf("created = %v, want %v", lvc.created, want)
	}
	for i := range want {
		if lvc.created[i] != want[i] {
			t.Errorf("created[%d] = %q, want %q", i, lvc.created[i], want[i])
		}
	}
}

func TestBuildDomainSpecOSDiskIsFirstAndBootable(t *testing.T) {
	rec := &config.VMRecord{
		Name: "web1",
		Resources: config.Resources{
			CPUCount:  2,
			MaxRAMMiB: 2048,
		},
		Drives: map[string]config.DriveSpec{
			"os":            {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 10240},
			"data":          {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 4096},
			"install_image": {Path: "/srv/img.raw"},
		},
		Interfaces: map[string]config.InterfaceSpec{
			"default": {SourceNet: "vmnet", MAC: "aa:aa:aa:aa:aa:aa"},
			"storage": {SourceNet: "storagenet", MAC: "bb:bb:bb:bb:bb:bb"},
		},
	}
	spec := buildDomainSpec(rec, "/srv/cidata/web1.iso")

	if len(spec.Disks) != 3 {
		t.Fatalf("got %d disks, want 3 (os, data, cdrom)", len(spec.Disks))
	}
	if spec.Disks[0].Target != "vda" || !strings.Contains(spec.Disks[0].DevPath, "-os") {
		t.Errorf("first disk = %+v, want os disk on vda", spec.Disks[0])
	}
	last := spec.Disks[len(spec.Disks)-1]
	if last.Device != "cdrom" || last.DevPath != "/srv/cidata/web1.iso" {
		t.Errorf("last disk = %+v, want the config-drive cdrom", last)
	}

	if len(spec.Interfaces) != 2 {
		t.Fatalf("got %d interfaces, want 2", len(spec.Interfaces))
	}
	if spec.Interfaces[0].TargetDev != "web1-eth0" {
		t.Errorf("first interface target = %q, want web1-eth0 (sorted 'default' before 'storage')", spec.Interfaces[0].TargetDev)
	}
}

type fakeProvisioner struct {
	provisioned    []string
	provisionedWin []string
}

func (f *fakeProvisioner) Provision(_ context.Context, vdisk string, _ clone.Options) error {
	f.provisioned = append(f.provisioned, vdisk)
	return nil
}
func (f *fakeProvisioner) ProvisionWindows(_ context.Context, vdisk string) error {
	f.provisionedWin = append(f.provisionedWin, vdisk)
	return nil
}

type fakeThrottle struct {
	acquired []string
	released []string
}

func (f *fakeThrottle) Acquire(_ context.Context, instanceID string) error {
	f.acquired = append(f.acquired, instanceID)
	return nil
}
func (f *fakeThrottle) Release(instanceID string) {
	f.released = append(f.released, instanceID)
}

func TestProvisionOneRoutesWindowsToProvisionWindows(t *testing.T) {
	rec := &config.VMRecord{
		Name:   "win1",
		Distro: "windows",
		Drives: map[string]config.DriveSpec{
			"os": {VG: "vg0", ThinPool: "pool0", DiskSizeMiB: 20480},
		},
		Interfaces:    map[string]config.InterfaceSpec{"default": {SourceNet: "vmnet", MAC: "aa:aa:aa:aa:aa:aa"}},
		AdminPassword: "s3cret!",
	}
	fp := &fakeProvisioner{}
	fc := &fakeDomainClient{existing: map[string]bool{}, macs: map[string]map[string]string{}}
	deps := Deps{
		Libvirt: fc,
		Cloner:  fp,
		LVM:     &fakeLVCreator{},
		ConfigDrive: func(_ context.Context, rec *config.VMRecord, _ string) (string, error) {
			return "/fake/" + rec.Name + "-cidata.img", nil
		},
	}
	ft := &fakeThrottle{}
	if err := provisionOne(context.Background(), deps, ft, runstate.New(), rec, false); err != nil {
		t.Fatalf("provisionOne: %v", err)
	}
	if len(ft.acquired) != 1 || ft.acquired[0] != rec.InstanceID {
		t.Errorf("acquired = %v, want one acquire for %q", ft.acquired, rec.InstanceID)
	}
	if len(fp.provisionedWin) != 1 {
		t.Fatalf("ProvisionWindows called %d times, want 1", len(fp.provisionedWin))
	}
	if len(fp.provisioned) != 0 {
		t.Error("Provision (unix path) should not have been called for a windows VM")
	}
}
