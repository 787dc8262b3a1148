// Package orchestrator coordinates the full rebuild of a set of VMs:
// resolving cluster targets, fanning per-VM pipelines across a bounded
// worker pool, admitting VMs to boot as provisioning completes, and
// waiting for every guest to phone home — mirroring vmbuilder.py's
// rebuild_vms.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/asheplyakov/vmbuilder/internal/clone"
	"github.com/asheplyakov/vmbuilder/internal/cloudinit"
	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/inventory"
	"github.com/asheplyakov/vmbuilder/internal/libvirtcli"
	"github.com/asheplyakov/vmbuilder/internal/lvm"
	"github.com/asheplyakov/vmbuilder/internal/naming"
	"github.com/asheplyakov/vmbuilder/internal/phonehome"
	"github.com/asheplyakov/vmbuilder/internal/runstate"
	"github.com/asheplyakov/vmbuilder/internal/sshhosts"
	"github.com/asheplyakov/vmbuilder/internal/throttle"
)

// DomainClient is the subset of *libvirtcli.Client the orchestrator drives.
type DomainClient interface {
	VMExists(ctx context.Context, name string) (bool, error)
	GetVMMACs(ctx context.Context, name string) (map[string]string, error)
	Define(ctx context.Context, xmlDoc string) error
	Undefine(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
}

// fillMissingMACs derives a deterministic MAC (naming.MACFromIP) for every
// interface that still has none after preserveMACs — freshly-defined VMs
// and newly-added interfaces on a redefine both land here.
func fillMissingMACs(rec *config.VMRecord) error {
	for name, iface := range rec.Interfaces {
		if iface.MAC != "" {
			continue
		}
		if iface.IP == "" {
			return fmt.Errorf("vm %s: interface %q has neither a preserved MAC nor a static IP to derive one from", rec.Name, name)
		}
		mac, err := naming.MACFromIP(iface.IP)
		if err != nil {
			return fmt.Errorf("vm %s: interface %q: %w", rec.Name, name, err)
		}
		iface.MAC = mac
		rec.Interfaces[name] = iface
	}
	return nil
}

// DomainSpec aliases libvirtcli.DomainSpec so callers of this package
// don't need a second import just to build a GenXML function literal.
type DomainSpec = libvirtcli.DomainSpec

// DomainXMLGenerator renders a DomainSpec to XML, split out from
// DomainClient so tests can stub XML rendering independently of any
// virsh-shaped client. In production this is libvirtcli.GenerateDomainXML.
type DomainXMLGenerator func(spec DomainSpec) (string, error)

// Provisioner is the subset of *clone.Cloner the orchestrator drives.
type Provisioner interface {
	Provision(ctx context.Context, vdisk string, opts clone.Options) error
	ProvisionWindows(ctx context.Context, vdisk string) error
}

// LVCreator is the subset of *lvm.Adapter the orchestrator drives.
type LVCreator interface {
	CreateThinLV(ctx context.Context, vg, thinPool, lv string, sizeMiB uint64, force bool) error
}

// Merger is the subset of *config.Merger the orchestrator drives.
type Merger interface {
	Merge(ctx context.Context, host config.HostEntry, role string) (*config.VMRecord, error)
}

// Throttler is the subset of *throttle.IOThrottler the orchestrator drives,
// gating how many VGs are hit by provisioning I/O at once (C10).
type Throttler interface {
	Acquire(ctx context.Context, instanceID string) error
	Release(instanceID string)
}

// Deps bundles every collaborator the orchestrator needs. Production
// callers build these from the real libvirtcli/clone/lvm/config packages;
// tests substitute fakes satisfying the narrow interfaces above.
type Deps struct {
	Libvirt    DomainClient
	GenXML     DomainXMLGenerator
	Cloner     Provisioner
	LVM        LVCreator
	Merger     Merger
	KnownHosts *sshhosts.KnownHosts
	Resolver   sshhosts.ReverseResolver
	Inventory  *inventory.Generator
	SSHConfig  *sshhosts.ConfigGenerator
	ListenAddr string
	// ConfigDriveDir is where per-VM config-drive images (ISO or FAT) are
	// written before being attached to the domain.
	ConfigDriveDir string
	// ConfigDrive overrides how a VM's config drive is built, mainly for
	// tests that want to avoid shelling out to mtools. Defaults to
	// buildConfigDrive (NoCloud ISO, or a FAT Autounattend image for
	// windows guests).
	ConfigDrive func(ctx context.Context, rec *config.VMRecord, dir string) (string, error)
	// Throttle overrides the per-VG I/O throttle (C10). Defaults to an
	// IOThrottler built from the merged VM batch via lvm.New().
	Throttle Throttler
}

// Options controls one orchestrator run, mirroring rebuild_vms's
// keyword arguments.
type Options struct {
	Cluster           *config.ClusterDef
	Targets           []config.Target
	Redefine          bool
	Delete            bool
	Parallel          int // concurrent first-boot budget; 0 = vm count
	ParallelProvision int // worker pool size; 0 = computed from SSD-ness
}

// resolvedHost pairs a HostEntry with the role it was declared under.
type resolvedHost struct {
	Host config.HostEntry
	Role string
}

// resolveHosts expands Options.Targets into concrete HostEntry/role pairs,
// or every host in the cluster if no targets were given, matching
// main()'s vm_dict construction and rebuild_vms's fallback to
// cluster_def['hosts'].
func resolveHosts(cluster *config.ClusterDef, targets []config.Target) ([]resolvedHost, error) {
	if len(targets) == 0 {
		roles := make([]string, 0, len(cluster.Hosts))
		for role := range cluster.Hosts {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		var all []resolvedHost
		for _, role := range roles {
			for _, h := range cluster.Hosts[role] {
				all = append(all, resolvedHost{Host: h, Role: role})
			}
		}
		return all, nil
	}

	out := make([]resolvedHost, 0, len(targets))
	for _, t := range targets {
		entries, ok := cluster.Hosts[t.Role]
		if !ok {
			return nil, fmt.Errorf("orchestrator: no such role %q", t.Role)
		}
		var found *config.HostEntry
		for i := range entries {
			if entries[i].Name == t.Name {
				found = &entries[i]
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("orchestrator: no such vm %q in role %q", t.Name, t.Role)
		}
		out = append(out, resolvedHost{Host: *found, Role: t.Role})
	}
	return out, nil
}

// WorkResult is one worker's outcome, pushed onto the launcher's channel;
// an Err forwards a provisioning failure for the launcher to re-raise,
// matching rebuild_vms's forward_thread_exceptions tuple.
type WorkResult struct {
	VMName string
	Err    error
}

// Run resolves opts.Targets against opts.Cluster, then either deletes the
// matched VMs or provisions and boots them, blocking until every expected
// guest has phoned home (or a worker error aborts the run).
func Run(ctx context.Context, deps Deps, opts Options) error {
	hosts, err := resolveHosts(opts.Cluster, opts.Targets)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("orchestrator: no VMs selected")
	}

	if opts.Delete {
		return deleteAll(ctx, deps, hosts)
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = len(hosts)
	}

	tracker := runstate.New()

	// Merge every host up front (cheap, no I/O beyond reading cluster/key
	// material) so the full VM batch — instance IDs and backing VGs — is
	// known before the throttle (C10) and worker pool are sized.
	recs := make([]*config.VMRecord, 0, len(hosts))
	for _, rh := range hosts {
		tracker.SetPhase(rh.Host.Name, runstate.PhaseMerging)
		rec, err := deps.Merger.Merge(ctx, rh.Host, rh.Role)
		if err != nil {
			tracker.MarkFailed(rh.Host.Name, err)
			return fmt.Errorf("orchestrator: merging %s: %w", rh.Host.Name, err)
		}
		recs = append(recs, rec)
	}

	parallelProvision := opts.ParallelProvision
	if parallelProvision <= 0 {
		ssd, err := osVGIsSSD(opts.Cluster)
		if err != nil {
			log.Printf("orchestrator: checking os vg rotational status: %v (assuming rotational)", err)
			ssd = false
		}
		parallelProvision = config.DefaultParallelProvision(len(hosts), ssd)
	}

	ioThrottle := deps.Throttle
	if ioThrottle == nil {
		vms := make([]throttle.VM, 0, len(recs))
		for _, rec := range recs {
			osDrive, ok := rec.Drives["os"]
			if !ok {
				return fmt.Errorf("orchestrator: vm %s: no os drive resolved", rec.Name)
			}
			vms = append(vms, throttle.VM{InstanceID: rec.InstanceID, OSVG: osDrive.VG})
		}
		t, err := throttle.New(ctx, lvm.New(), vms, 0)
		if err != nil {
			return fmt.Errorf("orchestrator: building io throttle: %w", err)
		}
		ioThrottle = t
	}

	expected := make(map[string]phonehome.VMInfo, len(hosts))
	for _, rh := range hosts {
		expected[rh.Host.Name] = phonehome.VMInfo{Role: rh.Role, AnsiblePass: rh.Host.AnsiblePass}
	}

	admission := semaphore.NewWeighted(int64(parallel))
	server := phonehome.New(deps.ListenAddr, expected)
	server.KnownHosts = deps.KnownHosts
	server.KnownHostsResolver = deps.Resolver
	server.Inventory = deps.Inventory
	server.SSHConfig = deps.SSHConfig
	server.ExtraHooks = []phonehome.Hook{
		func(_ context.Context, _ phonehome.GuestReport) error {
			admission.Release(1)
			return nil
		},
		func(_ context.Context, r phonehome.GuestReport) error {
			ioThrottle.Release(r.InstanceID)
			return nil
		},
		func(_ context.Context, r phonehome.GuestReport) error {
			tracker.MarkReady(r.Hostname)
			return nil
		},
	}

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run(ctx) }()

	provisioned := make(chan WorkResult, len(hosts))
	var g errgroup.Group
	g.SetLimit(parallelProvision)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			if err := provisionOne(ctx, deps, ioThrottle, tracker, rec, opts.Redefine); err != nil {
				tracker.MarkFailed(rec.Name, err)
				provisioned <- WorkResult{VMName: rec.Name, Err: err}
				return nil
			}
			provisioned <- WorkResult{VMName: rec.Name}
			return nil
		})
	}
	workersDone := make(chan struct{})
	go func() {
		g.Wait()
		close(provisioned)
		close(workersDone)
	}()

	started := make(map[string]bool, len(hosts))
	var runErr error
launcher:
	for len(started) < len(hosts) {
		select {
		case res, ok := <-provisioned:
			if !ok {
				break launcher
			}
			if res.Err != nil {
				runErr = fmt.Errorf("orchestrator: provisioning %s: %w", res.VMName, res.Err)
				server.Stop()
				break launcher
			}
			if err := admission.Acquire(ctx, 1); err != nil {
				runErr = err
				server.Stop()
				break launcher
			}
			tracker.SetPhase(res.VMName, runstate.PhaseStarting)
			if err := deps.Libvirt.Start(ctx, res.VMName); err != nil {
				runErr = fmt.Errorf("orchestrator: starting %s: %w", res.VMName, err)
				tracker.MarkFailed(res.VMName, runErr)
				server.Stop()
				break launcher
			}
			tracker.SetPhase(res.VMName, runstate.PhaseWaiting)
			started[res.VMName] = true
		case <-ctx.Done():
			runErr = ctx.Err()
			server.Stop()
			break launcher
		}
	}

	<-workersDone
	if serverErr := <-serverErrCh; serverErr != nil && runErr == nil {
		runErr = fmt.Errorf("orchestrator: phone-home server: %w", serverErr)
	}
	return runErr
}

func deleteAll(ctx context.Context, deps Deps, hosts []resolvedHost) error {
	for _, rh := range hosts {
		name := rh.Host.Name
		if err := deps.Libvirt.Destroy(ctx, name); err != nil {
			log.Printf("orchestrator: destroy %s: %v", name, err)
		}
		if err := deps.Libvirt.Undefine(ctx, name); err != nil {
			log.Printf("orchestrator: undefine %s: %v", name, err)
		}
	}
	return nil
}

func osVGIsSSD(cluster *config.ClusterDef) (bool, error) {
	osDrive, ok := cluster.Machine.Drives["os"]
	if !ok || !osDrive.IsLV() {
		return false, fmt.Errorf("orchestrator: machine.drives.os is not LV-backed")
	}
	adapter := lvm.New()
	vgs, err := adapter.VGs(context.Background())
	if err != nil {
		return false, err
	}
	return adapter.VGIsSSD(osDrive.VG, vgs)
}

// provisionOne runs the per-VM pipeline: config drive, I/O throttle
// acquisition, thin LVs, domain (re)definition, destroy-before-rebuild, and
// image provisioning. The throttle permit is released by a phone-home hook
// once the guest reports first boot, not by provisionOne itself.
func provisionOne(ctx context.Context, deps Deps, ioThrottle Throttler, tracker *runstate.Tracker, rec *config.VMRecord, redefine bool) error {
	tracker.SetPhase(rec.Name, runstate.PhaseProvisioning)
	if redefine {
		if err := preserveMACs(ctx, deps.Libvirt, rec); err != nil {
			return fmt.Errorf("preserving interface MACs: %w", err)
		}
	}
	if err := fillMissingMACs(rec); err != nil {
		return fmt.Errorf("assigning interface MACs: %w", err)
	}

	buildDrive := deps.ConfigDrive
	if buildDrive == nil {
		buildDrive = func(ctx context.Context, rec *config.VMRecord, dir string) (string, error) {
			return buildConfigDrive(ctx, dir, rec)
		}
	}
	configDrivePath, err := buildDrive(ctx, rec, deps.ConfigDriveDir)
	if err != nil {
		tracker.SetCondition(rec.Name, runstate.ConditionCloudInitReady, runstate.ConditionFalse, "ConfigDriveFailed", err.Error())
		return fmt.Errorf("building config drive: %w", err)
	}
	tracker.SetCondition(rec.Name, runstate.ConditionCloudInitReady, runstate.ConditionTrue, "ConfigDriveBuilt", "")

	if err := ioThrottle.Acquire(ctx, rec.InstanceID); err != nil {
		return fmt.Errorf("acquiring io throttle: %w", err)
	}

	if err := createDeclaredLVs(ctx, deps.LVM, rec, redefine); err != nil {
		tracker.SetCondition(rec.Name, runstate.ConditionStorageProvisioned, runstate.ConditionFalse, "LVCreateFailed", err.Error())
		return fmt.Errorf("creating logical volumes: %w", err)
	}
	tracker.SetCondition(rec.Name, runstate.ConditionStorageProvisioned, runstate.ConditionTrue, "LVsCreated", "")

	if redefine {
		tracker.SetPhase(rec.Name, runstate.PhaseDefining)
		spec := buildDomainSpec(rec, configDrivePath)
		genXML := deps.GenXML
		if genXML == nil {
			genXML = libvirtcli.GenerateDomainXML
		}
		xmlDoc, err := genXML(spec)
		if err != nil {
			return fmt.Errorf("generating domain xml: %w", err)
		}
		if err := deps.Libvirt.Define(ctx, xmlDoc); err != nil {
			tracker.SetCondition(rec.Name, runstate.ConditionDomainDefined, runstate.ConditionFalse, "DefineFailed", err.Error())
			return fmt.Errorf("defining domain: %w", err)
		}
		tracker.SetCondition(rec.Name, runstate.ConditionDomainDefined, runstate.ConditionTrue, "DomainDefined", "")
	}
	tracker.SetPhase(rec.Name, runstate.PhaseProvisioning)

	if err := deps.Libvirt.Destroy(ctx, rec.Name); err != nil {
		log.Printf("orchestrator: destroy %s before provisioning: %v", rec.Name, err)
	}

	vdisk, err := rec.OSDiskPath()
	if err != nil {
		return err
	}
	if rec.Distro == "windows" {
		if err := deps.Cloner.ProvisionWindows(ctx, vdisk); err != nil {
			return fmt.Errorf("provisioning windows image: %w", err)
		}
		return nil
	}

	install, ok := rec.Drives["install_image"]
	if !ok {
		return fmt.Errorf("vm %s: no install_image drive resolved", rec.Name)
	}
	opts := clone.Options{
		SourceImage:      install.Path,
		ConfigDriveImage: configDrivePath,
		SwapSectors:      uint64(rec.Resources.SwapMiB) * 1024 * 2,
		SwapLabel:        rec.Resources.SwapLabel,
		OptimizeRootfs:   true,
		AnonymizeRootfs:  true,
	}
	if err := deps.Cloner.Provision(ctx, vdisk, opts); err != nil {
		return fmt.Errorf("provisioning image: %w", err)
	}
	return nil
}

// buildConfigDrive writes the per-VM config drive — a NoCloud ISO for
// cloud-init guests, a FAT image carrying Autounattend.xml for Windows —
// and returns its path.
func buildConfigDrive(ctx context.Context, dir string, rec *config.VMRecord) (string, error) {
	path := rec.Name + "-cidata.img"
	if dir != "" {
		path = dir + "/" + path
	}

	if rec.Distro == "windows" {
		fb := cloudinit.NewFATBuilder()
		if err := fb.BuildAutounattendImage(ctx, rec, path, 1440); err != nil {
			return "", err
		}
		return path, nil
	}

	isoBytes, err := cloudinit.GenerateISO(rec)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, isoBytes, 0o644); err != nil {
		return "", fmt.Errorf("writing config drive %s: %w", path, err)
	}
	return path, nil
}

// createDeclaredLVs ensures every LV-backed drive in rec exists, creating
// it (or, on redefine, recreating a mismatched one) as needed.
func createDeclaredLVs(ctx context.Context, lvc LVCreator, rec *config.VMRecord, force bool) error {
	keys := make([]string, 0, len(rec.Drives))
	for k := range rec.Drives {
		if k == "install_image" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dataIdx := 0
	for _, key := range keys {
		drive := rec.Drives[key]
		if !drive.IsLV() {
			continue
		}
		lvName := lvNameForKey(rec.Name, key, &dataIdx)
		if err := lvc.CreateThinLV(ctx, drive.VG, drive.ThinPool, lvName, drive.DiskSizeMiB, force); err != nil {
			return fmt.Errorf("drive %s: %w", key, err)
		}
	}
	return nil
}

// preserveMACs copies a previously-defined VM's interface MACs onto rec,
// matching them up by source network (not document position), mirroring
// _get_vm_macs/_get_devices_by_source_net, so a redefine never reassigns
// a guest's MAC as long as it stays attached to the same network (I-MAC).
func preserveMACs(ctx context.Context, dc DomainClient, rec *config.VMRecord) error {
	exists, err := dc.VMExists(ctx, rec.Name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	macs, err := dc.GetVMMACs(ctx, rec.Name)
	if err != nil {
		return err
	}

	for name, iface := range rec.Interfaces {
		mac, ok := macs[iface.SourceNet]
		if !ok {
			continue
		}
		iface.MAC = mac
		rec.Interfaces[name] = iface
	}
	return nil
}
