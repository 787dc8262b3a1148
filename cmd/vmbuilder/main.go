package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheplyakov/vmbuilder/internal/clone"
	"github.com/asheplyakov/vmbuilder/internal/clusterlock"
	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/inventory"
	"github.com/asheplyakov/vmbuilder/internal/libvirtcli"
	"github.com/asheplyakov/vmbuilder/internal/lvm"
	"github.com/asheplyakov/vmbuilder/internal/orchestrator"
	"github.com/asheplyakov/vmbuilder/internal/sshhosts"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init prepends /sbin to PATH once at process start, matching
// provision_vm.py/mtools.py: lvm, kpartx, and mkfs.* commonly live in
// /sbin, which isn't on a non-root user's default PATH.
func init() {
	path := os.Getenv("PATH")
	if err := os.Setenv("PATH", "/sbin:"+path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not prepend /sbin to PATH: %v\n", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmbuilder [VM:ROLE ...]",
	Short: "Rebuild libvirt VMs from a cluster definition",
	Long: `vmbuilder (re)builds a set of libvirt VMs declared in a cluster
definition YAML file: it merges each host's config, provisions its disks,
(re)defines the libvirt domain, starts it, and waits for cloud-init to
phone home before considering the run complete.

With no positional VM:ROLE arguments every host in the cluster is rebuilt.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	RunE:    runRebuild,
}

var (
	clusterPath       string
	redefine          bool
	deleteVMs         bool
	parallel          int
	parallelProvision int
	listenAddr        string
	knownHostsPath    string
	sshConfigPath     string
	inventoryPath     string
)

func init() {
	rootCmd.Flags().StringVarP(&clusterPath, "cluster", "c", "", "path to the cluster definition YAML file (required)")
	rootCmd.Flags().BoolVarP(&redefine, "redefine", "r", false, "redefine the libvirt domain XML before provisioning")
	rootCmd.Flags().BoolVarP(&deleteVMs, "delete", "d", false, "destroy and undefine the selected VMs instead of rebuilding them")
	rootCmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "max VMs concurrently doing first-boot work (0 = all of them)")
	rootCmd.Flags().IntVarP(&parallelProvision, "provision-jobs", "p", 0, "max VMs concurrently provisioning disks (0 = computed from os vg rotational status)")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8080", "address the phone-home callback server listens on")
	rootCmd.PersistentFlags().StringVar(&knownHostsPath, "known-hosts", defaultPath(".ssh/known_hosts"), "known_hosts file to read/update")
	rootCmd.PersistentFlags().StringVar(&sshConfigPath, "ssh-config", defaultPath(".ssh/config.d/vmbuilder"), "ssh config fragment to update as guests phone home")
	rootCmd.Flags().StringVar(&inventoryPath, "inventory", "", "ansible inventory file to update (default hosts_<cluster_name>.txt)")
	_ = rootCmd.MarkFlagRequired("cluster")

	rootCmd.AddCommand(lvCmd)
	rootCmd.AddCommand(drivesCmd)
	rootCmd.AddCommand(knownHostsCmd)
}

func defaultPath(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return rel
	}
	return home + "/" + rel
}

func runRebuild(cmd *cobra.Command, args []string) error {
	targets, err := config.ParseTargetArgs(args)
	if err != nil {
		return err
	}

	cluster, err := config.LoadClusterDef(clusterPath)
	if err != nil {
		return err
	}

	invPath := inventoryPath
	if invPath == "" {
		invPath = fmt.Sprintf("hosts_%s.txt", cluster.ClusterName)
	}

	// Guard the cluster's state directory (inventory file + ssh config
	// fragment) against a second vmbuilder invocation racing this one.
	clusterLock := clusterlock.New(fmt.Sprintf(".vmbuilder-%s.lock", cluster.ClusterName))
	lockCtx, lockCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer lockCancel()
	if err := clusterLock.Lock(lockCtx); err != nil {
		return fmt.Errorf("another vmbuilder run holds the lock for cluster %s: %w", cluster.ClusterName, err)
	}
	defer clusterLock.Unlock()

	libvirtClient := libvirtcli.New()
	deps := orchestrator.Deps{
		Libvirt:    libvirtClient,
		Cloner:     clone.New(),
		LVM:        lvm.New(),
		Merger:     config.NewMerger(cluster, libvirtClient),
		KnownHosts: sshhosts.New(knownHostsPath),
		Resolver:   &sshhosts.DigResolver{},
		Inventory:  inventory.New(invPath),
		SSHConfig:  sshhosts.NewConfigGenerator(sshConfigPath),
		ListenAddr: listenAddr,
	}

	opts := orchestrator.Options{
		Cluster:           cluster,
		Targets:           targets,
		Redefine:          redefine,
		Delete:            deleteVMs,
		Parallel:          parallel,
		ParallelProvision: parallelProvision,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx, deps, opts); err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}
	fmt.Println("✓ all VMs provisioned and reported ready")
	return nil
}
