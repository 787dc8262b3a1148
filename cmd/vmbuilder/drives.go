package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asheplyakov/vmbuilder/internal/config"
	"github.com/asheplyakov/vmbuilder/internal/libvirtcli"
)

var drivesClusterPath string

var drivesCmd = &cobra.Command{
	Use:   "drives <VM:ROLE>",
	Short: "Show the merged drive layout for a single VM",
	Long: `Merge a VM's cluster definition and print its resolved drives: which
are backed by a thin LV (vg/thin-pool/size) and which are plain files.

Useful for sanity-checking a cluster definition before a real rebuild.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := config.ParseTargetArgs(args)
		if err != nil {
			return err
		}
		cluster, err := config.LoadClusterDef(drivesClusterPath)
		if err != nil {
			return err
		}
		entries, ok := cluster.Hosts[targets[0].Role]
		if !ok {
			return fmt.Errorf("no such role %q", targets[0].Role)
		}
		var host *config.HostEntry
		for i := range entries {
			if entries[i].Name == targets[0].Name {
				host = &entries[i]
				break
			}
		}
		if host == nil {
			return fmt.Errorf("no such vm %q in role %q", targets[0].Name, targets[0].Role)
		}

		merger := config.NewMerger(cluster, libvirtcli.New())
		rec, err := merger.Merge(cmd.Context(), *host, targets[0].Role)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(rec.Drives))
		for k := range rec.Drives {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Printf("%-16s %-8s %-12s %10s  %s\n", "DRIVE", "VG", "THIN POOL", "SIZE(MiB)", "PATH")
		fmt.Println(strings.Repeat("-", 70))
		for _, k := range keys {
			d := rec.Drives[k]
			if d.IsLV() {
				fmt.Printf("%-16s %-8s %-12s %10d  %s\n", k, d.VG, d.ThinPool, d.DiskSizeMiB, "")
			} else {
				fmt.Printf("%-16s %-8s %-12s %10s  %s\n", k, "", "", "", d.Path)
			}
		}
		return nil
	},
}

func init() {
	drivesCmd.Flags().StringVarP(&drivesClusterPath, "cluster", "c", "", "path to the cluster definition YAML file (required)")
	_ = drivesCmd.MarkFlagRequired("cluster")
}
