package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asheplyakov/vmbuilder/internal/lvm"
)

// Thin-LV management commands, adapted from thinpool.py's read/write
// operations into direct CLI subcommands rather than only an orchestrator
// implementation detail.
var lvCmd = &cobra.Command{
	Use:   "lv",
	Short: "Inspect and manage thin logical volumes",
	Long: `Inspect and manage the thin logical volumes vmbuilder creates for
VM disks (os, journal, data drives, and any other vg-backed drive).`,
}

func init() {
	lvCmd.AddCommand(lvQueryCmd)
	lvCmd.AddCommand(lvRmCmd)
	lvCmd.AddCommand(lvRenameCmd)
	lvCmd.AddCommand(lvSnapshotCmd)
	lvCmd.AddCommand(lvRevertCmd)
}

var lvQueryCmd = &cobra.Command{
	Use:   "query <vg>/<lv>",
	Short: "Show a thin logical volume's pool, size, and data usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, lv, err := splitVGLV(args[0])
		if err != nil {
			return err
		}
		info, err := lvm.New().QueryThinLV(cmd.Context(), vg, lv)
		if err != nil {
			return err
		}
		fmt.Printf("pool:         %s\n", info.PoolLV)
		fmt.Printf("size:         %d bytes\n", info.LVSizeBytes)
		fmt.Printf("data used:    %.1f%%\n", info.DataPercent)
		fmt.Printf("uuid:         %s\n", info.LVUUID)
		return nil
	},
}

var lvRmCmd = &cobra.Command{
	Use:   "rm <vg>/<lv>",
	Short: "Remove a logical volume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, lv, err := splitVGLV(args[0])
		if err != nil {
			return err
		}
		if err := lvm.New().RemoveLV(cmd.Context(), vg, lv); err != nil {
			return err
		}
		fmt.Printf("✓ removed %s/%s\n", vg, lv)
		return nil
	},
}

var lvRenameCmd = &cobra.Command{
	Use:   "rename <vg>/<old-lv> <new-lv>",
	Short: "Rename a logical volume within its volume group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, lv, err := splitVGLV(args[0])
		if err != nil {
			return err
		}
		if err := lvm.New().RenameLV(cmd.Context(), vg, lv, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ renamed %s/%s to %s/%s\n", vg, lv, vg, args[1])
		return nil
	},
}

var lvSnapshotCmd = &cobra.Command{
	Use:   "snapshot <vg>/<origin-lv> <snapshot-name>",
	Short: "Create a thin snapshot of a logical volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, origin, err := splitVGLV(args[0])
		if err != nil {
			return err
		}
		if err := lvm.New().CreateThinSnapshot(cmd.Context(), vg, origin, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ created snapshot %s/%s of %s/%s\n", vg, args[1], vg, origin)
		return nil
	},
}

var lvRevertCmd = &cobra.Command{
	Use:   "revert <vg>/<lv> <snapshot-name>",
	Short: "Revert a logical volume to a previously taken thin snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vg, lv, err := splitVGLV(args[0])
		if err != nil {
			return err
		}
		if err := lvm.New().RevertThinSnapshot(cmd.Context(), vg, lv, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ reverted %s/%s to snapshot %s\n", vg, lv, args[1])
		return nil
	},
}

func splitVGLV(s string) (vg, lv string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("expected <vg>/<lv>, got %q", s)
}
