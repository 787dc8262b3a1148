package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asheplyakov/vmbuilder/internal/sshhosts"
)

var knownHostsCmd = &cobra.Command{
	Use:   "known-hosts",
	Short: "Inspect and manage the vmbuilder-maintained known_hosts file",
}

func init() {
	knownHostsCmd.AddCommand(knownHostsCheckCmd)
	knownHostsCmd.AddCommand(knownHostsRmCmd)
}

var knownHostsCheckCmd = &cobra.Command{
	Use:   "check <name-or-ip>",
	Short: "Report whether an entry exists in known_hosts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kh := sshhosts.New(knownHostsPath)
		ok, err := kh.Check(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("%s: present\n", args[0])
		} else {
			fmt.Printf("%s: absent\n", args[0])
		}
		return nil
	},
}

var knownHostsRmCmd = &cobra.Command{
	Use:   "rm <name-or-ip>",
	Short: "Remove every known_hosts entry matching a name or IP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kh := sshhosts.New(knownHostsPath)
		if err := kh.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ removed known_hosts entries for %s\n", args[0])
		return nil
	},
}
