package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/foreman/internal/events"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the audit log hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		} else {
			dir, err := stateDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "logs", "audit.jsonl")
		}

		v, err := events.Verify(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d entries\n", path, v.Entries)
		if v.Malformed > 0 {
			fmt.Fprintf(out, "  malformed lines: %d\n", v.Malformed)
		}
		for _, seq := range v.Broken {
			fmt.Fprintf(out, "  chain broken at seq %d\n", seq)
		}
		if !v.OK() {
			return &exitError{code: 1}
		}
		fmt.Fprintln(out, "chain ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}
