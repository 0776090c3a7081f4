package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/foreman/internal/uds"
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control the active run through its local socket",
}

// ctlCall sends command to the active run and prints the response data as
// indented JSON.
func ctlCall(cmd *cobra.Command, command string, params any) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	c, err := uds.Dial(ctx, filepath.Join(dir, uds.SocketName))
	if err != nil {
		return err
	}
	defer c.Close()

	var data json.RawMessage
	if err := c.Call(ctx, command, params, &data); err != nil {
		return err
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func simpleCtl(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctlCall(cmd, name, nil)
		},
	}
}

var ctlSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show counters and in-flight attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		items, _ := cmd.Flags().GetBool("items")
		return ctlCall(cmd, uds.CmdSnapshot, uds.SnapshotParams{Items: items})
	},
}

var ctlItemCmd = &cobra.Command{
	Use:   "item <id>",
	Short: "Show one work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ctlCall(cmd, uds.CmdItem, uds.ItemParams{ID: args[0]})
	},
}

func init() {
	rootCmd.AddCommand(ctlCmd)
	ctlCmd.AddCommand(ctlSnapshotCmd)
	ctlCmd.AddCommand(ctlItemCmd)
	ctlCmd.AddCommand(simpleCtl(uds.CmdPause, "Stop dispatching new attempts"))
	ctlCmd.AddCommand(simpleCtl(uds.CmdResume, "Resume dispatching"))
	ctlCmd.AddCommand(simpleCtl(uds.CmdStop, "Shut the run down gracefully"))

	ctlSnapshotCmd.Flags().Bool("items", false, "include every work item")
}
