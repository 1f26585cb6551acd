/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/storage"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage user snapshots archived before a purge",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show KEY",
	Short: "Print an archived snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archiver, closeFn, err := openArchiver(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := archiver.Load(cmd.Context(), args[0])
		if errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("no snapshot stored under %s", args[0])
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Remove an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archiver, closeFn, err := openArchiver(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := archiver.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotShowCmd, snapshotDeleteCmd)
}

func openArchiver(cmd *cobra.Command) (*storage.Archiver, func(), error) {
	cfg := config.LoadConfig()
	objects, err := storage.Open(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	if objects == nil {
		return nil, nil, errors.New("no object storage configured; set STORAGE_BACKEND")
	}
	return storage.NewArchiver(objects, cfg.Storage.Prefix), func() { _ = objects.Close() }, nil
}
