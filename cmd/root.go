/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/logging"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usermgmt",
	Short: "User management API server",
	Long: `usermgmt serves a user registry with token authentication,
role-based access and a read-through cache.

Configuration is read from the environment (and from .env when ENV=dev).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
