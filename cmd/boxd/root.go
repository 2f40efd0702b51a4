package main

import (
	"fmt"
	"os"

	"github.com/hatchbox/boxd/internal/config"
	"github.com/hatchbox/boxd/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "boxd",
	Short: "Boxd development VM agent",
	Long:  `Boxd runs inside an ephemeral development VM and exposes the control plane the orchestrator drives: command execution, process supervision, file transfer, log streaming, and package cache sync.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/boxd/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "agent port")
	rootCmd.PersistentFlags().String("project.root", config.DefaultProjectRoot, "project root directory")
	rootCmd.PersistentFlags().Int("project.dev_server_port", config.DefaultProjectDevServerPort, "dev server port the proxy targets")
	rootCmd.PersistentFlags().String("cache.source_addr", "", "host:port of a machine to warm the pnpm store from at boot")
}
