package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hatchbox/boxd/internal/daemon"
	"github.com/hatchbox/boxd/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the agent daemon",
	Long:  `Starts the agent as a long-running service using component lifecycle orchestration. It binds the control routes and proxies everything else to the dev server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func runDaemon(ctx context.Context) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	daemonMgr, err := daemon.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon manager: %w", err)
	}

	logsComp := components.NewLogBufferComponent(&cfg.Logs)
	supComp := components.NewSupervisorComponent(cfg, logsComp)
	cacheComp := components.NewCacheWarmerComponent(&cfg.Cache)
	httpComp := components.NewHTTPServerComponent(daemonMgr, cfg, logsComp, supComp, cacheComp)

	daemonMgr.AddComponent(logsComp)
	daemonMgr.AddComponent(supComp)
	daemonMgr.AddComponent(cacheComp)
	daemonMgr.AddComponent(httpComp)

	if err := daemonMgr.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Daemon stopped")
			return nil
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	// Running the bare binary starts the daemon; that is how the VM's
	// init invokes it.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	}
}
