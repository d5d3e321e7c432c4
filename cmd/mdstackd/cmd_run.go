package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mdstack-network/mdstack/pkg/util"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the data orchestration stack",
	Long: `Start the orchestration stack in the foreground: one controller per
configured slot, the device-wide preferred-data arbiter, auto data
switching (dual-SIM configs), stall recovery, and the diagnostics HTTP
server. Runs until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := util.SetLogLevel(cfg.Log.Level); err != nil {
			return err
		}
		if cfg.Log.Format == "json" {
			util.SetJSONFormat()
		}

		s, err := newStack(cfg)
		if err != nil {
			return err
		}
		if err := s.Start(context.Background()); err != nil {
			s.Stop()
			return err
		}
		defer s.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		util.Info("shutting down")
		return nil
	},
}
