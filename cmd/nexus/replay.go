package main

import (
	"fmt"

	"github.com/haasonsaas/nexuskernel/internal/config"
	"github.com/haasonsaas/nexuskernel/internal/kernel"
	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Open a kernel data directory, replay its WAL, and report reconstructed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var overrides config.FlagOverrides
			if cmd.Flags().Changed("data-dir") {
				overrides.DataDir = &dataDir
			}
			cfg, err := loadConfig(configPath, overrides)
			if err != nil {
				return err
			}

			log := newLogger("replay")
			k, err := kernel.Open(cfg.Kernel.DataDir, kernel.WithLogger(log))
			if err != nil {
				return fmt.Errorf("kernel: open %s: %w", cfg.Kernel.DataDir, err)
			}
			defer k.Close()

			undelivered := k.JournalStore().FindUndelivered()
			fmt.Printf("replayed %s\n", cfg.Kernel.DataDir)
			fmt.Printf("  root thread uuid:     %s\n", k.Threads().RootUUID())
			fmt.Printf("  folded segments:      %d\n", k.Context().FoldStoreSize())
			fmt.Printf("  undelivered messages: %d\n", len(undelivered))
			for _, e := range undelivered {
				fmt.Printf("    - %s thread=%s to=%s dispatched_at=%d\n", e.MessageID, e.ThreadID, e.To, e.DispatchedAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the nexus config YAML file (optional)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "kernel WAL/state directory")
	return cmd
}
