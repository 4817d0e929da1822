package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"convoy/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", bold("Server"))
			fmt.Printf("  listen_addr:    %s\n", cyan(cfg.Server.ListenAddr))
			fmt.Printf("%s\n", bold("LLM"))
			fmt.Printf("  model:          %s\n", cyan(cfg.LLM.Model))
			fmt.Printf("  base_url:       %s\n", cfg.LLM.BaseURL)
			fmt.Printf("  api_key:        %s\n", maskSecret(cfg.LLM.APIKey))
			fmt.Printf("%s\n", bold("Batch"))
			fmt.Printf("  coalesce_window:  %s\n", cfg.Batch.CoalesceWindow)
			fmt.Printf("  max_batch_age:    %s\n", cfg.Batch.MaxBatchAge)
			fmt.Printf("  max_messages:     %d\n", cfg.Batch.MaxMessages)
			fmt.Printf("  max_retries:      %d\n", cfg.Batch.MaxRetries)
			fmt.Printf("  reaper_schedule:  %q\n", cfg.Batch.ReaperSchedule)
			fmt.Printf("%s\n", bold("Planner"))
			fmt.Printf("  max_steps:      %d\n", cfg.Planner.MaxSteps)
			fmt.Printf("  max_parallel:   %d\n", cfg.Planner.MaxParallel)
			fmt.Printf("%s\n", bold("Storage"))
			fmt.Printf("  state:          %s (%s)\n", cfg.State.Backend, cfg.State.Dir)
			fmt.Printf("  timers:         %s (%s)\n", cfg.Timer.Backend, cfg.Timer.Dir)
			return nil
		},
	})
	return cmd
}

func maskSecret(s string) string {
	if s == "" {
		return yellow("(not set)")
	}
	if len(s) <= 8 {
		return green("****")
	}
	return green(s[:4] + "..." + s[len(s)-4:])
}
