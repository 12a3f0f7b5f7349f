package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/unisync/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service health, sync backlog and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("unisync %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Printf("Config:  %s\n", paths.Config)
			fmt.Printf("Data:    %s\n", paths.Data)
			fmt.Printf("Logs:    %s\n", paths.Logs)
			fmt.Println()

			a, closeApp, err := openApp()
			if err != nil {
				fmt.Printf("Config:  error: %v\n", err)
				return nil
			}
			defer closeApp()
			cfg := a.Config

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			// External service
			if !cfg.ExternalEnabled() {
				fmt.Println("External: disabled")
			} else {
				state := "unhealthy"
				if a.Health.IsHealthy(ctx) {
					state = "healthy"
				}
				snap := a.Health.Snapshot()
				fmt.Printf("External: %s %s", cfg.External.BaseURL, state)
				if snap.LastError != "" {
					fmt.Printf(" (%s)", snap.LastError)
				}
				fmt.Println()
			}
			fmt.Printf("Sync:     auto=%t interval=%s retries=%d\n",
				cfg.AutoSync(), cfg.SyncInterval(), cfg.Retry.Attempts)
			fmt.Printf("Cache:    enabled=%t ttl=%s writeThrough=%t\n",
				cfg.CacheEnabled(), cfg.CacheTTL(), cfg.WriteThrough())
			if a.LocalAI != nil {
				fmt.Printf("LocalAI:  %s model=%s\n", cfg.LocalAI.Endpoint, cfg.LocalAI.Model)
			} else {
				fmt.Println("LocalAI:  disabled")
			}
			if a.Lock != nil {
				fmt.Printf("Lock:     redis key=%s\n", cfg.Redis.LockKey)
			}

			// Backlog
			rep, err := a.Engine.CheckSyncHealth(ctx)
			if err != nil {
				fmt.Printf("Backlog:  error: %v\n", err)
				return nil
			}
			fmt.Printf("Backlog:  agents=%d conversations=%d errors=%d healthy=%t\n",
				rep.PendingAgents, rep.PendingConversations, rep.ErrorCount, rep.Healthy)

			return nil
		},
	}
	return cmd
}
