package cli

import (
	"errors"
	"fmt"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/syncer"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		agentID      string
		direction    string
		conversation string
		all          bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync pending records with the external service",
		Long: "Without flags, pushes and pulls every agent that is pending or in error.\n" +
			"--agent syncs a single agent, --conversation a single conversation, and --all adds pending conversations to the batch.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID != "" && conversation != "" {
				return errors.New("--agent and --conversation are mutually exclusive")
			}
			dir, err := domain.ParseDirection(direction)
			if err != nil {
				return err
			}

			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case agentID != "":
				res := a.Engine.SyncEntity(ctx, agentID, dir)
				if err := printJSON(out, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("sync of agent %s failed", agentID)
				}
				return nil
			case conversation != "":
				res := a.Engine.SyncConversation(ctx, conversation)
				if err := printJSON(out, res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("sync of conversation %s failed", conversation)
				}
				return nil
			}

			var res syncer.BatchResult
			if all {
				res = a.Engine.SyncAll(ctx)
			} else {
				res = a.Engine.SyncPendingEntities(ctx)
			}
			if err := printJSON(out, res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("sync finished with %d failure(s)", max(res.FailedCount, 1))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "sync only this agent (local id)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "sync only this conversation (local id)")
	cmd.Flags().StringVar(&direction, "direction", "both", "push, pull or both (with --agent)")
	cmd.Flags().BoolVar(&all, "all", false, "include pending conversations in the batch")

	return cmd
}
