package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/llm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Read, write and invoke agents through the fallback router",
		Long: "Reads prefer the cache, then the external service, then the local store.\n" +
			"Writes land locally first and are pushed when the external service is reachable.",
	}

	cmd.AddCommand(newAgentGetCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentCreateCmd())
	cmd.AddCommand(newAgentUpdateCmd())
	cmd.AddCommand(newAgentInvokeCmd())
	return cmd
}

func newAgentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one agent as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			agent, ok := a.Router.Get(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("agent %s not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
}

func newAgentListCmd() *cobra.Command {
	var (
		userID string
		public bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			filter := domain.AgentFilter{UserID: userID}
			if cmd.Flags().Changed("public") {
				filter.IsPublic = &public
			}

			agents, err := a.Router.List(cmd.Context(), filter)
			if err != nil {
				return errors.New(apierr.FormatForUser(err))
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), agents)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tMODEL\tSYNC\tEXTERNAL")
			for _, ag := range agents {
				status := string(ag.Status)
				if status == "" {
					status = "-"
				}
				ext := ag.ExternalID
				if ext == "" {
					ext = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ag.ID, ag.Name, ag.ModelID, status, ext)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "only agents owned by this user")
	cmd.Flags().BoolVar(&public, "public", false, "only public (true) or private (false) agents")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// agentFlags holds the editable fields shared by create and update.
type agentFlags struct {
	name, description, instructions, model, userID string
	temperature                                    float64
	public                                         bool
	tools                                          []string
}

func (f *agentFlags) register(fs *pflag.FlagSet, withUser bool) {
	fs.StringVar(&f.name, "name", "", "display name")
	fs.StringVar(&f.description, "description", "", "short description")
	fs.StringVar(&f.instructions, "instructions", "", "system instructions")
	fs.StringVar(&f.model, "model", "", "model id")
	fs.Float64Var(&f.temperature, "temperature", 0.7, "sampling temperature")
	fs.BoolVar(&f.public, "public", false, "visible to other users")
	fs.StringSliceVar(&f.tools, "tool", nil, "tool name (repeatable)")
	if withUser {
		fs.StringVar(&f.userID, "user", "", "owning user id")
	}
}

// patch builds an AgentPatch from only the flags the user set.
func (f *agentFlags) patch(fs *pflag.FlagSet) domain.AgentPatch {
	var p domain.AgentPatch
	if fs.Changed("name") {
		p.Name = &f.name
	}
	if fs.Changed("description") {
		p.Description = &f.description
	}
	if fs.Changed("instructions") {
		p.Instructions = &f.instructions
	}
	if fs.Changed("model") {
		p.ModelID = &f.model
	}
	if fs.Changed("temperature") {
		p.Temperature = &f.temperature
	}
	if fs.Changed("public") {
		p.IsPublic = &f.public
	}
	if fs.Changed("tool") {
		p.Tools = &f.tools
	}
	return p
}

func newAgentCreateCmd() *cobra.Command {
	var f agentFlags

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent locally and push it when the external service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(f.name) == "" {
				return errors.New("--name is required")
			}
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			agent, err := a.Router.Create(cmd.Context(), domain.AgentInput{
				Name:         f.name,
				Description:  f.description,
				Instructions: f.instructions,
				ModelID:      f.model,
				Temperature:  f.temperature,
				IsPublic:     f.public,
				UserID:       f.userID,
				Tools:        f.tools,
			})
			if err != nil {
				return errors.New(apierr.FormatForUser(err))
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}

	f.register(cmd.Flags(), true)
	return cmd
}

func newAgentUpdateCmd() *cobra.Command {
	var f agentFlags

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of an agent; only flags you pass are updated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := f.patch(cmd.Flags())
			if patch == (domain.AgentPatch{}) {
				return errors.New("nothing to update, pass at least one field flag")
			}
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()

			agent, err := a.Router.Update(cmd.Context(), args[0], patch)
			if err != nil {
				return errors.New(apierr.FormatForUser(err))
			}
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}

	f.register(cmd.Flags(), false)
	return cmd
}

func newAgentInvokeCmd() *cobra.Command {
	var (
		conversation string
		stream       bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <id> <message>",
		Short: "Send a message to an agent",
		Long: "Uses the external service when it is healthy and the agent is linked,\n" +
			"otherwise the local model. --stream prints the reply as it arrives.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp()
			if err != nil {
				return err
			}
			defer closeApp()
			out := cmd.OutOrStdout()

			if !stream {
				msg, err := a.Router.Invoke(cmd.Context(), args[0], args[1], conversation)
				if err != nil {
					return errors.New(apierr.FormatForUser(err))
				}
				fmt.Fprintln(out, msg.Content)
				return nil
			}

			for ev := range a.Router.InvokeStream(cmd.Context(), args[0], args[1], conversation) {
				switch ev.Type {
				case llm.EventDelta:
					fmt.Fprint(out, ev.Content)
				case llm.EventError:
					fmt.Fprintln(out)
					return errors.New(ev.Error)
				case llm.EventDone:
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id to record the exchange under")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the reply")
	return cmd
}
