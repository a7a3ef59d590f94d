package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tripdesk/internal/approval"
	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/repo"
)

func displayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Show the four trip panels of the active session",
		Long:  "Rescans the whole history and prints what each panel shows. A budget appears only once its total is approved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				view, err := e.Display(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Panel", "Content"})
				tw.AppendRow(table.Row{"itinerary", panel(view.Display.Itinerary)})
				tw.AppendRow(table.Row{"budget", panel(view.Display.Budget)})
				tw.AppendRow(table.Row{"weather", panel(view.Display.Weather)})
				tw.AppendRow(table.Row{"restaurant", panel(view.Display.Restaurant)})
				tw.Render()
				for _, key := range view.Scan.Pending() {
					fmt.Printf("Budget %s waits for approval\n", key)
				}
				return nil
			})
		},
	}
	return cmd
}

// panel renders an empty panel as "-".
func panel[T any](v *T) string {
	if v == nil {
		return "-"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "?"
	}
	return truncate(string(b), 80)
}

func approvalCmd() *cobra.Command {
	a := &cobra.Command{
		Use:     "approval",
		Aliases: []string{"approvals"},
		Short:   "Review and decide budget proposals",
		Long:    "Budget proposals are keyed by their total (budget-<total>). A decision is final: the opposite decision is refused, repeating the same one changes nothing.",
	}
	a.AddCommand(approvalListCmd())
	a.AddCommand(approvalShowCmd())
	a.AddCommand(approvalDecideCmd("approve", "Approve a budget proposal", true))
	a.AddCommand(approvalDecideCmd("reject", "Reject a budget proposal", false))
	return a
}

func approvalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals of the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				items, err := e.ListApprovals(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func approvalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show one approval (unseen keys are pending)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				rec, err := e.GetApproval(ctx, s.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.ApprovalRecord{rec})
			})
		},
	}
	return cmd
}

func approvalDecideCmd(verb, short string, approve bool) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   verb + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if _, ok := approval.ParseKey(key); !ok {
				return fmt.Errorf("invalid approval key %q (expected budget-<total>)", key)
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				decide := e.Reject
				if approve {
					decide = e.Approve
				}
				res, err := decide(ctx, s.ID, key, viper.GetString("actor-id"), message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.Changed {
					fmt.Printf("%s was already %s\n", key, res.Approval.Status())
					return nil
				}
				fmt.Printf("%s %s: %s\n", key, res.Approval.Status(), res.Approval.Message)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message sent back to the orchestrator")
	return cmd
}

func agentsCmd() *cobra.Command {
	a := &cobra.Command{Use: "agents", Short: "Inspect the configured remote agents"}
	a.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List remote agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config.Agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Card", "Kind", "Version", "URL", "Streaming", "Skills", "Description"})
				for _, name := range e.Config.AgentNames() {
					a := e.Config.Agents[name]
					tw.AppendRow(table.Row{name, a.DisplayName, a.Kind, a.Version, a.URL, a.Streaming, strings.Join(a.SkillIDs(), ","), truncate(a.Description, 50)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return a
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events (all sessions unless --session is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, repo.EventFilter{
					SessionID:  viper.GetString("session"),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}
