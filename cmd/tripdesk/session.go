package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
)

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
		Long:  "A session is one travel-planning chat. Messages, approvals and events belong to exactly one session.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionDeleteCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var id, title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, id, title, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active session with its approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				approvals, err := e.ListApprovals(ctx, s.ID)
				if err != nil {
					return err
				}
				msgs, err := e.ListMessages(ctx, s.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"session":   s,
					"messages":  len(msgs),
					"approvals": approvals,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Session: %s", s.ID)
				if s.Title != "" {
					fmt.Printf(" (%s)", s.Title)
				}
				fmt.Printf("\nCreated by %s at %s\nMessages: %d\n", s.CreatedBy, s.CreatedAt, len(msgs))
				if len(approvals) == 0 {
					fmt.Println("Approvals: none")
					return nil
				}
				return printJSONOrTable(approvals)
			})
		},
	}
	return cmd
}

func sessionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteSession(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted session %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

// eventFlags reads one MessageEvent from command flags.
type eventFlags struct {
	typ, name, result, text, file string
}

func (f *eventFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.typ, "type", domain.ResultEventType, "event type")
	cmd.Flags().StringVar(&f.name, "name", domain.A2ACapability, "tool name")
	cmd.Flags().StringVar(&f.result, "result", "", "raw JSON result (string or object)")
	cmd.Flags().StringVar(&f.text, "text", "", "agent response text; the orchestrator prefix is added")
	cmd.Flags().StringVar(&f.file, "file", "", "read a whole MessageEvent JSON from a file")
}

func (f *eventFlags) event() (domain.MessageEvent, error) {
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return domain.MessageEvent{}, err
		}
		var evt domain.MessageEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return domain.MessageEvent{}, fmt.Errorf("parse %s: %w", f.file, err)
		}
		return evt, nil
	}
	if f.text != "" && f.result != "" {
		return domain.MessageEvent{}, errors.New("use either --text or --result")
	}
	evt := domain.MessageEvent{Type: f.typ, Name: f.name}
	switch {
	case f.text != "":
		evt.Result, _ = json.Marshal(domain.A2AResponsePrefix + f.text)
	case f.result != "":
		if !json.Valid([]byte(f.result)) {
			return domain.MessageEvent{}, errors.New("--result must be valid JSON")
		}
		evt.Result = json.RawMessage(f.result)
	}
	return evt, nil
}

func messageCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "message",
		Short: "Append and list chat messages",
		Long:  "Every appended message triggers a full rescan of the session history; newly seen budgets wait for approval.",
	}
	m.AddCommand(messageAddCmd())
	m.AddCommand(messageListCmd())
	return m
}

func messageAddCmd() *cobra.Command {
	var flags eventFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a message to the active session",
		Example: `  tripdesk message add --text '{"destination":"Kyoto","itinerary":[]}'
  tripdesk message add --result '{"destination":"Kyoto","forecast":[]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			evt, err := flags.event()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				msg, report, err := e.AppendMessage(ctx, s.ID, evt, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"message": msg, "scan": report})
				}
				fmt.Printf("Appended message #%d to %s\n", msg.Seq, s.ID)
				for _, key := range report.Pending() {
					fmt.Printf("Budget %s waits for approval (tripdesk approval approve %s)\n", key, key)
				}
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func messageListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages of the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, e engine.Engine, s domain.Session) error {
				items, err := e.ListMessages(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func classifyCmd() *cobra.Command {
	var flags eventFlags
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one message without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			evt, err := flags.event()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, reason := e.Classify(evt)
				out := map[string]any{"kind": p.Kind}
				if reason != "" {
					out["reason"] = reason
				}
				if raw := p.Raw(); len(raw) > 0 {
					out["payload"] = raw
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Kind: %s\n", p.Kind)
				if reason != "" {
					fmt.Printf("Reason: %s\n", reason)
				}
				return nil
			})
		},
	}
	flags.bind(cmd)
	return cmd
}
