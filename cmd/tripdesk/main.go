package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tripdesk/internal/app"
	"tripdesk/internal/config"
	"tripdesk/internal/db"
	"tripdesk/internal/domain"
	"tripdesk/internal/engine"
	"tripdesk/internal/logging"
	"tripdesk/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "tripdesk",
	Short: "Tripdesk CLI",
	Long: `Tripdesk watches a travel-planning chat and decides what reaches the trip panels.
Core concepts:
- Session: one chat between the traveler and the orchestrator agent; messages are kept in order.
- Classification: agent responses relayed by the orchestrator are sorted into itinerary, budget, weather and restaurant payloads. Anything else is skipped.
- Budget approval: a budget proposal stays off the display until the traveler approves it. Decisions are final.
- Display: the four panels, rebuilt from the whole history after every message.
- Event log: diary of changes, view with 'tripdesk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRIPDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("session", "s", "", "session id (defaults to the only session)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(displayCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func openEngine(workspace string) (engine.Engine, func(), error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	logger := logging.New(cfg, os.Stderr)
	res, err := migrate.Apply(context.Background(), conn)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	if len(res.Applied) > 0 {
		logger.Debug("schema migrated", slog.Int("from", res.From), slog.Int("to", res.To), slog.Any("applied", res.Applied))
	}
	e := engine.New(conn, cfg, logger)
	return e, func() { conn.Close() }, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := openEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

// withSession resolves the active session before running fn.
func withSession(ctx context.Context, fn func(context.Context, engine.Engine, domain.Session) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		s, err := app.ResolveSession(ctx, e, viper.GetString("session"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, s)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	switch items := v.(type) {
	case []domain.Session:
		tw.AppendHeader(table.Row{"ID", "Title", "Created By", "Created At"})
		for _, s := range items {
			tw.AppendRow(table.Row{s.ID, s.Title, s.CreatedBy, s.CreatedAt})
		}
	case []domain.Message:
		tw.AppendHeader(table.Row{"Seq", "Type", "Name", "Result", "Actor"})
		for _, m := range items {
			tw.AppendRow(table.Row{m.Seq, m.Event.Type, m.Event.Name, truncate(string(m.Event.Result), 60), m.ActorID})
		}
	case []domain.ApprovalRecord:
		tw.AppendHeader(table.Row{"Key", "Total", "Status", "Decided By", "Message"})
		for _, a := range items {
			tw.AppendRow(table.Row{a.Key, a.TotalBudget, a.Status(), a.DecidedBy, a.Message})
		}
	case []domain.Event:
		tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
		for _, e := range items {
			tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
		}
	default:
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return nil
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
