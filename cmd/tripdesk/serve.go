package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tripdesk/internal/config"
	"tripdesk/internal/engine"
	"tripdesk/internal/relay"
	"tripdesk/internal/server"
	"tripdesk/internal/telemetry"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage tripdesk.yml",
		Long:  "tripdesk.yml holds the classifier settings, the orchestrator and remote agents, webhooks, roles and logging. Defaults apply when the file is missing.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tripdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate tripdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Mint API tokens"}
	t.AddCommand(tokenMintCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token signed with TRIPDESK_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), roles, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacy, devLogin bool
	var relayInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and decision relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TRIPDESK_JWT_SECRET is required for bearer auth")
			}
			e, closeFn, err := openEngine(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeFn()
			logger := e.Logger

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if e.Config.Telemetry.Tracing {
				shutdown, err := telemetry.InitTracer(telemetry.ServiceName, os.Stderr, logger)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(sctx)
				}()
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Logger:   logger,
				Tracing:  e.Config.Telemetry.Tracing,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: legacy,
					DevLogin:               devLogin,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}

			startRelay(ctx, e, relayInterval, logger)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Tripdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-actor-header", false, "DEV ONLY: accept X-Actor-Id without a token")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "DEV ONLY: expose POST /auth/dev/login")
	cmd.Flags().DurationVar(&relayInterval, "relay-interval", relay.DefaultInterval, "decision relay poll interval")
	return cmd
}

func startRelay(ctx context.Context, e engine.Engine, interval time.Duration, logger *slog.Logger) {
	r := relay.New(e.Repo, e.Config, logger)
	targets := r.Targets()
	if len(targets) == 0 {
		logger.Info("decision relay disabled: no orchestrator response_url or webhooks configured")
		return
	}
	r.Interval = interval
	logger.Info("decision relay started", slog.Any("targets", targets), slog.Duration("interval", interval))
	go r.Start(ctx)
}
