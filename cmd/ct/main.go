package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"civictrack/internal/app"
	"civictrack/internal/config"
	"civictrack/internal/db"
	"civictrack/internal/domain"
	"civictrack/internal/engine"
	"civictrack/internal/intake"
	"civictrack/internal/migrate"
	"civictrack/internal/notify"
	"civictrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ct",
	Short: "CivicTrack CLI",
	Long: `CivicTrack runs the civic issue lifecycle: citizens report problems, officials
dispatch field staff, staff submit proof of completion and officials approve it.
- Issues: submitted -> in_progress -> pending_approval -> resolved; a rejected completion goes back to in_progress.
- Supporters: citizens who joined an issue; enough of them escalate its priority.
- Scores: trust, utility and efficiency points move with every verified outcome.
- Event log: every change is recorded, view with 'ct log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(".env")
	viper.SetEnvPrefix("CIVICTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/civictrack.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(officialCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noNotify bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API and pushes new events to the configured webhooks and Redis channel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt_secret"),
					TelephonySecret:  viper.GetString("telephony_secret"),
					AllowActorHeader: viper.GetBool("allow_actor_header"),
					DevLogin:         viper.GetBool("dev_login"),
					Logger:           a.Log,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("CIVICTRACK_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, Intake: a.Gateway, BasePath: basePath, Auth: authCfg, Log: a.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				if !noNotify {
					dispatcher, closeNotify, err := notify.FromConfig(a.Config, a.Engine.Repo, a.Log)
					if err != nil {
						return err
					}
					defer closeNotify()
					if dispatcher.Len() > 0 {
						g.Go(func() error {
							if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
								return err
							}
							return nil
						})
					}
				}
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					a.Log.Info("serving CivicTrack API", "addr", addr, "base_path", basePath)
					fmt.Printf("Serving CivicTrack API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not deliver events to webhooks or Redis")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx := cmd.Context()
			if err := migrate.MigrateContext(ctx, conn); err != nil {
				return err
			}
			current, latest, err := migrate.Status(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"database": db.Path(viper.GetString("workspace")), "version": current, "latest": latest})
			}
			fmt.Printf("%s at schema version %d (latest %d)\n", db.Path(viper.GetString("workspace")), current, latest)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage civictrack.yml",
		Long:  "The config file sets department routing, score deltas, the escalation threshold, badges, the oracle provider and event delivery.",
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
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "staff", Short: "Manage field staff"}
	cmd.AddCommand(registerActorCmd("Register a field staff member", true, func(e engine.Engine) func(context.Context, engine.RegisterActorOptions) (domain.ActorProfile, error) {
		return e.RegisterStaff
	}))
	return cmd
}

func officialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "official",
		Short: "Manage officials",
		Long:  "The first official of a workspace registers without --actor-id; later ones must be added by an existing official.",
	}
	cmd.AddCommand(registerActorCmd("Register an official", false, func(e engine.Engine) func(context.Context, engine.RegisterActorOptions) (domain.ActorProfile, error) {
		return e.RegisterOfficial
	}))
	return cmd
}

func registerActorCmd(short string, needsDepartment bool, pick func(engine.Engine) func(context.Context, engine.RegisterActorOptions) (domain.ActorProfile, error)) *cobra.Command {
	var opts engine.RegisterActorOptions
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = args[0]
			opts.RegistrarID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := pick(e)(ctx, opts)
				if err != nil {
					return err
				}
				return printActors([]domain.ActorProfile{p})
			})
		},
	}
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	if needsDepartment {
		cmd.Flags().StringVar(&opts.Department, "department", "", "department (e.g. roads, water)")
		_ = cmd.MarkFlagRequired("department")
	}
	return cmd
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actor", Short: "Inspect actor profiles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an actor profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List actor profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListActors(ctx, domain.ActorKind(kind))
				if err != nil {
					return err
				}
				return printActors(items)
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "citizen, staff or official")
	cmd.AddCommand(list)
	return cmd
}

func estimateCmd() *cobra.Command {
	var priority, category string
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate days to resolve a new issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := domain.Priority(strings.ToLower(priority))
			if !p.IsValid() {
				return fmt.Errorf("--priority must be low, medium or high")
			}
			cat, err := intake.ParseCategory(category)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				days, pending, err := e.EstimateResolutionDays(ctx, p, cat)
				if err != nil {
					return err
				}
				out := map[string]any{"priority": p, "category": cat, "pending": pending, "days": days}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("%s priority, %d pending: about %d days\n", p, pending, days)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium or high")
	cmd.Flags().StringVar(&category, "category", "Other", "issue category")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: reports, assignments, verdicts, score changes and badges.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue an API key; the plain key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetActor(ctx, args[0]); err != nil {
					return err
				}
				key, plain, err := e.Repo.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "cli", "key label")
	cmd.AddCommand(create)
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger() (*slog.Logger, error) {
	return app.NewLogger(app.LogConfig{Level: viper.GetString("log-level"), Format: viper.GetString("log-format")})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, app.Options{
		Workspace:    viper.GetString("workspace"),
		ConfigFile:   viper.GetString("config"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		Log:          log,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or CIVICTRACK_ACTOR_ID) is required")
	}
	return id, nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printActors(items []domain.ActorProfile) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Kind", "Name", "Department", "Trust", "Utility", "Efficiency", "Badges")
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Kind, p.DisplayName, p.Department, p.TrustPoints, p.UtilityPoints, p.EfficiencyPoints, strings.Join(p.Badges, ",")})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
