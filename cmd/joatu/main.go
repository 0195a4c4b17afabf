package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"joatu/internal/app"
	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/metrics"
	"joatu/internal/notify"
	"joatu/internal/repo"
	"joatu/internal/server"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "joatu",
	Short: "Joatu exchange CLI",
	Long: `Joatu runs a community exchange of offers and requests.
- Offers and requests are tagged with categories; the matchmaker pairs an offer with requests from other people that share a category, and the other way round.
- Responding to an offer with a request (or to a request with an offer) records a response link and marks the source as matched.
- An agreement pairs one offer and one request. Accepting it closes both records; rejecting it leaves them open.
- Every change lands in the event log (joatu log tail), which feeds the notification relay.
- Workspace: the .joatu directory holding the database. Platform settings are stored in the database and seeded from joatu.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		log.SetOutput(os.Stderr)
		if viper.GetString("log-format") == "json" {
			log.SetFormatter(&logrus.JSONFormatter{})
		}
		_, err = db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("JOATU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "person acting (JOATU_ACTOR_ID)")
	flags.String("platform", "", "platform id (overrides the stored default)")
	flags.String("locale", "", "preferred locale for names")
	flags.String("log-level", "warning", "log level")
	flags.String("log-format", "text", "log format: text or json")
	for _, name := range []string{"workspace", "json", "actor-id", "platform", "locale", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(recordCmd(domain.KindOffer))
	rootCmd.AddCommand(recordCmd(domain.KindRequest))
	rootCmd.AddCommand(respondCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(personCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create joatu.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
					return err
				}
			}
			env, err := app.Load(cmd.Context(), workspace, platformID, log, nil)
			if err != nil {
				return err
			}
			defer env.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]string{"platform": env.PlatformID, "config": path, "database": db.Path(workspace)})
			}
			fmt.Printf("Initialized platform %s (config %s, database %s)\n", env.PlatformID, path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "id", "joatu", "platform id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect platform config",
		Long:  "Config holds locales, search limits, matching and notification settings. It is stored in the database and imported from joatu.yml explicitly.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate joatu.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Store joatu.yml (or --file) as the platform config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			fileCfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertPlatformConfig(ctx, nil, fileCfg.Platform.ID, fileCfg); err != nil {
					return err
				}
				return printJSON(fileCfg)
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file to import")
	cfg.AddCommand(importCmd)
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the event log"}
	var n int
	var entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.LatestEvents(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Recipients"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, strings.Join(notify.FromEvent(evt).Recipients, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (offer, request, agreement, category)")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}

func notifyCmd() *cobra.Command {
	nt := &cobra.Command{Use: "notify", Short: "Relay events to notification sinks"}
	var fromStart bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Deliver pending notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o := notify.NewOutbox(e.Repo, e.Config, log, nil)
				o.FromStart = fromStart
				n, err := o.RunOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"delivered": n, "error": errString(err)})
				}
				fmt.Printf("delivered %d notifications\n", n)
				return err
			})
		},
	}
	run.Flags().BoolVar(&fromStart, "from-start", false, "replay the whole log for dispatchers without a cursor")
	nt.AddCommand(run)
	return nt
}

func personCmd() *cobra.Command {
	p := &cobra.Command{Use: "person", Short: "Manage people and their API keys"}
	var name string
	addKey := &cobra.Command{
		Use:   "add-key <person-id>",
		Short: "Create an API key; the key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := r.IssueAPIKey(ctx, args[0], name, time.Now().UTC().Format(time.RFC3339))
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "person_id": key.PersonID, "key": raw})
			})
		},
	}
	addKey.Flags().StringVar(&name, "name", "", "key label")
	p.AddCommand(addKey)
	p.AddCommand(&cobra.Command{
		Use:   "show <person-id>",
		Short: "Show a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				person, err := r.GetPerson(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(person)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "keys <person-id>",
		Short: "List API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return p
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin, relay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := metrics.New()
			env, err := app.Load(cmd.Context(), viper.GetString("workspace"), viper.GetString("platform"), log, m)
			if err != nil {
				return err
			}
			defer env.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				AllowDevLogin:          devLogin,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("JOATU_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if relay {
				o := notify.NewOutbox(env.Engine.Repo, env.Config, log, m)
				stopRelay, err := o.Start(cmd.Context(), env.Config.Notifications.Schedule)
				if err != nil {
					return err
				}
				defer stopRelay()
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.WithFields(logrus.Fields{"addr": addr, "base_path": basePath, "platform": env.PlatformID}).Info("serving")
			fmt.Printf("Serving Joatu API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (JOATU_JWT_SECRET)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "trust X-Actor-Id without authentication (deprecated)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&relay, "notifications", true, "run the notification relay")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := app.Load(ctx, viper.GetString("workspace"), viper.GetString("platform"), log, nil)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

// actorID returns the acting person, required for every write.
func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or JOATU_ACTOR_ID) is required")
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
