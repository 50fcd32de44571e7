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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"execstore/internal/app"
	"execstore/internal/config"
	"execstore/internal/domain"
	"execstore/internal/engine"
	"execstore/internal/logger"
	"execstore/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "execstore",
	Short: "execstore CLI",
	Long: `execstore persists pipeline and orchestration executions with their stages.
- Store: executions and stages are upserted transactionally; large bodies are compressed.
- Reads: list and lookup traffic can go to a read replica; require-latest reads are checked against a freshness ledger.
- Partitions: each node owns one partition and forwards mutations for foreign executions to their owner.
- Lifecycle: cancel, pause, resume, restart and patch stages, add or remove synthetic stages.
Configuration comes from execstore.yml, overridden by flags and EXECSTORE_* environment variables.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EXECSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "execstore.yml", "config file")
	flags.Bool("json", false, "output JSON")
	flags.String("actor", "cli", "actor recorded on lifecycle changes")
	flags.String("partition", "", "partition this node owns")
	flags.String("dialect", "", "database dialect (sqlite, postgres, mysql)")
	flags.String("dsn", "", "database DSN")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("actor", flags.Lookup("actor"))
	_ = viper.BindPFlag("partition", flags.Lookup("partition"))
	_ = viper.BindPFlag("database.dialect", flags.Lookup("dialect"))
	_ = viper.BindPFlag("database.dsn", flags.Lookup("dsn"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies flag and environment
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overlay := map[string]*string{
		"partition":             &cfg.Partition,
		"database.dialect":      &cfg.Database.Dialect,
		"database.dsn":          &cfg.Database.DSN,
		"log.level":             &cfg.Log.Level,
		"server.addr":           &cfg.Server.Addr,
		"server.base_path":      &cfg.Server.BasePath,
		"server.jwt_secret":     &cfg.Server.JWTSecret,
		"interlink.secret":      &cfg.Interlink.Secret,
		"interlink.backend":     &cfg.Interlink.Backend,
		"ledger.backend":        &cfg.Ledger.Backend,
		"compression.algorithm": &cfg.Compression.Algorithm,
	}
	for key, field := range overlay {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*field = v
		}
	}
	if viper.IsSet("compression.enabled") {
		cfg.Compression.Enabled = viper.GetBool("compression.enabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return a.RunWorkers(ctx)
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					a.Log.Infof("serving execstore API on http://%s%s (partition %q, OpenAPI at %s/openapi.json, Swagger UI at /docs)",
						addr, a.Config.Server.BasePath, a.Config.Partition, a.Config.Server.BasePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("%s schema up to date\n", a.Pools.Dialect)
				return nil
			})
		},
	}
}

func parseTarget(args []string) (domain.ExecutionType, string, error) {
	t, err := domain.ParseExecutionType(args[0])
	if err != nil {
		return "", "", err
	}
	return t, args[1], nil
}

func getCmd() *cobra.Command {
	var latest bool
	cmd := &cobra.Command{
		Use:   "get TYPE ID",
		Short: "Show an execution and its stages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseTarget(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.Retrieve(ctx, t, id, latest)
				if err != nil {
					return err
				}
				return printExecution(x)
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "verify replica reads against the freshness ledger")
	return cmd
}

func listCmd() *cobra.Command {
	var c repo.Criteria
	var application, statuses string
	cmd := &cobra.Command{
		Use:   "list TYPE",
		Short: "List an application's executions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseExecutionType(args[0])
			if err != nil {
				return err
			}
			if application == "" {
				return fmt.Errorf("--application is required")
			}
			for _, s := range strings.Split(statuses, ",") {
				if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
					c.Statuses = append(c.Statuses, domain.Status(s))
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.RetrieveForApplication(ctx, t, application, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Partition", "Built", "Stages"})
				for _, x := range page.Items {
					tw.AppendRow(table.Row{x.ID, x.Name, x.Status, x.Partition, formatMillis(&x.BuildTime), len(x.Stages)})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&application, "application", "", "application name")
	cmd.Flags().StringVar(&statuses, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&c.PageSize, "limit", 50, "page size")
	cmd.Flags().StringVar(&c.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func mutationCmd(use, short string, apply func(ctx context.Context, e engine.Engine, t domain.ExecutionType, id string) (engine.Outcome, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TYPE ID",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, id, err := parseTarget(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := apply(ctx, e, t, id)
				if err != nil {
					return err
				}
				return printOutcome(out)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := mutationCmd("cancel", "Cancel an execution", func(ctx context.Context, e engine.Engine, t domain.ExecutionType, id string) (engine.Outcome, error) {
		return e.Cancel(ctx, t, id, viper.GetString("actor"), reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func pauseCmd() *cobra.Command {
	return mutationCmd("pause", "Pause a running execution", func(ctx context.Context, e engine.Engine, t domain.ExecutionType, id string) (engine.Outcome, error) {
		return e.Pause(ctx, t, id, viper.GetString("actor"))
	})
}

func resumeCmd() *cobra.Command {
	var ignoreStatus bool
	cmd := mutationCmd("resume", "Resume a paused execution", func(ctx context.Context, e engine.Engine, t domain.ExecutionType, id string) (engine.Outcome, error) {
		return e.Resume(ctx, t, id, viper.GetString("actor"), ignoreStatus)
	})
	cmd.Flags().BoolVar(&ignoreStatus, "ignore-status", false, "resume even when not PAUSED")
	return cmd
}

func deleteCmd() *cobra.Command {
	return mutationCmd("delete", "Delete an execution", func(ctx context.Context, e engine.Engine, t domain.ExecutionType, id string) (engine.Outcome, error) {
		return e.Delete(ctx, t, id)
	})
}

func sweepCmd() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired tombstones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := a.Sweeper
				if retention > 0 {
					s.Retention = retention
				}
				n := s.SweepOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]int{"purged": n})
				}
				fmt.Printf("purged %d tombstones\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override tombstones.retention")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the config after flag and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			b, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
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
	})
	return cfg
}

// --- helpers ---

func printExecution(x *domain.Execution) error {
	if viper.GetBool("json") {
		return printJSON(x)
	}
	fmt.Printf("%s %s  app=%s  status=%s  partition=%q  canceled=%t\n", x.Type, x.ID, x.Application, x.Status, x.Partition, x.Canceled)
	if len(x.Stages) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Ref", "ID", "Type", "Status", "Started", "Ended", "Parent"})
	for _, s := range x.Stages {
		ref := s.RefID
		if s.SyntheticStageOwner != "" {
			ref = "  " + ref + " (" + strings.ToLower(string(s.SyntheticStageOwner)) + ")"
		}
		tw.AppendRow(table.Row{ref, s.ID, s.Type, s.Status, formatMillis(s.StartTime), formatMillis(s.EndTime), s.ParentStageID})
	}
	tw.Render()
	return nil
}

func printOutcome(o engine.Outcome) error {
	if o.Forwarded() {
		if viper.GetBool("json") {
			return printJSON(map[string]string{"forwarded_to": o.ForwardedTo})
		}
		fmt.Printf("forwarded to partition %q\n", o.ForwardedTo)
		return nil
	}
	if o.Execution == nil {
		if viper.GetBool("json") {
			return printJSON(map[string]bool{"ok": true})
		}
		fmt.Println("done")
		return nil
	}
	return printExecution(o.Execution)
}

func formatMillis(ms *int64) string {
	if ms == nil || *ms == 0 {
		return ""
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
