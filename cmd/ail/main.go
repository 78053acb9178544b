package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/matijazezelj/ail/internal/alert"
	"github.com/matijazezelj/ail/internal/config"
	"github.com/matijazezelj/ail/internal/crypto"
	"github.com/matijazezelj/ail/internal/dedup"
	"github.com/matijazezelj/ail/internal/ingest"
	"github.com/matijazezelj/ail/internal/scheduler"
	"github.com/matijazezelj/ail/internal/server"
	"github.com/matijazezelj/ail/internal/store"
	"github.com/matijazezelj/ail/internal/worker"
	"github.com/matijazezelj/ail/pkg/models"
)

var (
	version   = "dev"
	cfgFile   string
	dbPath    string
	logFormat string
	logLevel  string
	logger    *slog.Logger
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "ail",
		Short: "AIL — Assets in a Lake",
		Long:  "Inventory collection pipeline: scheduled collector runs, canonical asset records, and duplicate detection.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ail.yaml)")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		schedulerCmd(),
		workerCmd(),
		serveCmd(),
		triggerCmd(),
		runsCmd(),
		dbCmd(),
		versionCmd(),
		completionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*store.Store, *config.Config) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	path := cfg.Storage.Path
	if dbPath != "" {
		path = dbPath
	}

	st, err := store.New(path)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}

	if err := st.Init(context.Background()); err != nil {
		logger.Error("initializing database", "error", err)
		os.Exit(1)
	}

	return st, cfg
}

// openMirroredStore wraps the SQLite store with a Memgraph mirror when
// one is configured and reachable. Mirror failures never block writes.
func openMirroredStore() (*store.MirroredStore, *config.Config) {
	st, cfg := openStore()

	var driver neo4j.DriverWithContext
	if cfg.Storage.Memgraph.Enabled {
		d, err := neo4j.NewDriverWithContext(
			cfg.Storage.Memgraph.URI,
			neo4j.BasicAuth(cfg.Storage.Memgraph.Username, cfg.Storage.Memgraph.Password, ""),
		)
		if err != nil {
			logger.Warn("memgraph unavailable, mirroring disabled", "error", err)
		} else {
			driver = d
			logger.Info("memgraph mirroring enabled", "uri", cfg.Storage.Memgraph.URI)
		}
	}

	return store.NewMirroredStore(st, driver, logger), cfg
}

func newSealer(cfg *config.Config) *crypto.Sealer {
	if cfg.Crypto.Key == "" {
		return nil
	}
	sealer, err := crypto.NewSealer(cfg.Crypto.Key)
	if err != nil {
		logger.Error("invalid crypto key", "error", err)
		os.Exit(1)
	}
	return sealer
}

// --- scheduler ---

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the schedule-group trigger loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			sched := scheduler.New(st, logger, cfg.Scheduler.TickInterval)
			sched.Start(ctx)
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

// --- worker ---

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the collection worker loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg := openMirroredStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			ingester := ingest.New(st, logger)
			engine := dedup.NewEngine(st.Store, logger, cfg.Dedup.WindowDays)
			alerts := alert.FromConfig(cfg.Alerts)

			w := worker.New(st.Store, ingester, engine, newSealer(cfg), alerts, logger, cfg)
			w.Start(ctx)
			<-ctx.Done()
			w.Stop()
			return nil
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg := openStore()

			serverCfg := cfg.Server
			if listen != "" {
				serverCfg.Listen = listen
			}
			serverCfg.ReadOnly = serverCfg.ReadOnly || readOnly

			srv := server.New(st, logger, serverCfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				_ = st.Close()
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "disable mutations via API")
	return cmd
}

// --- trigger ---

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manually enqueue collection runs",
	}
	cmd.AddCommand(triggerGroupCmd(), triggerSourceCmd())
	return cmd
}

func triggerGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "group <group-id>",
		Short: "Enqueue collection runs for every eligible source of a schedule group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _ := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup
			ctx := cmd.Context()

			group, err := st.GetScheduleGroup(ctx, args[0])
			if err != nil {
				return err
			}
			if group == nil {
				return fmt.Errorf("schedule group %s not found", args[0])
			}

			sources, err := st.ListGroupSources(ctx, group.ID)
			if err != nil {
				return err
			}

			now := time.Now()
			total := 0
			for _, src := range sources {
				if reason := scheduler.IneligibleReason(src); reason != "" {
					fmt.Printf("skipping %s: %s\n", src.ID, reason)
					continue
				}
				runIDs, err := scheduler.EnqueueSourceRuns(ctx, st, src, group.ID, models.TriggerManual, models.ModeCollect, now)
				if err != nil {
					return err
				}
				for _, id := range runIDs {
					fmt.Printf("enqueued run %s for source %s\n", id, src.ID)
				}
				total += len(runIDs)
			}
			fmt.Printf("%d run(s) enqueued\n", total)
			return nil
		},
	}
}

func triggerSourceCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "source <source-id>",
		Short: "Enqueue a run for a single source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _ := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup
			ctx := cmd.Context()

			src, err := st.GetSource(ctx, args[0])
			if err != nil {
				return err
			}
			if src == nil {
				return fmt.Errorf("source %s not found", args[0])
			}

			runMode := models.RunMode(mode)
			switch runMode {
			case models.ModeCollect, models.ModeCollectHosts, models.ModeCollectVMs,
				models.ModeDetect, models.ModeHealthcheck:
			default:
				return fmt.Errorf("invalid mode %q", mode)
			}

			if runMode != models.ModeDetect && runMode != models.ModeHealthcheck {
				if reason := scheduler.IneligibleReason(*src); reason != "" {
					return fmt.Errorf("source not eligible: %s", reason)
				}
			}

			runIDs, err := scheduler.EnqueueSourceRuns(ctx, st, *src, src.ScheduleGroupID, models.TriggerManual, runMode, time.Now())
			if err != nil {
				return err
			}
			if len(runIDs) == 0 {
				return fmt.Errorf("run already active for this source and mode")
			}
			for _, id := range runIDs {
				fmt.Printf("enqueued run %s\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(models.ModeCollect), "run mode (collect, collect_hosts, collect_vms, detect, healthcheck)")
	return cmd
}

// --- runs ---

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect collection runs",
	}
	cmd.AddCommand(runsListCmd(), runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var sourceID, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _ := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup

			runs, err := st.ListRuns(cmd.Context(), store.RunFilter{
				SourceID: sourceID,
				Status:   models.RunStatus(status),
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN\tSOURCE\tMODE\tSTATUS\tCREATED\tSUMMARY")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.SourceID, r.Mode, r.Status,
					r.CreatedAt.Format(time.RFC3339), r.ErrorSummary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sourceID, "source", "", "filter by source ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (Queued, Running, Succeeded, Failed, Cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _ := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			fmt.Printf("Run: %s\n", run.ID)
			fmt.Printf("  Source:   %s\n", run.SourceID)
			fmt.Printf("  Mode:     %s\n", run.Mode)
			fmt.Printf("  Trigger:  %s\n", run.TriggerType)
			fmt.Printf("  Status:   %s\n", run.Status)
			fmt.Printf("  Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
			if run.StartedAt != nil {
				fmt.Printf("  Started:  %s\n", run.StartedAt.Format(time.RFC3339))
			}
			if run.FinishedAt != nil {
				fmt.Printf("  Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
			}
			if run.RecycleCount > 0 {
				fmt.Printf("  Recycled: %d time(s)\n", run.RecycleCount)
			}
			if run.ErrorSummary != "" {
				fmt.Printf("  Error:    %s\n", run.ErrorSummary)
			}
			if len(run.Stats) > 0 {
				fmt.Printf("  Stats:    %s\n", run.Stats)
			}
			if len(run.Errors) > 0 {
				fmt.Printf("  Errors:   %s\n", run.Errors)
			}
			return nil
		},
	}
}

// --- db ---

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management",
	}
	cmd.AddCommand(dbInitCmd(), dbSeedCmd(), dbBackupCmd())
	return cmd
}

func dbInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			st, cfg := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup

			path := cfg.Storage.Path
			if dbPath != "" {
				path = dbPath
			}
			fmt.Printf("Database initialized at %s\n", path)
			return nil
		},
	}
}

// seedFile is the YAML shape `ail db seed` consumes.
type seedFile struct {
	Credentials []struct {
		ID      string         `yaml:"id"`
		Name    string         `yaml:"name"`
		Payload map[string]any `yaml:"payload"`
	} `yaml:"credentials"`
	ScheduleGroups []struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
		RunAt    string `yaml:"run_at"`
	} `yaml:"schedule_groups"`
	Sources []struct {
		ID            string         `yaml:"id"`
		Name          string         `yaml:"name"`
		Type          string         `yaml:"type"`
		Credential    string         `yaml:"credential"`
		ScheduleGroup string         `yaml:"schedule_group"`
		Config        map[string]any `yaml:"config"`
	} `yaml:"sources"`
}

func dbSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load credentials, schedule groups and sources from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg := openStore()
			defer st.Close() //nolint:errcheck // best-effort cleanup
			ctx := cmd.Context()

			raw, err := os.ReadFile(args[0]) // #nosec G304 -- path from user CLI arg
			if err != nil {
				return fmt.Errorf("reading seed file: %w", err)
			}
			var seed seedFile
			if err := yaml.Unmarshal(raw, &seed); err != nil {
				return fmt.Errorf("parsing seed file: %w", err)
			}

			sealer := newSealer(cfg)
			if len(seed.Credentials) > 0 && sealer == nil {
				return fmt.Errorf("seeding credentials requires crypto.key in the config")
			}

			now := time.Now()
			for _, c := range seed.Credentials {
				payload, err := yamlToJSON(c.Payload)
				if err != nil {
					return fmt.Errorf("credential %s: %w", c.ID, err)
				}
				sealed, err := sealer.Seal(payload)
				if err != nil {
					return fmt.Errorf("sealing credential %s: %w", c.ID, err)
				}
				id := c.ID
				if id == "" {
					id = uuid.NewString()
				}
				if err := st.CreateCredential(ctx, models.Credential{
					ID: id, Name: c.Name, PayloadCiphertext: sealed, CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("creating credential %s: %w", id, err)
				}
				fmt.Printf("credential %s created\n", id)
			}

			for _, g := range seed.ScheduleGroups {
				id := g.ID
				if id == "" {
					id = uuid.NewString()
				}
				if err := st.CreateScheduleGroup(ctx, models.ScheduleGroup{
					ID: id, Name: g.Name, Timezone: g.Timezone, RunAtHhmm: g.RunAt,
					Enabled: true, CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("creating schedule group %s: %w", id, err)
				}
				fmt.Printf("schedule group %s created\n", id)
			}

			for _, s := range seed.Sources {
				id := s.ID
				if id == "" {
					id = uuid.NewString()
				}
				if err := st.CreateSource(ctx, models.Source{
					ID: id, Name: s.Name, SourceType: models.SourceType(s.Type),
					Enabled: true, Config: s.Config, CredentialID: s.Credential,
					ScheduleGroupID: s.ScheduleGroup, CreatedAt: now,
				}); err != nil {
					return fmt.Errorf("creating source %s: %w", id, err)
				}
				fmt.Printf("source %s created\n", id)
			}

			return nil
		},
	}
}

// yamlToJSON re-encodes a YAML mapping as the JSON payload collectors
// receive after decryption.
func yamlToJSON(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

func dbBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <output-path>",
		Short: "Copy database file to a backup location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			srcPath := cfg.Storage.Path
			if dbPath != "" {
				srcPath = dbPath
			}
			dstPath := args[0]

			// Check if destination exists
			if _, err := os.Stat(dstPath); err == nil {
				_, _ = fmt.Fprintf(os.Stdout, "File %s already exists. Overwrite? [y/N]: ", dstPath)
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				answer = strings.TrimSpace(strings.ToLower(answer))
				if answer != "y" && answer != "yes" {
					_, _ = fmt.Fprintln(os.Stdout, "Aborted.")
					return nil
				}
			}

			if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
				return fmt.Errorf("creating backup directory: %w", err)
			}

			src, err := os.Open(srcPath) // #nosec G304 -- path from config/flag
			if err != nil {
				return fmt.Errorf("opening source database: %w", err)
			}
			defer src.Close() //nolint:errcheck // best-effort cleanup

			dst, err := os.Create(dstPath) // #nosec G304 -- path from user CLI arg
			if err != nil {
				return fmt.Errorf("creating backup file: %w", err)
			}
			defer dst.Close() //nolint:errcheck // best-effort cleanup

			n, err := io.Copy(dst, src)
			if err != nil {
				return fmt.Errorf("copying database: %w", err)
			}

			_, _ = fmt.Fprintf(os.Stdout, "Backed up %s to %s (%s)\n", srcPath, dstPath, formatBytes(n))
			return nil
		},
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("ail %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for AIL.

To load completions:

Bash:
  $ source <(ail completion bash)

Zsh:
  $ ail completion zsh > "${fpath[1]}/_ail"

Fish:
  $ ail completion fish | source

PowerShell:
  PS> ail completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
