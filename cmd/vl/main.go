package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/executor"
	"vaultline/internal/ledger"
	"vaultline/internal/loop"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
	"vaultline/internal/server"
	"vaultline/internal/task"
	"vaultline/internal/vault"
	"vaultline/internal/watcher"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline runs a human-in-the-loop pipeline over a plain folder vault.
How it flows:
- Watchers poll external sources (drop folder, mailbox, mentions) and write
  task files into Needs_Action. Nothing is acted on yet.
- A human (or an agent driven by 'vl loop') reviews tasks and moves the file:
  into Approved to green-light it, into Rejected to kill it. The folder a
  task sits in IS its state; there is no hidden database of truth.
- 'vl post' drains Approved: it performs the outward action with retries and
  moves the task into Done on verified success. Tasks that keep failing stay
  in Approved and show up in 'vl status' as stale.
- Every step is appended to daily log files under Logs/ and indexed for
  'vl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		root := viper.GetString("vault")
		// Best effort; a missing .env is the normal case.
		_ = godotenv.Load(filepath.Join(root, ".env"))
		setupLogging()
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("vault", "v", ".", "vault directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func setupLogging() {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(loopCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault layout and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfgPath := config.Path(root)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			conn, err := openDB(root)
			if err != nil {
				return err
			}
			defer conn.Close()
			fmt.Printf("Vault ready at %s\n", v.Root)
			return nil
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the configured watchers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			conn := openDBOptional(root)
			if conn != nil {
				defer conn.Close()
			}
			log := audit.New(v.LogsDir(), "watcher", conn, slog.Default())

			var runners []watcher.Runner
			for name, wc := range cfg.Watchers {
				if !wc.Enabled {
					continue
				}
				src, err := buildSource(v, name, wc)
				if err != nil {
					return err
				}
				runners = append(runners, watcher.Runner{
					Source:   src,
					Interval: wc.Interval(),
					Logger:   slog.Default(),
					Audit:    log,
				})
			}
			if len(runners) == 0 {
				return fmt.Errorf("no watchers enabled in %s", config.Path(root))
			}

			ctx := cmd.Context()
			var wg sync.WaitGroup
			for _, r := range runners {
				wg.Add(1)
				go func(r watcher.Runner) {
					defer wg.Done()
					_ = r.Run(ctx)
				}(r)
			}
			wg.Wait()
			return nil
		},
	}
	return cmd
}

func buildSource(v vault.Vault, name string, wc config.WatcherConfig) (watcher.Source, error) {
	led, err := ledger.Open(filepath.Join(v.StateDir(), "ledger_"+name+".json"), slog.Default())
	if err != nil {
		return nil, err
	}
	if wc.DropFolder != "" {
		folder := wc.DropFolder
		if !filepath.IsAbs(folder) {
			folder = filepath.Join(v.Root, folder)
		}
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return nil, err
		}
		return &watcher.FileDrop{Vault: v, Ledger: led, Folder: folder}, nil
	}
	kind := task.KindSocialMessage
	if name == "mailbox" || name == "email" {
		kind = task.KindEmail
	}
	return &watcher.Feed{
		Vault:     v,
		Ledger:    led,
		Tag:       name,
		Kind:      kind,
		Endpoint:  wc.Endpoint,
		Keywords:  wc.Keywords,
		Timeout:   wc.Timeout(),
		LoginWait: wc.LoginWait(),
		Logger:    slog.Default(),
	}, nil
}

func postCmd() *cobra.Command {
	var file string
	var dryRun, check, watch bool
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Execute approved tasks",
		Long: `Drains the Approved stage. Each task gets up to max_retries attempts with
evidence captured under Diagnostics/ per attempt. On success the task moves
to Done with a completion-date prefix; on exhaustion it stays in Approved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			if check {
				stale, err := v.StaleApproved(cfg.Executor.StaleAfter(), time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stale)
				}
				if len(stale) == 0 {
					fmt.Println("No stale approved tasks.")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Age"})
				for _, s := range stale {
					tw.AppendRow(table.Row{s.Name, (time.Duration(s.AgeSeconds) * time.Second).String()})
				}
				tw.Render()
				return fmt.Errorf("%d stale approved task(s), check Diagnostics", len(stale))
			}

			conn := openDBOptional(root)
			if conn != nil {
				defer conn.Close()
			}
			ex := &executor.Executor{
				Vault:    v,
				Cfg:      cfg.Executor,
				Registry: buildRegistry(v, cfg.Executor),
				Audit:    audit.New(v.LogsDir(), "executor", conn, slog.Default()),
				Logger:   slog.Default(),
				DryRun:   dryRun,
			}
			ctx := cmd.Context()
			if file != "" {
				outcome, err := ex.ExecuteTask(ctx, file)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", file, outcome)
				return nil
			}
			if watch {
				err := ex.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			ex.Sweep(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "execute a single task file from Approved")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would happen without acting")
	cmd.Flags().BoolVar(&check, "check", false, "report stale approved tasks and exit")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping Approved on the configured interval")
	return cmd
}

func buildRegistry(v vault.Vault, cfg config.ExecutorConfig) *executor.Registry {
	reg := executor.NewRegistry(executor.NewMail(v, cfg.BlockedRecipients))
	for platform, endpoint := range cfg.Endpoints {
		reg.Register(executor.Bridge{Name: platform, Endpoint: endpoint})
	}
	return reg
}

func loopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop [objective]",
		Short: "Drive the configured agent against the vault in bounded iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			objective := strings.TrimSpace(strings.Join(args, " "))
			if objective == "" {
				objective = "Process every task in Needs_Action: triage it, draft the response or action, and move the file to Pending_Approval or Approved."
			}
			conn := openDBOptional(root)
			if conn != nil {
				defer conn.Close()
			}
			l := &loop.Loop{
				Vault:  v,
				Cfg:    cfg.Loop,
				Audit:  audit.New(v.LogsDir(), "loop", conn, slog.Default()),
				Logger: slog.Default(),
			}
			res, err := l.Run(cmd.Context(), objective)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"iterations": res.Iterations,
				"completed":  res.Completed,
				"reason":     res.Reason,
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect and move task files",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskMoveCmd("approve", "Approve a task (move it to Approved)", vault.Approved))
	t.AddCommand(taskMoveCmd("reject", "Reject a task (move it to Rejected)", vault.Rejected))
	return t
}

func taskListCmd() *cobra.Command {
	var stageName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vault.Open(viper.GetString("vault"))
			if err != nil {
				return err
			}
			stages := vault.Stages
			if stageName != "" {
				s, err := vault.ParseStage(stageName)
				if err != nil {
					return err
				}
				stages = []vault.Stage{s}
			}
			type row struct {
				Stage string `json:"stage"`
				Name  string `json:"name"`
			}
			var rows []row
			for _, s := range stages {
				names, err := v.List(s)
				if err != nil {
					return err
				}
				for _, n := range names {
					rows = append(rows, row{Stage: string(s), Name: n})
				}
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Task"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Stage, r.Name})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "only this stage")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <stage> <name>",
		Short: "Print one task file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := vault.Open(viper.GetString("vault"))
			if err != nil {
				return err
			}
			s, err := vault.ParseStage(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(v.Path(s, args[1]))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				t, err := task.Parse(data)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"name":   args[1],
					"stage":  string(s),
					"type":   t.Meta.Kind,
					"status": t.Meta.Status,
					"sender": t.Meta.Sender,
					"body":   t.Body,
				})
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

// taskMoveCmd builds approve/reject: both are a single file move, the
// same thing a human does by dragging the file between folders.
func taskMoveCmd(use, short string, to vault.Stage) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			name := args[0]
			var from vault.Stage
			found := false
			for _, s := range []vault.Stage{vault.NeedsAction, vault.PendingApproval} {
				if _, err := os.Stat(v.Path(s, name)); err == nil {
					from, found = s, true
					break
				}
			}
			if !found {
				return fmt.Errorf("task %s not found in %s or %s", name, vault.NeedsAction, vault.PendingApproval)
			}
			dst, err := v.Move(v.Path(from, name), to, "")
			if err != nil {
				return err
			}
			conn := openDBOptional(root)
			if conn != nil {
				defer conn.Close()
			}
			log := audit.New(v.LogsDir(), "cli", conn, slog.Default())
			_ = log.Append(cmd.Context(), audit.Record{
				Action:  "task." + use + "d",
				TaskID:  name,
				Outcome: string(to),
			})
			fmt.Printf("%s -> %s\n", name, dst)
			return nil
		},
	}
	return cmd
}

// checkCmd verifies sessions and credentials without side effects, so
// an operator can see what the executor would refuse before approving
// work.
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify config, sessions and credentials without acting",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			type checkRow struct {
				Platform string `json:"platform"`
				Ready    bool   `json:"ready"`
				Detail   string `json:"detail"`
			}
			var rows []checkRow
			problems := 0
			for _, platform := range cfg.Executor.Platforms {
				row := checkRow{Platform: platform, Ready: true, Detail: "ok"}
				switch platform {
				case "email":
					if os.Getenv("SMTP_HOST") == "" || os.Getenv("SMTP_FROM") == "" {
						row.Ready = false
						row.Detail = "SMTP_HOST and SMTP_FROM must be set in " + filepath.Join(root, ".env")
					}
				default:
					if cfg.Executor.Endpoints[platform] == "" {
						row.Ready = false
						row.Detail = "no connector endpoint configured"
						break
					}
					entries, err := os.ReadDir(v.SessionDir(platform))
					if err != nil || len(entries) == 0 {
						row.Ready = false
						row.Detail = "no session material, log in first (sessions/" + platform + ")"
					}
				}
				if !row.Ready {
					problems++
				}
				rows = append(rows, row)
			}

			stale, err := v.StaleApproved(cfg.Executor.StaleAfter(), time.Now())
			if err != nil {
				return err
			}

			if viper.GetBool("json") {
				if err := printJSON(map[string]any{"platforms": rows, "stale": stale}); err != nil {
					return err
				}
			} else {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Platform", "Ready", "Detail"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Platform, r.Ready, r.Detail})
				}
				tw.Render()
				for _, s := range stale {
					fmt.Printf("stale in Approved: %s (%s)\n", s.Name, (time.Duration(s.AgeSeconds) * time.Second).String())
				}
			}
			if problems > 0 || len(stale) > 0 {
				return fmt.Errorf("%d platform(s) not ready, %d stale task(s)", problems, len(stale))
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(root)
			if err != nil {
				return err
			}
			counts, err := v.Counts()
			if err != nil {
				return err
			}
			stale, err := v.StaleApproved(cfg.Executor.StaleAfter(), time.Now())
			if err != nil {
				return err
			}
			out := map[string]any{
				"vault":  v.Root,
				"stages": counts,
				"stale":  stale,
			}
			conn := openDBOptional(root)
			if conn != nil {
				defer conn.Close()
				outcomes, err := repo.Repo{DB: conn}.CountByOutcome(cmd.Context(), "executor")
				if err == nil {
					out["executor_outcomes"] = outcomes
				}
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Vault: %s\n", v.Root)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Tasks"})
			for _, s := range vault.Stages {
				tw.AppendRow(table.Row{string(s), counts[s]})
			}
			tw.Render()
			if len(stale) > 0 {
				fmt.Printf("Stale in Approved (> %s):\n", cfg.Executor.StaleAfter())
				for _, s := range stale {
					fmt.Printf("  %s (%s)\n", s.Name, (time.Duration(s.AgeSeconds) * time.Second).String())
				}
			}
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Query the event index"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var component, action, taskID, platform, outcome string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent pipeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			conn, err := openDB(root)
			if err != nil {
				return err
			}
			defer conn.Close()
			events, err := repo.Repo{DB: conn}.LatestEvents(cmd.Context(), n, repo.EventFilters{
				Component: component,
				Action:    action,
				TaskID:    taskID,
				Platform:  platform,
				Outcome:   outcome,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "Component", "Action", "Task", "Attempt", "Outcome", "Error"})
			for _, e := range events {
				tw.AppendRow(table.Row{e.TS, e.Component, e.Action, e.TaskID, e.Attempt, e.Outcome, e.Error})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&component, "component", "", "component filter (watcher, executor, loop, cli)")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().StringVar(&platform, "platform", "", "platform filter")
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v, err := vault.Open(root)
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(root)
			if err != nil {
				return err
			}
			conn, err := openDB(root)
			if err != nil {
				return err
			}
			defer conn.Close()
			secret := os.Getenv("VAULTLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("VAULTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Vault:      v,
				Repo:       repo.Repo{DB: conn},
				StaleAfter: cfg.Executor.StaleAfter(),
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vaultline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openDB(vaultRoot string) (*sql.DB, error) {
	if _, err := db.EnsureStateDir(vaultRoot); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Vault: vaultRoot})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// openDBOptional returns nil when the index cannot be opened; the
// pipeline keeps working on files alone.
func openDBOptional(vaultRoot string) *sql.DB {
	conn, err := openDB(vaultRoot)
	if err != nil {
		slog.Warn("event index unavailable, continuing without it", "error", err)
		return nil
	}
	return conn
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
