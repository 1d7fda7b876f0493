package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compact"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/plan"
	"github.com/loomhq/loom/internal/tool"
)

var version = "dev"

var (
	flagConfig   string
	flagSession  string
	flagModel    string
	flagPlanMode bool
)

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Streaming LLM agent with tools and durable sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")

	root.AddCommand(runCmd(), sessionsCmd(), plansCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Execute a task with the agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&flagSession, "session", "", "session id to continue (default: new)")
	cmd.Flags().StringVar(&flagModel, "model", "", "model id override")
	cmd.Flags().BoolVar(&flagPlanMode, "plan", false, "plan mode: read-only tools, produce a plan instead of acting")
	return cmd
}

func runAgent(prompt string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := memory.NewStore(cfg.SessionDir, log)
	if err != nil {
		return err
	}
	planStore, err := plan.NewStore(cfg.PlanDir, log)
	if err != nil {
		return err
	}

	sessionID := flagSession
	if sessionID == "" {
		sessionID = uuid.NewString()
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}

	client := llm.NewClient(log)
	registry := llm.NewRegistry(cfg.Providers)

	tools := tool.NewRegistry(log)
	tools.MustRegister(
		&tool.Bash{WorkDir: cfg.WorkDir},
		&tool.ReadFile{WorkDir: cfg.WorkDir},
		&tool.WriteFile{WorkDir: cfg.WorkDir},
		&tool.BatchReplace{WorkDir: cfg.WorkDir},
		&tool.Glob{WorkDir: cfg.WorkDir},
		&tool.Grep{WorkDir: cfg.WorkDir},
		&tool.WebFetch{},
		&tool.CreatePlan{Store: planStore, SessionID: sessionID},
	)

	compactor := compact.New(
		compact.Config{
			MaxMessages:   cfg.Compaction.MaxMessages,
			ContextRatio:  cfg.Compaction.ContextRatio,
			ContextWindow: cfg.Compaction.ContextWindow,
			KeepRecent:    cfg.Compaction.KeepRecent,
		},
		compact.NewEstimator(),
		&compact.LLMSummarizer{Client: client, Registry: registry, Model: cfg.Model},
		log,
	)

	var temp *float64
	if cfg.Temperature > 0 {
		temp = &cfg.Temperature
	}
	a, err := agent.New(agent.Options{
		SessionID:    sessionID,
		Model:        cfg.Model,
		Temperature:  temp,
		MaxTokens:    cfg.MaxTokens,
		ThinkingMode: llm.ThinkingMode(cfg.ThinkingMode),
		PlanMode:     flagPlanMode,
		MaxParallel:  cfg.MaxToolPar,
		Retry: agent.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		Store:     store,
		Tools:     tools,
		Client:    client,
		Registry:  registry,
		Bus:       bus.New(log),
		Compactor: compactor,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		a.Abort()
	}()

	_, err = a.Execute(ctx, prompt, renderEvent)
	fmt.Println()
	if err != nil {
		if entity.IsAborted(err) {
			fmt.Fprintln(os.Stderr, "aborted")
			return nil
		}
		return err
	}
	return nil
}

// renderEvent writes assistant text to stdout and everything else to stderr,
// so piped output stays clean.
func renderEvent(ev entity.Event) {
	switch ev.Type {
	case entity.EventTextDelta:
		fmt.Print(ev.Content)
	case entity.EventReasoningDelta:
		fmt.Fprint(os.Stderr, ev.Content)
	case entity.EventReasoningComplete:
		fmt.Fprintln(os.Stderr)
	case entity.EventToolCallCreated:
		for _, tc := range ev.ToolCalls {
			fmt.Fprintf(os.Stderr, "\n> %s %s\n", tc.Name, tc.Arguments)
		}
	case entity.EventToolCallResult:
		if ev.Result != nil && !ev.Result.Success {
			fmt.Fprintf(os.Stderr, "! %s failed: %s\n", ev.CallID, firstLine(ev.Result.Output))
		}
	case entity.EventCompaction:
		fmt.Fprintf(os.Stderr, "* %s\n", ev.Message)
	case entity.EventError:
		fmt.Fprintf(os.Stderr, "error: %s\n", ev.Err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			summaries, err := store.QuerySessions()
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Printf("%-40s %-9s %4d msgs  %d compactions  %s\n",
					s.ID, s.Status, s.TotalMessages, s.CompactionCount,
					s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			sess, err := store.LoadSession(args[0])
			if err != nil {
				return err
			}
			for _, m := range sess.Messages {
				fmt.Printf("[%d] %s: %s\n", m.ID, m.Role, firstLine(m.Content))
				for _, tc := range m.ToolCalls {
					fmt.Printf("      -> %s %s\n", tc.Name, tc.Arguments)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			return store.Delete(args[0])
		},
	})

	return cmd
}

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect stored plans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPlanStore()
			if err != nil {
				return err
			}
			plans, err := store.List()
			if err != nil {
				return err
			}
			for _, p := range plans {
				fmt.Printf("%-32s %-40s %s\n", p.ID, p.Title,
					p.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPlanStore()
			if err != nil {
				return err
			}
			p, err := store.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Println(p.Content)
			return nil
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("loom", version)
		},
	}
}

func openStore() (*memory.Store, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return memory.NewStore(cfg.SessionDir, zap.NewNop())
}

func openPlanStore() (*plan.Store, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return plan.NewStore(cfg.PlanDir, zap.NewNop())
}
