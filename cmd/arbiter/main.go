package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"arbiter/internal/audit"
	"arbiter/internal/bus"
	"arbiter/internal/config"
	"arbiter/internal/dma"
	"arbiter/internal/events"
	"arbiter/internal/guardrail"
	"arbiter/internal/logging"
	"arbiter/internal/providers"
	"arbiter/internal/resources"
	"arbiter/internal/runtime"
	"arbiter/internal/store"
	"arbiter/internal/types"
	"arbiter/internal/usage"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// submit flags
	priority       int
	origin         string
	correlationKey string
	submitDrain    bool

	// run flags
	runRounds int
	runDrain  bool
	runWatch  bool

	// listing flags
	tailN      int
	taskStatus string
	taskLimit  int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "arbiter - autonomous decision agent with bounded escalation",
	Long: `arbiter is an autonomous decision core. Submitted tasks are evaluated
by independent decision-making authorities (ethical, common sense, and a
Mangle Datalog domain evaluator), checked by a guardrail chain, and dispatched
as concrete actions. Everything the agent decides lands on a hash-linked,
ed25519-signed audit chain.

Decisions the agent cannot settle on its own escalate: bounded pondering
first, then a deferral to a human authority whose answer resumes the task.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize an arbiter workspace",
	RunE:  runInit,
}

var submitCmd = &cobra.Command{
	Use:   "submit [description...]",
	Short: "Submit a task for autonomous processing",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent loop",
	Long: `Runs scheduler rounds until interrupted. With --rounds N the loop stops
after N rounds; with --drain it stops at the first idle round. The guidance
inbox is watched while running, so dropping a <deferral-id>.resolution.json
file into it resumes the deferred task immediately.`,
	RunE: runAgentLoop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent, task, provider, and audit state",
	RunE:  runStatus,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks by status",
	RunE:  runTasks,
}

var deferralsCmd = &cobra.Command{
	Use:   "deferrals",
	Short: "List deferrals awaiting an authority",
	RunE:  runDeferrals,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <deferral-id> <resolution...>",
	Short: "Answer a deferral and resume its task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runResolve,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit chain",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the latest audit entries",
	RunE:  runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash linkage and signatures across the whole chain",
	RunE:  runAuditVerify,
}

var auditRotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the audit signing key",
	RunE:  runAuditRotate,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show accumulated usage counters",
	RunE:  runUsage,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	submitCmd.Flags().IntVarP(&priority, "priority", "p", 0, "task priority (higher runs first)")
	submitCmd.Flags().StringVar(&origin, "origin", "", "channel the task came from (answers return there)")
	submitCmd.Flags().StringVarP(&correlationKey, "key", "k", "", "correlation key for idempotent resubmission")
	submitCmd.Flags().BoolVar(&submitDrain, "drain", false, "process the queue before returning")

	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "stop after N rounds (0 = run until interrupted)")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "stop at the first idle round")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "print lifecycle events while running")

	tasksCmd.Flags().StringVar(&taskStatus, "status", "", "only this status (pending|active|completed|failed|deferred)")
	tasksCmd.Flags().IntVar(&taskLimit, "limit", 20, "max tasks per status")

	auditListCmd.Flags().IntVarP(&tailN, "tail", "n", 20, "number of entries to show")
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditRotateCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(deferralsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(usageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// system is the fully wired agent and its collaborators.
type system struct {
	cfg     *config.Config
	store   *store.Store
	auditor *audit.Service
	signer  *audit.Signer
	tracker *usage.Tracker
	stream  *events.Stream
	agent   *runtime.Agent
	monitor *resources.Monitor
}

// buildSystem wires config, store, audit, providers, pipeline, guardrails,
// and the agent for one command invocation.
func buildSystem(ctx context.Context) (*system, error) {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace); err != nil {
		logger.Warn("Category logging unavailable", zap.Error(err))
	}
	clock := types.SystemClock{}

	st, err := store.Open(cfg.DatabasePath(workspace), store.WithBusyTimeout(cfg.GetBusyTimeout()))
	if err != nil {
		return nil, err
	}
	signer, err := audit.LoadOrCreateSigner(ctx, st, cfg.KeyDir(workspace), clock)
	if err != nil {
		st.Close()
		return nil, err
	}
	auditor := audit.NewService(st, signer, clock)

	tracker, err := usage.NewTracker(workspace)
	if err != nil {
		logger.Warn("Usage tracking unavailable", zap.Error(err))
		tracker = nil
	}
	stream := events.NewStream()

	registry := bus.NewRegistry()
	register := func(p types.Provider, tier types.Tier) error {
		if err := registry.Register(p, tier); err != nil {
			st.Close()
			return err
		}
		return nil
	}
	if err := register(providers.NewConsoleProvider(os.Stdout, clock), types.TierPrimary); err != nil {
		return nil, err
	}
	if err := register(providers.NewMemoryProvider(st, clock), types.TierPrimary); err != nil {
		return nil, err
	}
	toolProvider := providers.NewToolProvider()
	for _, tool := range providers.DefaultTools(clock) {
		if err := toolProvider.RegisterTool(tool); err != nil {
			st.Close()
			return nil, err
		}
	}
	if err := register(toolProvider, types.TierPrimary); err != nil {
		return nil, err
	}
	if err := register(providers.NewFileGuidanceProvider(cfg.GuidanceInbox(workspace), clock), types.TierPrimary); err != nil {
		return nil, err
	}
	if err := register(providers.NewAuditProvider(auditor), types.TierPrimary); err != nil {
		return nil, err
	}
	if err := register(providers.NewEchoLanguageProvider(), types.TierFallback); err != nil {
		return nil, err
	}

	pipeline, err := dma.FromProfile(cfg, workspace)
	if err != nil {
		st.Close()
		return nil, err
	}

	agent, err := runtime.New(runtime.Deps{
		Config:   cfg,
		Store:    st,
		Audit:    auditor,
		Bus:      bus.New(cfg, registry, st, clock, tracker, stream),
		Pipeline: pipeline,
		Chain:    guardrail.Default(cfg, clock),
		Clock:    clock,
		Tracker:  tracker,
		Stream:   stream,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	monitor := resources.NewMonitor(cfg, clock, resources.Sources{
		Tokens:         tokensSource(tracker),
		ActiveThoughts: agent.ActiveThoughts,
	}, stream)
	agent.SetMonitor(monitor)

	return &system{
		cfg:     cfg,
		store:   st,
		auditor: auditor,
		signer:  signer,
		tracker: tracker,
		stream:  stream,
		agent:   agent,
		monitor: monitor,
	}, nil
}

func tokensSource(tracker *usage.Tracker) func() int64 {
	if tracker == nil {
		return func() int64 { return 0 }
	}
	return tracker.TotalTokens
}

func (s *system) close() {
	if s.tracker != nil {
		_ = s.tracker.Close()
	}
	s.stream.Close()
	_ = s.store.Close()
	logging.CloseAll()
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

func runInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(workspace, ".arbiter", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("workspace already initialized: %s exists", path)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Initialized arbiter workspace: %s\n", path)
	fmt.Printf("  database: %s\n", cfg.DatabasePath(workspace))
	fmt.Printf("  guidance inbox: %s\n", cfg.GuidanceInbox(workspace))
	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	task, created, err := sys.agent.SubmitTask(ctx, runtime.Submission{
		Description:    strings.Join(args, " "),
		Priority:       priority,
		Origin:         origin,
		CorrelationKey: correlationKey,
	})
	if err != nil {
		return err
	}
	if !created {
		fmt.Printf("Task already submitted: %s (status %s)\n", task.ID, task.Status)
	} else {
		fmt.Printf("Task submitted: %s\n", task.ID)
	}
	if !submitDrain {
		return nil
	}

	if err := sys.agent.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sys.agent.Stop(context.Background()) }()
	if _, err := sys.agent.RunUntilIdle(ctx); err != nil {
		return err
	}
	settled, err := sys.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s: %s\n", settled.ID, settled.Status)
	if settled.Status == types.TaskDeferred {
		printPendingDeferrals(ctx, sys, settled.ID)
	}
	return nil
}

func runAgentLoop(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	if runWatch {
		sys.stream.Enable()
		go printEvents(ctx, sys.stream)
	}

	if err := sys.agent.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sys.agent.Stop(context.Background()) }()

	watcher, err := providers.NewInboxWatcher(sys.cfg.GuidanceInbox(workspace), func(deferralID, resolution string) error {
		return sys.agent.ResolveDeferral(ctx, deferralID, resolution)
	})
	if err != nil {
		logger.Warn("Guidance inbox watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Guidance inbox watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	if runDrain {
		n, err := sys.agent.RunUntilIdle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Printf("Processed %d thoughts\n", n)
		return nil
	}
	if err := sys.agent.Run(ctx, runRounds); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printEvents(ctx context.Context, stream *events.Stream) {
	sub := stream.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			line := fmt.Sprintf("%s  %-20s %s", ev.Timestamp.Format("15:04:05.000"), ev.Kind, ev.Message)
			if ev.TaskID != "" {
				line += "  task=" + shortID(ev.TaskID)
			}
			fmt.Println(line)
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	snap, err := sys.agent.Snapshot(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("agent:     %s (profile %s)\n", snap.AgentID, snap.Profile)
	fmt.Printf("tasks:     pending=%d active=%d completed=%d failed=%d deferred=%d\n",
		snap.Tasks["pending"], snap.Tasks["active"], snap.Tasks["completed"],
		snap.Tasks["failed"], snap.Tasks["deferred"])
	fmt.Printf("deferrals: %d awaiting resolution\n", snap.Deferrals)
	frozen := ""
	if snap.AuditFrozen {
		frozen = "  [FROZEN]"
	}
	fmt.Printf("audit:     %d entries%s\n", snap.AuditEntries, frozen)
	fmt.Println("providers:")
	for _, p := range snap.Providers {
		fmt.Printf("  %-18s tier=%d  %s\n", p.Name, p.Tier, strings.Join(p.Capabilities, ","))
	}
	if len(snap.Breakers) > 0 {
		fmt.Println("breakers:")
		for _, b := range snap.Breakers {
			fmt.Printf("  %-18s %-14s %-8v failures=%d\n", b.Provider, b.Capability, b.State, b.Failures)
		}
	}
	return nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	statuses := []types.TaskStatus{
		types.TaskPending, types.TaskActive, types.TaskCompleted, types.TaskFailed, types.TaskDeferred,
	}
	if taskStatus != "" {
		statuses = []types.TaskStatus{types.TaskStatus(taskStatus)}
	}
	for _, status := range statuses {
		tasks, err := sys.store.ListTasksByStatus(ctx, status, taskLimit)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			continue
		}
		fmt.Printf("%s:\n", status)
		for _, task := range tasks {
			fmt.Printf("  %s  p%-2d  %s\n", shortID(task.ID), task.Priority, oneLine(task.Description, 70))
		}
	}
	return nil
}

func runDeferrals(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	printPendingDeferrals(ctx, sys, "")
	return nil
}

func printPendingDeferrals(ctx context.Context, sys *system, onlyTask string) {
	pending, err := sys.store.PendingDeferrals(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list deferrals: %v\n", err)
		return
	}
	shown := 0
	for _, d := range pending {
		if onlyTask != "" && d.TaskID != onlyTask {
			continue
		}
		age := time.Since(d.CreatedAt).Round(time.Second)
		fmt.Printf("%s  task=%s  age=%-8v %s\n", d.ID, shortID(d.TaskID), age, oneLine(d.Reason, 80))
		shown++
	}
	if shown == 0 {
		fmt.Println("No deferrals awaiting resolution.")
		return
	}
	fmt.Println("\nAnswer with: arbiter resolve <deferral-id> <resolution...>")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	deferralID := args[0]
	resolution := strings.Join(args[1:], " ")
	if err := sys.agent.ResolveDeferral(ctx, deferralID, resolution); err != nil {
		return err
	}
	fmt.Printf("Deferral %s resolved; task resumes next round\n", deferralID)
	return nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	entries, err := sys.auditor.Tail(ctx, tailN)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%6d  %s  %-22s %-10s %s\n",
			e.SequenceNumber,
			e.Timestamp.Format(time.RFC3339),
			e.EventType,
			shortID(e.OriginatorID),
			shortID(e.EntryHash))
	}
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	report, err := sys.auditor.Verify(ctx)
	if err != nil {
		return fmt.Errorf("audit chain verification failed at entry %d: %s", report.BrokenAt, report.Reason)
	}
	fmt.Printf("Audit chain valid: %d entries, %d signing keys\n", report.Entries, report.KeysSeen)
	return nil
}

func runAuditRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	oldID, newID, err := sys.signer.Rotate(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Signing key rotated: %s -> %s\n", shortID(oldID), shortID(newID))
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	sys, err := buildSystem(ctx)
	if err != nil {
		return err
	}
	defer sys.close()

	if sys.tracker == nil {
		return fmt.Errorf("usage tracking unavailable in this workspace")
	}
	data, err := json.MarshalIndent(sys.tracker.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}
