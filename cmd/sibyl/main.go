// Command sibyl runs workspace pipelines on the Sibyl runtime core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"sibyl/internal/budget"
	"sibyl/internal/config"
	"sibyl/internal/fault"
	"sibyl/internal/logging"
	"sibyl/internal/pipeline"
	"sibyl/internal/runtime"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	exitOK            = 0
	exitRuntime       = 1
	exitConfig        = 2
	exitBudget        = 3
	exitCancelled     = 4
	exitCrashRecovery = 5
)

var (
	configPath string
	verbose    bool
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func exitf(code int, format string, args ...interface{}) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// codeForErr maps a taxonomy error to the exit code contract.
func codeForErr(err error) int {
	switch fault.KindOf(err) {
	case fault.KindConfiguration:
		return exitConfig
	case fault.KindBudgetExhausted:
		return exitBudget
	case fault.KindCancelled:
		return exitCancelled
	default:
		return exitRuntime
	}
}

var rootCmd = &cobra.Command{
	Use:   "sibyl",
	Short: "Sibyl - workspace-driven LLM pipeline runtime",
	Long: `Sibyl executes workspace-configured LLM pipelines with durable
checkpoints, idempotent provider calls, budget enforcement, and rotating
context sessions. State lives in the workspace data directory; a crashed
run is resumable after the boot integrity pass.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [pipeline]",
	Short: "Run a configured pipeline in a new conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipeline,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [conversation-id]",
	Short: "Resume a running conversation from its last completed checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumePipeline,
}

var statusCmd = &cobra.Command{
	Use:   "status [conversation-id]",
	Short: "Show workspace or conversation status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showStatus,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run the integrity views and repair what they find",
	Long: `Runs the boot-time integrity pass: force-completes rotations stuck
past the timeout, deletes orphaned rotation events, abandons sessions of
terminal conversations, and reconciles drifted spend counters. With
--mark-crashed, conversations still marked running are moved to the
crashed terminal status instead of being left for resume.`,
	RunE: runDoctor,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the health and metrics endpoints",
	RunE:  runServe,
}

var markCrashed bool

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sibyl.yaml", "Workspace config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	doctorCmd.Flags().BoolVar(&markCrashed, "mark-crashed", false, "Move running conversations to crashed")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "sibyl:", err)
	if ee, ok := err.(*exitError); ok {
		os.Exit(ee.code)
	}
	os.Exit(exitRuntime)
}

// openRuntime loads the workspace config and assembles the runtime with the
// built-in techniques and configured providers registered.
func openRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, &exitError{code: codeForErr(err), err: err}
	}
	if err := registerProviders(rt); err != nil {
		rt.Close()
		return nil, &exitError{code: exitConfig, err: err}
	}
	registerTechniques(rt.Registry)
	return rt, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.Recover(false)
	if err != nil {
		return exitf(exitRuntime, "integrity pass failed: %v", err)
	}
	if len(report.RunningConversations) > 0 {
		return exitf(exitCrashRecovery,
			"%d conversation(s) from a previous run still marked running; resume them or run doctor --mark-crashed",
			len(report.RunningConversations))
	}

	p, err := rt.PipelineByName(args[0])
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signalContext()
	defer stop()

	if rt.Server != nil {
		rt.Server.Start()
	}

	out := rt.Executor.Run(ctx, p, rt.RunOptionsFromConfig())
	printOutcome(out)
	if out.Err != nil {
		return &exitError{code: codeForErr(out.Err), err: out.Err}
	}
	return nil
}

func resumePipeline(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Recover(false); err != nil {
		return exitf(exitRuntime, "integrity pass failed: %v", err)
	}

	conv, err := rt.Store.GetConversation(args[0])
	if err != nil {
		return exitf(exitConfig, "conversation %s: %v", args[0], err)
	}
	p, err := rt.PipelineByName(conv.WorkflowType)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	ctx, stop := signalContext()
	defer stop()

	opts := rt.RunOptionsFromConfig()
	opts.ResumeConversationID = conv.ID
	out := rt.Executor.Run(ctx, p, opts)
	printOutcome(out)
	if out.Err != nil {
		return &exitError{code: codeForErr(out.Err), err: out.Err}
	}
	return nil
}

func printOutcome(out pipeline.Outcome) {
	fmt.Printf("conversation: %s\n", out.ConversationID)
	fmt.Printf("status:       %s\n", out.Status)
	fmt.Printf("tokens spent: %d\n", out.TokensSpent)
	fmt.Printf("cost:         $%.6f\n", budget.MicroToDollars(out.CostUSDMicro))
	phases := make([]string, 0, len(out.StepOutputs))
	for phase := range out.StepOutputs {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	for _, phase := range phases {
		fmt.Printf("output %-12s %s\n", phase+":", out.StepOutputs[phase])
	}
}

func showStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 0 {
		running, err := rt.Store.RunningConversations()
		if err != nil {
			return exitf(exitRuntime, "list running conversations: %v", err)
		}
		if len(running) == 0 {
			fmt.Println("no running conversations")
			return nil
		}
		for _, id := range running {
			fmt.Println(id)
		}
		return nil
	}

	conv, err := rt.Store.GetConversation(args[0])
	if err != nil {
		return exitf(exitConfig, "conversation %s: %v", args[0], err)
	}
	spent, budgetTotal, costMicro, err := rt.Store.BudgetTotals(conv.ID)
	if err != nil {
		return exitf(exitRuntime, "budget totals: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "conversation\t%s\n", conv.ID)
	fmt.Fprintf(w, "workflow\t%s\n", conv.WorkflowType)
	fmt.Fprintf(w, "status\t%s\n", conv.Status)
	fmt.Fprintf(w, "config\t%s\n", conv.ConfigVersion)
	fmt.Fprintf(w, "tokens\t%d / %d\n", spent, budgetTotal)
	fmt.Fprintf(w, "cost\t$%.6f\n", budget.MicroToDollars(costMicro))

	sessions, err := rt.Store.ListSessions(conv.ID)
	if err != nil {
		return exitf(exitRuntime, "list sessions: %v", err)
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "session %d\t%s gen=%d spent=%d/%d\n",
			s.SessionNumber, s.Status, s.ActiveGeneration, s.TokensSpent, s.TokensBudget)
	}

	aggs, err := rt.Store.AggregateUsageByModel(conv.ID)
	if err != nil {
		return exitf(exitRuntime, "usage aggregates: %v", err)
	}
	for _, a := range aggs {
		fmt.Fprintf(w, "model %s\tcalls=%d in=%d out=%d\n", a.ModelName, a.Calls, a.TokensIn, a.TokensOut)
	}
	return w.Flush()
}

func runDoctor(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.Recover(markCrashed)
	if err != nil {
		return exitf(exitRuntime, "integrity pass failed: %v", err)
	}

	fmt.Printf("stuck rotations repaired:  %d\n", report.StuckRotationsRepaired)
	fmt.Printf("orphan rotations deleted:  %d\n", report.OrphanRotationsDeleted)
	fmt.Printf("sessions abandoned:        %d\n", report.AbandonedSessions)
	fmt.Printf("spend counters reconciled: %d\n", report.SpendReconciled)
	fmt.Printf("conversations crashed:     %d\n", len(report.CrashedConversations))
	if len(report.RunningConversations) > 0 && !markCrashed {
		fmt.Printf("still running (resumable): %d\n", len(report.RunningConversations))
		for _, id := range report.RunningConversations {
			fmt.Println(" ", id)
		}
		return exitf(exitCrashRecovery, "workspace has resumable conversations")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.Server == nil {
		return exitf(exitConfig, "server.listen_addr is not configured")
	}

	ctx, stop := signalContext()
	defer stop()

	rt.Server.Start()
	fmt.Printf("serving on %s\n", rt.Config.Server.ListenAddr)
	<-ctx.Done()
	return nil
}
