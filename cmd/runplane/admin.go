package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/service"
)

// runAdmin dispatches admin subcommands (retry-step, approve-gate, inbox-delete, list-runs).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "retry-step":
		return runAdminRetryStep(args[1:])
	case "approve-gate":
		return runAdminApproveGate(args[1:])
	case "inbox-delete":
		return runAdminInboxDelete(args[1:])
	case "list-runs":
		return runAdminListRuns(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: runplane admin <command> [options]

Commands:
  retry-step     Re-enqueue a failed or stuck step
  approve-gate   Approve a manual gate
  inbox-delete   Forget a processed step.ready key so it can be consumed again
  list-runs      List recent runs
  help           Show this help message

Examples:
  runplane admin retry-step --step 6f1c...
  runplane admin approve-gate --gate 91ab... --by alice
  runplane admin inbox-delete --key 0d2e...:6f1c...:2
  runplane admin list-runs --status failed --limit 20
`)
}

// adminDeps is a run service wired against the configured store and queue,
// without a worker, relay or HTTP surface.
type adminDeps struct {
	runs    *service.RunService
	cleanup func()
}

func loadAdminDeps(ctx context.Context) (*adminDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver != "postgres" {
		return nil, errors.New("admin commands need store.driver postgres")
	}

	hub := service.NewHub()
	store, _, closeStore, err := openStore(ctx, cfg, hub, nil)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(ctx, cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	dispatcher := service.NewDispatcher(store, q.queue, cfg.Dispatch.Retry.Policy(), nil)
	gates := service.NewGateManager(store, dispatcher)
	recovery := service.NewRunRecovery(store, dispatcher, cfg.Recovery.MaxAttempts)
	timeline := service.NewTimeline(store, hub, cfg.Timeline)

	return &adminDeps{
		runs: service.NewRunService(store, dispatcher, gates, recovery, timeline),
		cleanup: func() {
			_ = q.queue.Close()
			closeStore()
		},
	}, nil
}

func runAdminRetryStep(args []string) error {
	fs := flag.NewFlagSet("retry-step", flag.ContinueOnError)
	stepID := fs.String("step", "", "step id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *stepID == "" {
		return errors.New("--step is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	s, err := deps.runs.RetryStep(ctx, *stepID)
	if err != nil {
		return fmt.Errorf("retry step: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Step %s (%s) re-enqueued, attempt %d\n", s.ID, s.Name, s.Attempt)
	return nil
}

func runAdminApproveGate(args []string) error {
	fs := flag.NewFlagSet("approve-gate", flag.ContinueOnError)
	gateID := fs.String("gate", "", "gate id (required)")
	by := fs.String("by", os.Getenv("USER"), "approver name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gateID == "" {
		return errors.New("--gate is required")
	}
	if *by == "" {
		return errors.New("--by is required")
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	g, err := deps.runs.ApproveGate(ctx, *gateID, *by)
	if err != nil {
		return fmt.Errorf("approve gate: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Gate %s (%s) approved by %s\n", g.ID, g.GateType, g.ApprovedBy)
	return nil
}

func runAdminInboxDelete(args []string) error {
	fs := flag.NewFlagSet("inbox-delete", flag.ContinueOnError)
	key := fs.String("key", "", "inbox key <run_id>:<step_id>:<attempt> (required)")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("--key is required")
	}

	if !*yes {
		ok, err := confirm(fmt.Sprintf("Delete inbox key %s? The next delivery will run the tool again. [y/N] ", *key))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if err := deps.runs.InboxDelete(ctx, *key); err != nil {
		return fmt.Errorf("inbox delete: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Inbox key %s deleted\n", *key)
	return nil
}

func runAdminListRuns(args []string) error {
	fs := flag.NewFlagSet("list-runs", flag.ContinueOnError)
	status := fs.String("status", "", "only runs in this status")
	project := fs.String("project", "", "only runs of this project")
	limit := fs.Int("limit", 50, "maximum number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter := run.ListFilter{ProjectID: *project, Status: run.Status(*status), Limit: *limit}
	if err := filter.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	deps, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	result, err := deps.runs.ListRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(result.Runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROJECT\tSTEPS\tCREATED\tERROR")
	for i := range result.Runs {
		r := &result.Runs[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.ProjectID, len(r.Plan.Steps), r.CreatedAt.Format(time.RFC3339), truncate(r.Error, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d of %d runs\n", len(result.Runs), result.Total)
	return nil
}

// confirm asks a yes/no question on an interactive terminal. Without a
// terminal the answer is no; pass --yes in scripts.
func confirm(prompt string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errors.New("stdin is not a terminal, pass --yes to confirm")
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
