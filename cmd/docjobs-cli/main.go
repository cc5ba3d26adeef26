package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"docjobs/internal/api"
	"docjobs/internal/logging"
	"docjobs/internal/task"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Initialize logger
	logger := logging.NewLogger("info", "text", "docjobs-cli")
	slog.SetDefault(logger)

	// Define subcommands
	submitCmd := flag.NewFlagSet("submit", flag.ExitOnError)
	submitPayload := submitCmd.String("payload", "{}", "JSON payload")
	submitQueue := submitCmd.String("queue", "", "Queue override")
	submitKey := submitCmd.String("key", "", "Idempotency key")
	submitDelay := submitCmd.Duration("delay", 0, "Delay before the first attempt")
	submitTags := submitCmd.String("tags", "", "Comma-separated tags")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listFormat := listCmd.String("format", "table", "Output format: table, json")
	listQueue := listCmd.String("queue", "", "Only tasks of this queue")
	listStatus := listCmd.String("status", "", "Comma-separated statuses")
	listTag := listCmd.String("tag", "", "Only tasks with this tag")

	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	cancelCmd := flag.NewFlagSet("cancel", flag.ExitOnError)

	progressCmd := flag.NewFlagSet("progress", flag.ExitOnError)
	progressWatch := progressCmd.Bool("watch", false, "Poll until the task finishes")

	queuesCmd := flag.NewFlagSet("queues", flag.ExitOnError)
	versionCmd := flag.NewFlagSet("version", flag.ExitOnError)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("DOCJOBS_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := api.NewClient(baseURL, nil)
	ctx := context.Background()

	switch os.Args[1] {
	case "submit":
		submitCmd.Parse(os.Args[2:])
		if submitCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: docjobs-cli submit <task-type> [--payload JSON] [--queue Q] [--key K] [--delay D] [--tags a,b]")
			os.Exit(1)
		}
		if !json.Valid([]byte(*submitPayload)) {
			fmt.Fprintln(os.Stderr, "Error: --payload is not valid JSON")
			os.Exit(1)
		}
		req := api.SubmitRequest{
			Type:           submitCmd.Arg(0),
			Payload:        json.RawMessage(*submitPayload),
			Queue:          *submitQueue,
			IdempotencyKey: *submitKey,
			Tags:           splitList(*submitTags),
		}
		if *submitDelay > 0 {
			req.Delay = submitDelay.String()
		}
		h, err := client.Submit(ctx, req)
		if err != nil {
			slog.Error("failed to submit task", "err", err)
			os.Exit(1)
		}
		printJSON(h)

	case "list":
		listCmd.Parse(os.Args[2:])
		filter := task.Filter{Queue: *listQueue, Tag: *listTag}
		for _, s := range splitList(*listStatus) {
			filter.Status = append(filter.Status, task.Status(s))
		}
		tasks, err := client.List(ctx, filter)
		if err != nil {
			slog.Error("failed to list tasks", "err", err)
			os.Exit(1)
		}
		printTasks(tasks, *listFormat)

	case "get":
		getCmd.Parse(os.Args[2:])
		if getCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: docjobs-cli get <task-id>")
			os.Exit(1)
		}
		t, err := client.Get(ctx, getCmd.Arg(0))
		if err != nil {
			slog.Error("failed to get task", "err", err)
			os.Exit(1)
		}
		printJSON(t)

	case "cancel":
		cancelCmd.Parse(os.Args[2:])
		if cancelCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: docjobs-cli cancel <task-id>")
			os.Exit(1)
		}
		if err := client.Cancel(ctx, cancelCmd.Arg(0)); err != nil {
			slog.Error("failed to cancel task", "err", err)
			os.Exit(1)
		}
		fmt.Println("cancellation requested")

	case "progress":
		progressCmd.Parse(os.Args[2:])
		if progressCmd.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: docjobs-cli progress <task-id> [--watch]")
			os.Exit(1)
		}
		id := progressCmd.Arg(0)
		if err := showProgress(ctx, client, id, *progressWatch); err != nil {
			slog.Error("failed to read progress", "err", err)
			os.Exit(1)
		}

	case "queues":
		queuesCmd.Parse(os.Args[2:])
		queues, err := client.Queues(ctx)
		if err != nil {
			slog.Error("failed to list queues", "err", err)
			os.Exit(1)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tLIMIT\tRUNNING\tPENDING")
		fmt.Fprintln(w, "-----\t-----\t-------\t-------")
		for _, q := range queues {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", q.Name, q.Limit, q.Running, q.Pending)
		}
		w.Flush()

	case "version":
		versionCmd.Parse(os.Args[2:])
		fmt.Printf("docjobs-cli %s (commit: %s, built: %s)\n", version, commit, date)

	case "help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func showProgress(ctx context.Context, client *api.Client, id string, watch bool) error {
	for {
		t, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		line := string(t.Status)
		if p, err := client.Progress(ctx, id); err == nil {
			line = fmt.Sprintf("%s %3d%% %s", t.Status, p.Percent, p.Text)
		}
		fmt.Println(line)
		if !watch || t.Status.Terminal() {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func printUsage() {
	fmt.Println(`docjobs CLI - background job orchestration

Usage: docjobs-cli <command> [options]

Commands:
  submit      Submit a task <task-type> [--payload JSON] [--queue Q] [--key K] [--delay D] [--tags a,b]
  list        List tasks [--queue Q] [--status s1,s2] [--tag T] [--format table|json]
  get         Get task details <task-id>
  cancel      Cancel a pending or running task <task-id>
  progress    Show task progress <task-id> [--watch]
  queues      Show queue occupancy
  version     Show version information
  help        Show this help message

Environment:
  DOCJOBS_API_URL  API base URL (default http://localhost:8080)`)
}

func printTasks(tasks []*task.Task, format string) {
	if format == "json" {
		printJSON(tasks)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tQUEUE\tSTATUS\tATTEMPT\tLAST ERROR")
	fmt.Fprintln(w, "--\t----\t-----\t------\t-------\t----------")
	for _, t := range tasks {
		lastErr := ""
		if t.LastError != nil {
			lastErr = string(t.LastError.Kind) + ": " + t.LastError.Message
			if len(lastErr) > 50 {
				lastErr = lastErr[:47] + "..."
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", t.ID, t.Type, t.Queue, t.Status, t.Attempt, t.MaxAttempts, lastErr)
	}
	w.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
