package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/blackmichael/bbs/internal/config"
	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/sqlstore"
)

const usage = `Usage: bbsctl [--db <url>] [--config <file>] <command> [flags]

Commands:
  status                      Show cursor and backfill state per subscription
  reset --subscription <id>   Reset the cursor and force a new backfill
  dead-letters [--subscription <id>] [--limit n]
                              List records that could not be decoded
  threads [--limit n]         List threads by last activity
  thread <thread-id>          Print the posts of a thread
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var configPath, dbURL string

	global := pflag.NewFlagSet("bbsctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.StringVar(&configPath, "config", "", "Path to a YAML config file (or set BBS_CONFIG)")
	global.StringVar(&dbURL, "db", "", "Database: postgres:// URL or SQLite path")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if global.NArg() == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyFlags(dbURL, "", "", "")

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, cfg.Database.URL, sqlstore.Options{MaxOpenConns: 1})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "status":
		return status(ctx, store, out)
	case "reset":
		return reset(ctx, store, rest, out)
	case "dead-letters":
		return deadLetters(ctx, store, rest, out)
	case "threads":
		return threads(ctx, store, rest, out)
	case "thread":
		return thread(ctx, store, rest, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func status(ctx context.Context, store *sqlstore.Store, out io.Writer) error {
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		return err
	}
	backfills, err := store.ListBackfills(ctx)
	if err != nil {
		return err
	}

	byID := make(map[domain.SubscriptionID]domain.BackfillState, len(backfills))
	for _, b := range backfills {
		byID[b.SubscriptionID] = b
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBSCRIPTION\tCURSOR\tUPDATED\tBACKFILL\tRECORDS\tRUN")
	seen := make(map[domain.SubscriptionID]bool)
	for _, c := range cursors {
		seen[c.SubscriptionID] = true
		b := byID[c.SubscriptionID]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
			c.SubscriptionID, c.Position, c.UpdatedAt.Format(time.RFC3339), orDash(string(b.Status)), b.Records, orDash(b.RunID))
	}
	for _, b := range backfills {
		if seen[b.SubscriptionID] {
			continue
		}
		fmt.Fprintf(w, "%s\t-\t-\t%s\t%d\t%s\n", b.SubscriptionID, b.Status, b.Records, orDash(b.RunID))
	}
	return w.Flush()
}

func reset(ctx context.Context, store *sqlstore.Store, args []string, out io.Writer) error {
	var sub string
	fs := pflag.NewFlagSet("reset", pflag.ContinueOnError)
	fs.StringVar(&sub, "subscription", "", "Subscription id to reset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if sub == "" {
		return errors.New("--subscription is required")
	}

	runID := uuid.NewString()
	if err := store.ResetSubscription(ctx, domain.SubscriptionID(sub), runID, time.Now().UTC()); err != nil {
		return fmt.Errorf("reset %s: %w", sub, err)
	}
	fmt.Fprintf(out, "Subscription %s reset; backfill run %s will start on the next pipeline restart.\n", sub, runID)
	return nil
}

func deadLetters(ctx context.Context, store *sqlstore.Store, args []string, out io.Writer) error {
	var (
		sub   string
		limit int
	)
	fs := pflag.NewFlagSet("dead-letters", pflag.ContinueOnError)
	fs.StringVar(&sub, "subscription", "", "Only list this subscription")
	fs.IntVar(&limit, "limit", 50, "Maximum number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}

	letters, err := store.ListDeadLetters(ctx, domain.SubscriptionID(sub), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBSCRIPTION\tPOSITION\tFORMAT\tRECEIVED\tREASON")
	for _, d := range letters {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(d.ID), d.SubscriptionID, d.Position, d.Format, d.ReceivedAt.Format(time.RFC3339), d.Reason)
	}
	return w.Flush()
}

func threads(ctx context.Context, store *sqlstore.Store, args []string, out io.Writer) error {
	var limit int
	fs := pflag.NewFlagSet("threads", pflag.ContinueOnError)
	fs.IntVar(&limit, "limit", 20, "Maximum number of threads")
	if err := fs.Parse(args); err != nil {
		return err
	}

	list, err := store.ListThreads(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSECTION\tLAST ACTIVITY")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, orDash(t.SectionID), t.LastActivityAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func thread(ctx context.Context, store *sqlstore.Store, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: bbsctl thread <thread-id>")
	}

	posts, err := store.ThreadPosts(ctx, args[0])
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return fmt.Errorf("thread %s not found", args[0])
	}

	for _, p := range posts {
		indent := ""
		if p.ParentID != "" {
			indent = "  "
		}
		header := p.AuthorID + " " + p.CreatedAt.Format(time.RFC3339)
		if p.Deleted {
			header += " [deleted]"
		}
		fmt.Fprintf(out, "%s%s\n", indent, header)
		if p.Title != "" {
			fmt.Fprintf(out, "%s# %s\n", indent, p.Title)
		}
		for _, line := range strings.Split(p.Body, "\n") {
			fmt.Fprintf(out, "%s%s\n", indent, line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
