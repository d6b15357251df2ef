// Command maildoc imports, inspects and repairs a maildoc document store.
//
// Usage:
//
//	maildoc [-config maildoc.yaml] <command> [flags] [args]
//
// Commands:
//
//	import     -mbox NAME file.eml...   store messages in a mailbox
//	mailboxes                           list mailboxes with their counts
//	list       -mbox NAME               list the messages of a mailbox
//	flags      -add F -remove F MDOCID  change the flags of a message
//	rmbox      [-keep] NAME             delete a mailbox
//	repair     [-apply] [-grace D]      report or fix inconsistent documents
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rbaliyan/maildoc"
	"github.com/rbaliyan/maildoc/retry"
)

type command struct {
	name string
	run  func(ctx context.Context, a *maildoc.Adaptor, args []string) error
}

var commands = []command{
	{"import", runImport},
	{"mailboxes", runMailboxes},
	{"list", runList},
	{"flags", runFlags},
	{"rmbox", runRemoveMbox},
	{"repair", runRepair},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "maildoc:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("maildoc", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usage()
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == fs.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q\n%w", fs.Arg(0), usage())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, closer, err := openAdaptor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	return cmd.run(ctx, a, fs.Args()[1:])
}

func usage() error {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.name
	}
	return fmt.Errorf("usage: maildoc [-config file] <%s> [args]", strings.Join(names, "|"))
}

// retried runs fn with the default retry policy. Create is excluded by
// callers that cannot tolerate a duplicate.
func retried(ctx context.Context, fn retry.Func) error {
	return retry.Do(ctx, retry.DefaultConfig(), fn)
}

func runImport(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	mboxName := fs.String("mbox", "INBOX", "destination mailbox")
	seen := fs.Bool("seen", false, "mark imported messages seen")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var mbox *maildoc.Mailbox
	err := retried(ctx, func(ctx context.Context) (err error) {
		mbox, err = a.GetOrCreateMbox(ctx, *mboxName)
		return err
	})
	if err != nil {
		return err
	}

	var failed int
	for _, path := range fs.Args() {
		id, err := importFile(ctx, a, mbox, path, *seen)
		switch {
		case errors.Is(err, maildoc.ErrMessageExists):
			fmt.Printf("%s\texists\t%s\n", path, id)
		case err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		default:
			fmt.Printf("%s\tcreated\t%s\n", path, id)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, fs.NArg())
	}
	return nil
}

func importFile(ctx context.Context, a *maildoc.Adaptor, mbox *maildoc.Mailbox, path string, seen bool) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	msg, err := a.MsgFromString(nil, mbox.UUID, raw)
	if err != nil {
		return "", err
	}
	if seen {
		if err := msg.SetFlags(append(msg.FlagsDoc().Flags, maildoc.FlagSeen)); err != nil {
			return "", err
		}
	}
	// A retried create reports ErrMessageExists once the first attempt
	// landed, which the caller treats as success.
	err = retried(ctx, func(ctx context.Context) error {
		return a.CreateMsg(ctx, msg)
	})
	return msg.MdocID(), err
}

func runMailboxes(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	mboxes, err := retry.DoValue(ctx, retry.DefaultConfig(), a.AllMboxes)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "NAME\tUUID\tMESSAGES\tUNSEEN\tRECENT")
	for _, m := range mboxes {
		ids, err := a.MdocIDs(ctx, m.UUID)
		if err != nil {
			return err
		}
		unseen, err := a.CountUnseen(ctx, m.UUID)
		if err != nil {
			return err
		}
		recent, err := a.CountRecent(ctx, m.UUID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", m.Name, m.UUID, len(ids), unseen, recent)
	}
	return nil
}

func runList(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	mboxName := fs.String("mbox", "INBOX", "mailbox to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mbox, err := a.FindMbox(ctx, *mboxName)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "MDOC\tDATE\tSTATE\tFLAGS\tSUBJECT")
	for res, err := range a.Messages(ctx, mbox.UUID) {
		if err != nil {
			return err
		}
		f := res.Message.FlagsDoc()
		subject := ""
		if h := res.Message.HeaderDoc(); h != nil {
			subject = h.Subject
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Message.MdocID(),
			f.Date.Format(time.DateTime), res.State, strings.Join(f.Flags, " "), subject)
	}
	return nil
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func runFlags(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	fs := flag.NewFlagSet("flags", flag.ContinueOnError)
	var add, remove stringList
	fs.Var(&add, "add", "flag to add (repeatable)")
	fs.Var(&remove, "remove", "flag to remove (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("flags: exactly one mdoc id is required")
	}
	mdocID := fs.Arg(0)

	return retried(ctx, func(ctx context.Context) error {
		res, err := a.FetchMsg(ctx, mdocID, 0)
		if err != nil {
			return err
		}
		next := make([]string, 0, len(res.Message.FlagsDoc().Flags)+len(add))
		for _, f := range res.Message.FlagsDoc().Flags {
			if !slices.Contains(remove, f) {
				next = append(next, f)
			}
		}
		next = append(next, add...)
		if err := res.Message.SetFlags(next); err != nil {
			return retry.MarkNotRetryable(err)
		}
		if err := a.UpdateMsg(ctx, res.Message); err != nil {
			return err
		}
		fmt.Println(strings.Join(res.Message.FlagsDoc().Flags, " "))
		return nil
	})
}

func runRemoveMbox(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	fs := flag.NewFlagSet("rmbox", flag.ContinueOnError)
	keep := fs.Bool("keep", false, "refuse to delete a mailbox that still holds messages")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("rmbox: exactly one mailbox name is required")
	}
	mbox, err := a.FindMbox(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	var opts []maildoc.DeleteMboxOption
	if *keep {
		opts = append(opts, maildoc.NonDestructive())
	}
	// DeleteMbox resumes where an interrupted run stopped.
	return retried(ctx, func(ctx context.Context) error {
		return a.DeleteMbox(ctx, mbox, opts...)
	})
}

func runRepair(ctx context.Context, a *maildoc.Adaptor, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	apply := fs.Bool("apply", false, "delete dangling and orphaned documents")
	grace := fs.Duration("grace", 0, "skip documents younger than this (0 uses repair.grace)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := a.Repair(ctx, maildoc.RepairOptions{Apply: *apply, GracePeriod: *grace})
	if report != nil {
		printReport(os.Stdout, report)
	}
	return err
}

func printReport(w io.Writer, r *maildoc.RepairReport) {
	for _, id := range r.DanglingFlags {
		fmt.Fprintf(w, "dangling\t%s\n", id)
	}
	for _, id := range r.Incomplete {
		fmt.Fprintf(w, "incomplete\t%s\n", id)
	}
	for _, chash := range r.Orphaned {
		fmt.Fprintf(w, "orphaned\t%s\n", chash)
	}
	fmt.Fprintf(w, "skipped %d, deleted %d", r.Skipped, r.Deleted)
	if r.Interrupted {
		fmt.Fprint(w, " (interrupted)")
	}
	fmt.Fprintln(w)
}
