package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/dustin/go-humanize"

	"notifyd/internal/app"
	"notifyd/internal/config"
	"notifyd/internal/notification"
	"notifyd/internal/receiver"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

const usage = `usage: notifyd [run|present|list|audit] [flags]

  run       run the daemon (default)
  present   present one notification and wait for the outcome
  list      show the persisted active notifications
  audit     show recent dispatch outcomes
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runDaemon(args)
	case "present":
		err = runPresent(args, os.Stdout)
	case "list":
		err = runList(args, os.Stdout)
	case "audit":
		err = runAudit(args, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config (json or yaml)")
	return fs, cfgPath
}

func runDaemon(args []string) error {
	fs, cfgPath := newFlags("run")
	noWatch := fs.Bool("no-watch", false, "do not reload the config file on change")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx, !*noWatch); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.Logger().Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.Logger().Debug("sd_notify ready sent")
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func runPresent(args []string, w io.Writer) error {
	fs, cfgPath := newFlags("present")
	id := fs.String("id", "", "notification identifier (required)")
	req := fs.String("request", "{}", "notification request (JSON object)")
	priority := fs.String("priority", "", "behavior priority override (min|low|default|high|max)")
	silent := fs.Bool("silent", false, "no alert, sound or badge")
	wait := fs.Duration("wait", 15*time.Second, "how long to wait for the outcome")
	_ = fs.Parse(args)
	if *id == "" {
		return errors.New("present: -id is required")
	}

	var behavior *notification.Behavior
	if *priority != "" || *silent {
		b := notification.DefaultBehavior()
		b.Priority = *priority
		if *silent {
			b.ShouldShowAlert, b.ShouldPlaySound, b.ShouldSetBadge = false, false, false
		}
		behavior = &b
	}

	a, err := app.New(*cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	if err := a.Start(ctx, false); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	defer a.Stop(context.Background(), app.StopAppStop)

	f := receiver.NewFuture()
	if err := a.Dispatcher().EnqueuePresentText(*id, *req, behavior, f); err != nil {
		return err
	}
	out, err := f.Wait(ctx)
	if err != nil {
		return fmt.Errorf("no outcome: %w", err)
	}
	if !out.OK() {
		return fmt.Errorf("present failed: %s", out.Err.Error())
	}
	fmt.Fprintf(w, "presented %s\n", *id)
	return nil
}

// openStore opens storage read-side without starting the daemon.
func openStore(cfgPath string) (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if cfg.Storage == nil {
		return nil, storage.ErrDisabled
	}
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}, logx.Nop())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, storage.ErrDisabled
	}
	return st, nil
}

func runList(args []string, w io.Writer) error {
	fs, cfgPath := newFlags("list")
	_ = fs.Parse(args)

	st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	recs, err := st.ListActive(context.Background())
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tID\tREV\tTITLE\tPOSTED\tUPDATED")
	for _, r := range recs {
		var n notification.Notification
		title := "?"
		if err := json.Unmarshal(r.Payload, &n); err == nil {
			title = n.Title
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", r.Tag, r.ID, r.Revision, title, humanize.Time(r.PostedAt), humanize.Time(r.UpdatedAt))
	}
	return tw.Flush()
}

func runAudit(args []string, w io.Writer) error {
	fs, cfgPath := newFlags("audit")
	limit := fs.Int("n", 20, "number of entries")
	_ = fs.Parse(args)

	st, err := openStore(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()
	entries, err := st.RecentAudit(context.Background(), *limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tIDENTIFIER\tCODE\tERROR\tTOOK")
	for _, e := range entries {
		msg := "-"
		if e.ExceptionType != "" {
			msg = e.ExceptionType + ": " + e.ExceptionMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%dms\n", humanize.Time(e.At), e.Identifier, e.Code, msg, e.TookMS)
	}
	return tw.Flush()
}
