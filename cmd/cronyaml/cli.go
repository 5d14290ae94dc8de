package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"cronyaml/internal/app"
	"cronyaml/internal/config"
	"cronyaml/internal/storage"
	"cronyaml/internal/task/scheduler"
	"cronyaml/internal/tasklog"
	logx "cronyaml/pkg/logx"
)

const shutdownTimeout = 30 * time.Second

var (
	runFlags = []cli.Flag{
		cli.DurationFlag{
			Name:  "tick",
			Value: scheduler.DefaultTick,
			Usage: "interval between scheduler ticks",
		},
		cli.StringFlag{
			Name:  "log-dir",
			Value: ".",
			Usage: "root directory for task output logs",
		},
		cli.IntFlag{
			Name:  "log-queue",
			Value: tasklog.DefaultQueueSize,
			Usage: "pending output lines buffered per log file",
		},
		cli.DurationFlag{
			Name:  "task-timeout",
			Usage: "default timeout for tasks without their own (0 disables)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "trace, debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "also write JSON logs to this file",
		},
		cli.BoolFlag{
			Name:  "json-console",
			Usage: "write raw JSON logs to stdout",
		},
	}

	historyFlags = []cli.Flag{
		cli.StringFlag{
			Name:  "history-driver",
			Value: "none",
			Usage: "run history store: none, file or sqlite",
		},
		cli.StringFlag{
			Name:  "history-path",
			Usage: "run history location (default under --log-dir)",
		},
	}
)

func Execute(args []string) error {
	return newApp(os.Stdout).Run(args)
}

func newApp(out io.Writer) *cli.App {
	a := cli.NewApp()
	a.Name = "cronyaml"
	a.HelpName = "cronyaml"
	a.Usage = "run commands on schedules defined in a YAML file"
	a.UsageText = "cronyaml [flags] <config.yaml>"
	a.Writer = out
	a.Flags = append(append([]cli.Flag{}, runFlags...), historyFlags...)
	a.Action = run
	a.Commands = []cli.Command{
		{
			Name:      "validate",
			Usage:     "parse a config file and report invalid entries",
			ArgsUsage: "<config.yaml>",
			Action:    validate,
		},
		{
			Name:  "history",
			Usage: "show recent task runs",
			Flags: append([]cli.Flag{
				cli.IntFlag{Name: "limit, n", Value: 20, Usage: "number of runs to show"},
				cli.StringFlag{Name: "group", Usage: "only runs of this group"},
				cli.StringFlag{Name: "job", Usage: "only runs of this job"},
				cli.StringFlag{Name: "log-dir", Value: ".", Usage: "root directory for task output logs"},
			}, historyFlags...),
			Action: history,
		},
	}
	return a
}

func configArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("expected exactly one config file argument")
	}
	return filepath.Abs(c.Args().First())
}

func loggingConfig(c *cli.Context) logx.Config {
	file := c.String("log-file")
	return logx.Config{
		Level:       c.String("log-level"),
		Console:     true,
		JSONConsole: c.Bool("json-console"),
		File:        logx.FileConfig{Enabled: file != "", Path: file},
	}
}

// stringFlag prefers a flag given to the subcommand over the same flag given
// before it.
func stringFlag(c *cli.Context, name string) string {
	if !c.IsSet(name) && c.GlobalIsSet(name) {
		return c.GlobalString(name)
	}
	return c.String(name)
}

func historyConfig(c *cli.Context) storage.Config {
	return storage.Config{Driver: stringFlag(c, "history-driver"), Path: stringFlag(c, "history-path")}
}

func run(c *cli.Context) error {
	path, err := configArg(c)
	if err != nil {
		_ = cli.ShowAppHelp(c)
		return err
	}
	if lvl := c.String("log-level"); !logx.ValidLevel(lvl) {
		return fmt.Errorf("invalid log level %q", lvl)
	}

	a, err := app.New(app.Options{
		ConfigPath:  path,
		Tick:        c.Duration("tick"),
		LogDir:      c.String("log-dir"),
		LogQueue:    c.Int("log-queue"),
		TaskTimeout: c.Duration("task-timeout"),
		Logging:     loggingConfig(c),
		History:     historyConfig(c),
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func validate(c *cli.Context) error {
	path, err := configArg(c)
	if err != nil {
		return err
	}
	snap, err := config.ParseFile(path, time.Now())
	if err != nil {
		return err
	}
	out := c.App.Writer
	for _, is := range snap.Issues {
		fmt.Fprintln(out, "invalid:", is)
	}
	if n := len(snap.Issues); n > 0 {
		return fmt.Errorf("%s: %d invalid entries", path, n)
	}
	fmt.Fprintf(out, "ok: %d groups, %d jobs\n", len(snap.Groups), snap.JobCount())
	return nil
}

func history(c *cli.Context) error {
	store, err := app.OpenHistory(app.Options{
		LogDir:  stringFlag(c, "log-dir"),
		History: historyConfig(c),
		Logger:  logx.Nop(),
	})
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("history is disabled; pass --history-driver file or sqlite")
	}
	defer store.Close()

	runs, err := store.RecentRuns(context.Background(), storage.Query{
		Limit: c.Int("limit"),
		Group: c.String("group"),
		Job:   c.String("job"),
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(c.App.Writer, "no runs recorded")
		return nil
	}
	printRuns(c.App.Writer, runs)
	return nil
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tGROUP\tJOB\tTASK\tEXIT\tDURATION\tLINES\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			r.Started.Format(time.DateTime), r.Group, r.Job, r.Task,
			r.ExitCode, r.Duration.Round(time.Millisecond), r.Lines, r.Error)
	}
	_ = tw.Flush()
}
