// Command armvirt runs scripted guests on the ARM exit path and drives race
// trials against the timer and power coordination code.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/term"
)

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	}
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&traceCmd{}, "")
	subcommands.Register(&classesCmd{}, "")
	subcommands.Register(&stressCmd{}, "trials")
	subcommands.Register(&powerCmd{}, "trials")

	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	setupLogging(*debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}
