// Command advisor is the advising portal client: passwordless sign-in,
// session management and transcript upload from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"

	"advisor/internal/platform/config"
	"advisor/internal/platform/logger"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/requestcontext"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err != errUsage {
			fmt.Fprintln(os.Stderr, "advisor:", dErrors.Message(err))
		}
		os.Exit(1)
	}
}

// run wires dependencies from the environment and executes one command.
// Logs go to stderr so command output stays clean.
func run(args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = requestcontext.WithRequestID(ctx, uuid.NewString())

	app, err := newApp(ctx, cfg, log, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.dispatch(ctx, args)
}
