package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-kernel/runtime"
)

func newRunCmd() *cobra.Command {
	var flags processFlags
	cmd := &cobra.Command{
		Use:   "run FILE.wasm [-- ARGS...]",
		Short: "Run a program with the terminal as stdin, stdout and stderr",
		Example: `  run run hello.wasm
  run run --persist /data=state.db --env DEBUG=1 app.wasm -- --port 8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runFile(cmd.Context(), &flags, args[0], args[1:])
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(int(code))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func runFile(ctx context.Context, flags *processFlags, file string, args []string) (code int32, err error) {
	wasm, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	cfg, stores, err := flags.config(append([]string{filepath.Base(file)}, args...))
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, closeStores(stores)) }()

	cfg.WithStdin(os.Stdin).WithStdout(os.Stdout).WithStderr(os.Stderr)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		cfg.WithTerminalSize(terminalSize)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	proc, err := runtime.NewProcess(ctx, wasm, cfg)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", file, err)
	}
	defer func() { err = multierr.Append(err, proc.Close(context.Background())) }()

	log := runtime.Logger().With(zap.String("process", proc.ID()))
	log.Debug("running", zap.String("file", file), zap.Strings("argv", cfg.Argv()))
	code, err = proc.Run(ctx)
	log.Debug("finished", zap.Int32("code", code), zap.Error(err))
	return code, err
}
