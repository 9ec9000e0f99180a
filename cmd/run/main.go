// Command run executes Emscripten-built WebAssembly programs against the
// virtual filesystem, browses their filesystem in a shell, or exports a
// durable store over FUSE.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/fusefs"
	"github.com/wippyai/wasm-kernel/runtime"
	"github.com/wippyai/wasm-kernel/syscalls"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/durablefs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

func newRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:   "run",
		Short: "Run WebAssembly programs on a virtual POSIX filesystem",
		Long: `run hosts programs compiled with Emscripten. Each program gets an
in-memory filesystem with /dev, /tmp, /proc/self/fd, pipes and sockets.
Directories can be backed by a bbolt database with --persist so their
contents survive between runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Log syscalls and lifecycle events to stderr")

	root.AddCommand(newRunCmd(), newShellCmd(), newMountCmd())
	return root
}

// setupLogging installs one logger for every package.
func setupLogging(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.Encoding = "console"
		l, err = cfg.Build()
	}
	if err != nil {
		return err
	}
	for _, set := range []func(*zap.Logger){
		runtime.SetLogger,
		syscalls.SetLogger,
		engine.SetLogger,
		vfs.SetLogger,
		durablefs.SetLogger,
		sockfs.SetLogger,
		fusefs.SetLogger,
	} {
		set(l.Named("wasmkernel"))
	}
	return nil
}

func main() {
	if err := fang.Execute(context.Background(), newRootCmd()); err != nil {
		os.Exit(1)
	}
}
