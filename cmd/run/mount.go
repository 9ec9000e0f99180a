package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/fusefs"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/durablefs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
)

func newMountCmd() *cobra.Command {
	var (
		persist []string
		root    string
	)
	cmd := &cobra.Command{
		Use:   "mount --persist GUEST=FILE.db MOUNTPOINT",
		Short: "Export persisted guest directories read-only over FUSE",
		Long: `mount loads the databases written by --persist into a fresh filesystem
and serves it at MOUNTPOINT until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(persist) == 0 {
				return fmt.Errorf("mount: at least one --persist is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return serveStores(ctx, persist, root, args[0])
		},
	}
	cmd.Flags().StringArrayVar(&persist, "persist", nil, "Guest directory and its database, as `GUEST=FILE.db` (repeatable)")
	cmd.Flags().StringVar(&root, "root", "/", "Guest directory to export")
	return cmd
}

func serveStores(ctx context.Context, specs []string, root, mountpoint string) (err error) {
	mounts, err := parsePersist(specs)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStores(mounts)) }()

	loop := engine.NewLoop()
	tree := vfs.New(vfs.Options{Executor: loop})
	if _, err := tree.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		return err
	}
	for _, m := range mounts {
		if err := tree.MkdirTree(m.guest, 0o755); err != nil {
			return err
		}
		if _, err := tree.Mount(durablefs.New(durablefs.Options{Store: m.store}), nil, m.guest); err != nil {
			return err
		}
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	populated := make(chan error, 1)
	loop.Post(func() { tree.SyncFS(true, func(err error) { populated <- err }) })
	select {
	case err := <-populated:
		if err != nil {
			loop.Quit(nil)
			return err
		}
	case err := <-loopDone:
		return err
	}

	serveErr := fusefs.New(tree, loop, root).Serve(ctx, mountpoint)
	loop.Quit(nil)
	if loopErr := <-loopDone; ctx.Err() == nil {
		serveErr = multierr.Append(serveErr, loopErr)
	}
	return serveErr
}
