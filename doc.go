// Package wasmkernel runs POSIX-style WebAssembly programs against an
// in-process virtual filesystem and socket layer.
//
// Guests are core wasm modules built against the Emscripten libc. Their
// filesystem, socket, poll, clock and environment calls are served by Go code
// instead of the host OS, and blocking calls suspend the guest with asyncify
// so that asynchronous host events can complete them.
//
// # Architecture Overview
//
//	wasmkernel/          Root package with the Memory and Allocator interfaces
//	├── runtime/         Process configuration, default tree, run loop
//	├── syscalls/        Guest syscall surface and record layouts
//	├── engine/          Event loop, asyncify binding and suspension engine
//	├── vfs/             Nodes, mounts, path lookup, descriptors
//	│   ├── vpath/       Path normalization
//	│   ├── memfs/       Ephemeral in-memory backend
//	│   ├── durablefs/   memfs reconciled against a bbolt store
//	│   ├── pipefs/      Anonymous pipes
//	│   ├── sockfs/      Sockets over pluggable transports
//	│   ├── ttyfs/       Line-buffered terminals
//	│   ├── devfs/       /dev
//	│   └── procfs/      /proc/self/fd
//	├── fusefs/          Read-only FUSE export of a process filesystem
//	├── resource/        Handle arena and descriptor slot table
//	├── errors/          Structured errors and guest errno values
//	└── cmd/run/         CLI: run, shell, mount
//
// # Quick Start
//
//	cfg := runtime.NewConfig().
//	    WithArgs("prog", "-v").
//	    WithStdout(os.Stdout)
//
//	p, err := runtime.NewProcess(ctx, wasmBytes, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close(ctx)
//
//	code, err := p.Run(ctx)
//
// # Suspension
//
// The guest must be processed with wasm-opt --asyncify. A blocking call
// (poll with a timeout, sleep, a read that would block) unwinds the guest
// stack back to the export, waits on the event loop for the host event and
// replays the export until the call returns its result. See package engine.
package wasmkernel
