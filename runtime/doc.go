// Package runtime runs Emscripten-built WebAssembly programs on top of the
// virtual filesystem and syscall layer.
//
// # Quick Start
//
//	ctx := context.Background()
//	cfg := runtime.NewConfig().
//	    WithArgs("hello", "--verbose").
//	    WithStdout(os.Stdout).
//	    WithStderr(os.Stderr)
//
//	proc, err := runtime.NewProcess(ctx, wasmBytes, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer proc.Close(ctx)
//
//	code, err := proc.Run(ctx)
//
// # Filesystem
//
// Every process gets its own tree: an in-memory root with /tmp,
// /home/web_user, /dev (null, zero, random, urandom, tty, tty1 and the stdio
// links), /proc/self/fd, plus anonymous pipe and socket mounts. Extra backends
// are attached with WithMount:
//
//	store, _ := durablefs.OpenBolt("state.db")
//	cfg.WithMount("/data", durablefs.New(durablefs.Options{Store: store}))
//
// Durable mounts are populated before the entry point runs and persisted
// after it returns.
//
// # Blocking Calls
//
// Modules built with asyncify can block in poll, accept, recv, read on a tty
// or emscripten_sleep. The process unwinds the guest, keeps running its event
// loop and rewinds once the awaited event fires. Modules without asyncify
// still run; blocking calls fail with EAGAIN.
//
// # Threading
//
// A process is single-threaded. The filesystem and the guest are owned by the
// goroutine inside Run. Use Do to reach the filesystem from elsewhere while
// the process runs.
package runtime
