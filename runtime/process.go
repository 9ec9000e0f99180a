package runtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-kernel/engine"
	"github.com/wippyai/wasm-kernel/errors"
	"github.com/wippyai/wasm-kernel/syscalls"
	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/devfs"
	"github.com/wippyai/wasm-kernel/vfs/memfs"
	"github.com/wippyai/wasm-kernel/vfs/pipefs"
	"github.com/wippyai/wasm-kernel/vfs/procfs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
	"github.com/wippyai/wasm-kernel/vfs/ttyfs"
)

// Process is one guest program with its own filesystem, descriptor table and
// event loop.
type Process struct {
	loop    *engine.Loop
	fs      *vfs.FS
	devices *devfs.Devices
	sockets *sockfs.Backend
	kernel  *syscalls.Kernel
	susp    *engine.Suspender
	runtime wazero.Runtime
	module  api.Module
	logger  *zap.Logger
	cfg     *Config
	id      string
}

// NewProcess builds the filesystem described by cfg, compiles wasm and
// instantiates it against the syscall layer. The guest does not run until
// Run is called.
func NewProcess(ctx context.Context, wasm []byte, cfg *Config) (*Process, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	p := &Process{
		loop: engine.NewLoop(),
		cfg:  cfg,
		id:   uuid.NewString(),
	}
	p.logger = Logger().With(zap.String("process", p.id))

	if err := p.buildFS(); err != nil {
		return nil, err
	}

	p.kernel = syscalls.New(syscalls.Options{
		FS:      p.fs,
		Pipes:   p.pipes(),
		Sockets: p.sockets,
		Random:  cfg.random,
		Args:    cfg.Argv(),
		Env:     cfg.Environ(),
	})

	p.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := p.instantiate(ctx, wasm); err != nil {
		_ = p.runtime.Close(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Process) pipes() *pipefs.Backend {
	b := pipefs.New()
	if _, err := p.fs.Mount(b, nil, ""); err != nil {
		p.logger.Warn("pipe mount failed", zap.Error(err))
		return nil
	}
	return b
}

// buildFS lays out the default tree: /tmp, /home/web_user, /dev,
// /proc/self/fd and the configured mounts, then opens descriptors 0 to 2.
func (p *Process) buildFS() error {
	cfg := p.cfg
	p.fs = vfs.New(vfs.Options{Executor: p.loop, Permissions: cfg.permissions})
	fs := p.fs
	if _, err := fs.Mount(memfs.New(memfs.Options{}), nil, "/"); err != nil {
		return err
	}
	for _, dir := range []string{"/tmp", "/home/web_user", "/proc/self/fd"} {
		if err := fs.MkdirTree(dir, 0o777); err != nil {
			return err
		}
	}

	devices, err := devfs.Install(fs, devfs.Options{
		TTY:  ttyfs.Options{Input: cfg.stdin, Output: cfg.stdout, Size: cfg.size},
		TTY1: ttyfs.Options{Output: cfg.stderr, Size: cfg.size},
	})
	if err != nil {
		return err
	}
	p.devices = devices
	if _, err := fs.Mount(procfs.New(), nil, "/proc/self/fd"); err != nil {
		return err
	}

	transport := cfg.transport
	if transport == nil {
		transport = sockfs.NewMemTransport()
	}
	_, tunneled := transport.(*sockfs.WebSocketTransport)
	p.sockets = sockfs.New(sockfs.Options{
		Transport:     transport,
		PortHandshake: tunneled,
		OnEvent: func(ev sockfs.Event) {
			if ev.Type == sockfs.EventError {
				p.logger.Warn("socket error", zap.Int32("fd", ev.FD), zap.String("errno", ev.Errno.Name()), zap.Error(ev.Err))
			}
		},
	})
	if _, err := fs.Mount(p.sockets, nil, ""); err != nil {
		return err
	}

	for _, m := range cfg.mounts {
		if err := fs.MkdirTree(m.Path, 0o777); err != nil {
			return err
		}
		if _, err := fs.Mount(m.Backend, nil, m.Path); err != nil {
			return err
		}
		p.logger.Debug("mounted", zap.String("path", m.Path))
	}

	if err := fs.MkdirTree(cfg.cwd, 0o777); err != nil {
		return err
	}
	if err := fs.Chdir(cfg.cwd); err != nil {
		return err
	}
	return devices.OpenStdio()
}

func (p *Process) instantiate(ctx context.Context, wasm []byte) error {
	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return errors.Load("compile module", err)
	}
	if err := p.kernel.Register(ctx, p.runtime); err != nil {
		return err
	}
	mod, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions())
	if err != nil {
		return errors.Instantiation(err)
	}
	p.module = mod

	if alloc := syscalls.NewAllocator(ctx, mod); alloc != nil {
		p.kernel.SetAllocator(alloc)
	}

	asyncify := engine.NewAsyncify()
	if err := asyncify.Init(ctx, mod); err != nil {
		p.logger.Debug("blocking calls disabled", zap.Error(err))
		return nil
	}
	p.susp = engine.NewSuspender(asyncify, p.loop)
	p.kernel.SetSuspender(p.susp)
	p.devices.TTY.SetAsync(true)
	return nil
}

// ID returns the process instance id.
func (p *Process) ID() string { return p.id }

// FS returns the process filesystem. It must only be touched on the event
// loop, through Do, or before Run.
func (p *Process) FS() *vfs.FS { return p.fs }

// Kernel returns the syscall layer of the process.
func (p *Process) Kernel() *syscalls.Kernel { return p.kernel }

// Devices returns the /dev tree, whose terminals accept Feed.
func (p *Process) Devices() *devfs.Devices { return p.devices }

// Do runs fn on the event loop and waits for it. It must not be called from
// the loop itself.
func (p *Process) Do(ctx context.Context, fn func()) error {
	return p.loop.Do(ctx, fn)
}

// Post queues fn on the event loop.
func (p *Process) Post(fn func()) { p.loop.Post(fn) }

// Run populates durable mounts, runs the guest entry point to completion and
// persists durable mounts again. It returns the guest exit status.
func (p *Process) Run(ctx context.Context) (int32, error) {
	var (
		code   int32
		runErr error
	)
	p.loop.Post(func() {
		p.fs.SyncFS(true, func(err error) {
			if err != nil {
				p.loop.Quit(err)
				return
			}
			p.start(ctx, func(c int32, err error) {
				code, runErr = c, err
				p.devices.Flush()
				p.fs.SyncFS(false, func(err error) {
					p.loop.Quit(multierr.Append(runErr, err))
				})
			})
		})
	})
	err := p.loop.Run(ctx)
	return code, err
}

// entry finds the program entry point. For a bare main it also returns the
// constructor export, if any, to run first.
func (p *Process) entry() (name string, fn, ctors api.Function, err error) {
	if fn := p.module.ExportedFunction("_start"); fn != nil {
		return "_start", fn, nil, nil
	}
	for _, name := range []string{"__main_argc_argv", "main"} {
		if fn := p.module.ExportedFunction(name); fn != nil {
			return name, fn, p.module.ExportedFunction("__wasm_call_ctors"), nil
		}
	}
	return "", nil, nil, errors.NotFound(errors.PhaseRuntime, "export", "_start")
}

// writeArgv copies argv into guest memory allocated with the guest malloc and
// returns the address of the pointer array.
func (p *Process) writeArgv(ctx context.Context) (uint32, error) {
	malloc := p.module.ExportedFunction("malloc")
	if malloc == nil {
		return 0, errors.NotFound(errors.PhaseRuntime, "export", "malloc")
	}
	args := p.cfg.Argv()
	size := uint32(len(args)+1) * 4
	for _, a := range args {
		size += uint32(len(a)) + 1
	}
	res, err := malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, errors.Trap("malloc", err)
	}
	base := api.DecodeU32(res[0])
	if base == 0 {
		return 0, errors.Domain(errors.PhaseRuntime, errors.ENOMEM, "argv")
	}
	mem := p.module.Memory()
	str := base + uint32(len(args)+1)*4
	for i, a := range args {
		if !mem.WriteUint32Le(base+uint32(i)*4, str) || !mem.Write(str, append([]byte(a), 0)) {
			return 0, errors.OutOfBounds(errors.PhaseRuntime, "argv", str, uint32(len(a)+1))
		}
		str += uint32(len(a)) + 1
	}
	if !mem.WriteUint32Le(base+uint32(len(args))*4, 0) {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, "argv", base, size)
	}
	return base, nil
}

// start enters the guest and calls done once it has returned or exited,
// which happens after any number of suspensions.
func (p *Process) start(ctx context.Context, done func(int32, error)) {
	name, fn, ctors, err := p.entry()
	if err != nil {
		done(1, err)
		return
	}
	finish := func(export string) func([]uint64, error) {
		return func(results []uint64, err error) {
			code, err := p.exitStatus(export, results, err)
			p.logger.Debug("exit", zap.String("export", export), zap.Int32("code", code), zap.Error(err))
			done(code, err)
		}
	}
	run := func() {
		var args []uint64
		if len(fn.Definition().ParamTypes()) > 0 {
			argv, err := p.writeArgv(ctx)
			if err != nil {
				done(1, err)
				return
			}
			args = []uint64{uint64(len(p.cfg.Argv())), uint64(argv)}
		}
		p.logger.Debug("start", zap.String("export", name), zap.Strings("argv", p.cfg.Argv()))
		p.call(ctx, name, fn, finish(name), args...)
	}
	if ctors == nil {
		run()
		return
	}
	p.call(ctx, "__wasm_call_ctors", ctors, func(results []uint64, err error) {
		if _, exited := p.kernel.Exited(); err != nil || exited {
			finish("__wasm_call_ctors")(results, err)
			return
		}
		run()
	})
}

// call runs an export through the suspender so it may block.
func (p *Process) call(ctx context.Context, name string, fn api.Function, done func([]uint64, error), args ...uint64) {
	if p.susp == nil {
		done(fn.Call(ctx, args...))
		return
	}
	if err := p.susp.Call(ctx, name, fn, done, args...); err == engine.ErrUnwound {
		p.logger.Debug("suspended", zap.String("export", name))
	}
}

func (p *Process) exitStatus(export string, results []uint64, err error) (int32, error) {
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			return int32(exit.ExitCode()), nil
		}
		return 1, errors.Trap(export, err)
	}
	if code, ok := p.kernel.Exited(); ok {
		return code, nil
	}
	if len(results) > 0 {
		return api.DecodeI32(results[0]), nil
	}
	return 0, nil
}

// Close releases the guest, the wazero runtime and every open descriptor.
func (p *Process) Close(ctx context.Context) error {
	var err error
	if p.fs != nil {
		var open []*vfs.Stream
		p.fs.Streams(func(s *vfs.Stream) bool {
			open = append(open, s)
			return true
		})
		for _, s := range open {
			err = multierr.Append(err, p.fs.Close(s))
		}
	}
	if p.module != nil {
		err = multierr.Append(err, p.module.Close(ctx))
	}
	if p.runtime != nil {
		err = multierr.Append(err, p.runtime.Close(ctx))
	}
	return err
}
