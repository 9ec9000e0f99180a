package syscalls

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	wasmkernel "github.com/wippyai/wasm-kernel"
	"github.com/wippyai/wasm-kernel/errors"
)

// Host module names imported by Emscripten guests.
const (
	EnvModule  = "env"
	WASIModule = "wasi_snapshot_preview1"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
	f64 = api.ValueTypeF64
)

func ints(n int) []api.ValueType {
	types := make([]api.ValueType, n)
	for i := range types {
		types[i] = i32
	}
	return types
}

// call is the argument view of one host function invocation.
type call struct {
	ctx   context.Context
	mod   api.Module
	mem   wasmkernel.Memory
	stack []uint64
}

func (c *call) i32(i int) int32  { return api.DecodeI32(c.stack[i]) }
func (c *call) u32(i int) uint32 { return api.DecodeU32(c.stack[i]) }
func (c *call) i64(i int) int64  { return int64(c.stack[i]) }

type hostFunc struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	fn      func(c *call)
}

// errnoOf maps a syscall failure to its errno. Failures that are not domain
// errors trap the guest.
func errnoOf(name string, err error) errors.Errno {
	code, ok := errors.ToErrno(err)
	if !ok {
		Logger().Error("syscall trapped", zap.String("call", name), zap.Error(err))
		panic(err)
	}
	if ce := Logger().Check(zap.DebugLevel, "syscall failed"); ce != nil {
		ce.Write(zap.String("call", name), zap.String("errno", code.Name()))
	}
	return code
}

// syscall declares a __syscall_* style import that returns a value or -errno.
func (k *Kernel) syscall(name string, params []api.ValueType, fn func(c *call) (int32, error)) hostFunc {
	return hostFunc{name: name, params: params, results: ints(1), fn: func(c *call) {
		n, err := fn(c)
		switch {
		case err == nil:
		case err == errUnwinding:
			n = 0
		default:
			n = errnoOf(name, err).Negated()
		}
		c.stack[0] = api.EncodeI32(n)
	}}
}

// syscall0 is syscall for calls with no result besides success.
func (k *Kernel) syscall0(name string, params []api.ValueType, fn func(c *call) error) hostFunc {
	return k.syscall(name, params, func(c *call) (int32, error) { return 0, fn(c) })
}

// wasi declares a WASI import that returns 0 or a positive errno.
func (k *Kernel) wasi(name string, params []api.ValueType, fn func(c *call) error) hostFunc {
	return hostFunc{name: name, params: params, results: ints(1), fn: func(c *call) {
		var code uint32
		if err := fn(c); err != nil && err != errUnwinding {
			code = uint32(errnoOf(name, err))
		}
		c.stack[0] = api.EncodeU32(code)
	}}
}

func (k *Kernel) envFuncs() []hostFunc {
	return []hostFunc{
		k.syscall("__syscall_openat", ints(4), func(c *call) (int32, error) {
			return k.Openat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.u32(3))
		}),
		k.syscall("__syscall_fcntl64", ints(3), func(c *call) (int32, error) {
			return k.Fcntl(c.mem, c.i32(0), c.i32(1), c.u32(2))
		}),
		k.syscall("__syscall_ioctl", ints(3), func(c *call) (int32, error) {
			return k.Ioctl(c.mem, c.i32(0), c.u32(1), c.u32(2))
		}),
		k.syscall("__syscall_getdents64", ints(3), func(c *call) (int32, error) {
			return k.Getdents64(c.mem, c.i32(0), c.u32(1), c.u32(2))
		}),
		k.syscall("__syscall_getcwd", ints(2), func(c *call) (int32, error) {
			return k.Getcwd(c.mem, c.u32(0), c.u32(1))
		}),
		k.syscall0("__syscall_chdir", ints(1), func(c *call) error { return k.Chdir(c.mem, c.u32(0)) }),
		k.syscall0("__syscall_fchdir", ints(1), func(c *call) error { return k.Fchdir(c.i32(0)) }),
		k.syscall0("__syscall_mkdirat", ints(3), func(c *call) error {
			return k.Mkdirat(c.mem, c.i32(0), c.u32(1), c.i32(2))
		}),
		k.syscall0("__syscall_mknodat", ints(4), func(c *call) error {
			return k.Mknodat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.i32(3))
		}),
		k.syscall0("__syscall_rmdir", ints(1), func(c *call) error { return k.Rmdir(c.mem, c.u32(0)) }),
		k.syscall0("__syscall_unlinkat", ints(3), func(c *call) error {
			return k.Unlinkat(c.mem, c.i32(0), c.u32(1), c.i32(2))
		}),
		k.syscall0("__syscall_renameat", ints(4), func(c *call) error {
			return k.Renameat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.u32(3))
		}),
		k.syscall0("__syscall_symlinkat", ints(3), func(c *call) error {
			return k.Symlinkat(c.mem, c.u32(0), c.i32(1), c.u32(2))
		}),
		k.syscall("__syscall_readlinkat", ints(4), func(c *call) (int32, error) {
			return k.Readlinkat(c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3))
		}),
		k.syscall0("__syscall_stat64", ints(2), func(c *call) error { return k.Stat64(c.mem, c.u32(0), c.u32(1)) }),
		k.syscall0("__syscall_lstat64", ints(2), func(c *call) error { return k.Lstat64(c.mem, c.u32(0), c.u32(1)) }),
		k.syscall0("__syscall_fstat64", ints(2), func(c *call) error { return k.Fstat64(c.mem, c.i32(0), c.u32(1)) }),
		k.syscall0("__syscall_newfstatat", ints(4), func(c *call) error {
			return k.Newfstatat(c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3))
		}),
		k.syscall0("__syscall_faccessat", ints(4), func(c *call) error {
			return k.Faccessat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.i32(3))
		}),
		k.syscall0("__syscall_chmod", ints(2), func(c *call) error { return k.Chmod(c.mem, c.u32(0), c.i32(1)) }),
		k.syscall0("__syscall_fchmod", ints(2), func(c *call) error { return k.Fchmod(c.i32(0), c.i32(1)) }),
		k.syscall0("__syscall_fchmodat2", ints(4), func(c *call) error {
			return k.Fchmodat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.i32(3))
		}),
		k.syscall0("__syscall_fchownat", ints(5), func(c *call) error {
			return k.Fchownat(c.mem, c.i32(0), c.u32(1), c.i32(2), c.i32(3), c.i32(4))
		}),
		k.syscall0("__syscall_fchown32", ints(3), func(c *call) error { return k.Fchown(c.i32(0), c.i32(1), c.i32(2)) }),
		k.syscall0("__syscall_utimensat", ints(4), func(c *call) error {
			return k.Utimensat(c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3))
		}),
		k.syscall0("__syscall_truncate64", []api.ValueType{i32, i64}, func(c *call) error {
			return k.Truncate64(c.mem, c.u32(0), c.i64(1))
		}),
		k.syscall0("__syscall_ftruncate64", []api.ValueType{i32, i64}, func(c *call) error {
			return k.Ftruncate64(c.i32(0), c.i64(1))
		}),
		k.syscall0("__syscall_fallocate", []api.ValueType{i32, i32, i64, i64}, func(c *call) error {
			return k.Fallocate(c.i32(0), c.i32(1), c.i64(2), c.i64(3))
		}),
		k.syscall0("__syscall_fdatasync", ints(1), func(c *call) error { return k.Fsync(c.i32(0)) }),
		k.syscall("__syscall_dup", ints(1), func(c *call) (int32, error) { return k.Dup(c.i32(0)) }),
		k.syscall("__syscall_dup3", ints(3), func(c *call) (int32, error) { return k.Dup3(c.i32(0), c.i32(1), c.i32(2)) }),
		k.syscall0("__syscall_pipe", ints(1), func(c *call) error { return k.Pipe(c.mem, c.u32(0)) }),
		k.syscall("__syscall_poll", ints(3), func(c *call) (int32, error) {
			return k.Poll(c.ctx, c.mem, c.u32(0), c.i32(1), c.i32(2))
		}),
		k.syscall0("__syscall_statfs64", ints(3), func(c *call) error {
			return k.Statfs64(c.mem, c.u32(0), c.u32(1), c.u32(2))
		}),
		k.syscall0("__syscall_fstatfs64", ints(3), func(c *call) error {
			return k.Fstatfs64(c.mem, c.i32(0), c.u32(1), c.u32(2))
		}),

		// Socket calls carry unused trailing arguments up to six.
		k.syscall("__syscall_socket", ints(6), func(c *call) (int32, error) { return k.Socket(c.i32(0), c.i32(1), c.i32(2)) }),
		k.syscall0("__syscall_bind", ints(6), func(c *call) error { return k.Bind(c.mem, c.i32(0), c.u32(1), c.u32(2)) }),
		k.syscall0("__syscall_connect", ints(6), func(c *call) error { return k.Connect(c.mem, c.i32(0), c.u32(1), c.u32(2)) }),
		k.syscall0("__syscall_listen", ints(6), func(c *call) error { return k.Listen(c.i32(0), c.i32(1)) }),
		k.syscall("__syscall_accept4", ints(6), func(c *call) (int32, error) {
			return k.Accept4(c.ctx, c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3))
		}),
		k.syscall0("__syscall_getsockname", ints(6), func(c *call) error {
			return k.Getsockname(c.mem, c.i32(0), c.u32(1), c.u32(2))
		}),
		k.syscall0("__syscall_getpeername", ints(6), func(c *call) error {
			return k.Getpeername(c.mem, c.i32(0), c.u32(1), c.u32(2))
		}),
		k.syscall("__syscall_sendto", ints(6), func(c *call) (int32, error) {
			return k.Sendto(c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3), c.u32(4), c.u32(5))
		}),
		k.syscall("__syscall_recvfrom", ints(6), func(c *call) (int32, error) {
			return k.Recvfrom(c.ctx, c.mem, c.i32(0), c.u32(1), c.u32(2), c.i32(3), c.u32(4), c.u32(5))
		}),
		k.syscall("__syscall_sendmsg", ints(6), func(c *call) (int32, error) {
			return k.Sendmsg(c.mem, c.i32(0), c.u32(1), c.i32(2))
		}),
		k.syscall("__syscall_recvmsg", ints(6), func(c *call) (int32, error) {
			return k.Recvmsg(c.ctx, c.mem, c.i32(0), c.u32(1), c.i32(2))
		}),
		k.syscall0("__syscall_getsockopt", ints(6), func(c *call) error {
			return k.Getsockopt(c.mem, c.i32(0), c.i32(1), c.i32(2), c.u32(3), c.u32(4))
		}),
		k.syscall0("__syscall_setsockopt", ints(6), func(c *call) error {
			return k.Setsockopt(c.i32(0), c.i32(1), c.i32(2))
		}),
		k.syscall0("__syscall_shutdown", ints(6), func(c *call) error { return k.Shutdown(c.i32(0)) }),
		k.syscall("_emscripten_lookup_name", ints(1), func(c *call) (int32, error) {
			addr, err := k.LookupName(c.mem, c.u32(0))
			return int32(addr), err
		}),
		k.syscall("getnameinfo", ints(7), func(c *call) (int32, error) {
			return k.Getnameinfo(c.mem, c.u32(0), c.u32(1), c.u32(2), c.u32(3), c.u32(4), c.u32(5), c.i32(6))
		}),

		k.syscall0("_mmap_js", []api.ValueType{i32, i32, i32, i32, i64, i32, i32}, func(c *call) error {
			return k.Mmap(c.mem, c.u32(0), c.i32(1), c.i32(2), c.i32(3), c.i64(4), c.u32(5), c.u32(6))
		}),
		k.syscall0("_munmap_js", []api.ValueType{i32, i32, i32, i32, i32, i64}, func(c *call) error {
			return k.Munmap(c.mem, c.u32(0), c.u32(1), c.i32(2), c.i32(3), c.i32(4), c.i64(5))
		}),
		k.syscall0("_msync_js", []api.ValueType{i32, i32, i32, i32, i32, i64}, func(c *call) error {
			return k.Msync(c.mem, c.u32(0), c.u32(1), c.i32(2), c.i32(3), c.i32(4), c.i64(5))
		}),

		k.syscall0("emscripten_sleep", ints(1), func(c *call) error { return k.EmscriptenSleep(c.ctx, c.u32(0)) }),
		{name: "emscripten_date_now", results: []api.ValueType{f64}, fn: func(c *call) {
			c.stack[0] = api.EncodeF64(k.DateNow())
		}},
		{name: "emscripten_get_now", results: []api.ValueType{f64}, fn: func(c *call) {
			c.stack[0] = api.EncodeF64(k.Now())
		}},
		{name: "_emscripten_get_now_is_monotonic", results: ints(1), fn: func(c *call) {
			c.stack[0] = api.EncodeI32(1)
		}},
		{name: "emscripten_resize_heap", params: ints(1), results: ints(1), fn: func(c *call) {
			ok := k.ResizeHeap(c.mem, c.u32(0), func(pages uint32) bool {
				_, ok := c.mod.Memory().Grow(pages)
				return ok
			})
			c.stack[0] = 0
			if ok {
				c.stack[0] = 1
			}
		}},
		{name: "emscripten_get_heap_max", results: ints(1), fn: func(c *call) {
			c.stack[0] = api.EncodeU32(math.MaxUint32 - 65535)
		}},
		k.syscall0("_tzset_js", ints(4), func(c *call) error {
			return k.Tzset(c.mem, c.u32(0), c.u32(1), c.u32(2), c.u32(3))
		}),
		k.syscall0("_localtime_js", []api.ValueType{i64, i32}, func(c *call) error { return k.Gmtime(c.mem, c.i64(0), c.u32(1)) }),
		k.syscall0("_gmtime_js", []api.ValueType{i64, i32}, func(c *call) error { return k.Gmtime(c.mem, c.i64(0), c.u32(1)) }),
		{name: "_mktime_js", params: ints(1), results: []api.ValueType{i64}, fn: k.timegm},
		{name: "_timegm_js", params: ints(1), results: []api.ValueType{i64}, fn: k.timegm},
		{name: "_abort_js", fn: func(c *call) {
			panic(errors.New(errors.PhaseHost, errors.KindProtocol).Detail("guest aborted").Build())
		}},
	}
}

func (k *Kernel) timegm(c *call) {
	sec, err := k.Timegm(c.mem, c.u32(0))
	if err != nil {
		sec = -1
		errnoOf("timegm", err)
	}
	c.stack[0] = uint64(sec)
}

func (k *Kernel) wasiFuncs() []hostFunc {
	return []hostFunc{
		k.wasi("fd_close", ints(1), func(c *call) error { return k.Close(c.i32(0)) }),
		k.wasi("fd_read", ints(4), func(c *call) error {
			return k.FdRead(c.ctx, c.mem, c.i32(0), c.u32(1), c.i32(2), c.u32(3))
		}),
		k.wasi("fd_write", ints(4), func(c *call) error {
			return k.FdWrite(c.mem, c.i32(0), c.u32(1), c.i32(2), c.u32(3))
		}),
		k.wasi("fd_pread", []api.ValueType{i32, i32, i32, i64, i32}, func(c *call) error {
			return k.FdPread(c.ctx, c.mem, c.i32(0), c.u32(1), c.i32(2), c.i64(3), c.u32(4))
		}),
		k.wasi("fd_pwrite", []api.ValueType{i32, i32, i32, i64, i32}, func(c *call) error {
			return k.FdPwrite(c.mem, c.i32(0), c.u32(1), c.i32(2), c.i64(3), c.u32(4))
		}),
		k.wasi("fd_seek", []api.ValueType{i32, i64, i32, i32}, func(c *call) error {
			return k.FdSeek(c.mem, c.i32(0), c.i64(1), c.i32(2), c.u32(3))
		}),
		k.wasi("fd_sync", ints(1), func(c *call) error { return k.Fsync(c.i32(0)) }),
		k.wasi("fd_fdstat_get", ints(2), func(c *call) error { return k.FdFdstatGet(c.mem, c.i32(0), c.u32(1)) }),
		k.wasi("args_sizes_get", ints(2), func(c *call) error { return k.ArgsSizesGet(c.mem, c.u32(0), c.u32(1)) }),
		k.wasi("args_get", ints(2), func(c *call) error { return k.ArgsGet(c.mem, c.u32(0), c.u32(1)) }),
		k.wasi("environ_sizes_get", ints(2), func(c *call) error { return k.EnvironSizesGet(c.mem, c.u32(0), c.u32(1)) }),
		k.wasi("environ_get", ints(2), func(c *call) error { return k.EnvironGet(c.mem, c.u32(0), c.u32(1)) }),
		k.wasi("clock_time_get", []api.ValueType{i32, i64, i32}, func(c *call) error {
			return k.ClockTimeGet(c.mem, c.i32(0), c.i64(1), c.u32(2))
		}),
		k.wasi("random_get", ints(2), func(c *call) error { return k.RandomGet(c.mem, c.u32(0), c.u32(1)) }),
		{name: "proc_exit", params: ints(1), fn: func(c *call) {
			code := c.u32(0)
			k.Exit(int32(code))
			_ = c.mod.CloseWithExitCode(c.ctx, code)
			panic(sys.NewExitError(code))
		}},
	}
}

func buildHostModule(ctx context.Context, r wazero.Runtime, name string, funcs []hostFunc) error {
	b := r.NewHostModuleBuilder(name)
	for _, f := range funcs {
		fn := f.fn
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				fn(&call{ctx: ctx, mod: mod, mem: WrapMemory(mod.Memory()), stack: stack})
			}), f.params, f.results).
			WithName(f.name).
			Export(f.name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Registration(errors.PhaseHost, name, "host module", err)
	}
	return nil
}

// Register instantiates the env and WASI host modules backed by k in r.
func (k *Kernel) Register(ctx context.Context, r wazero.Runtime) error {
	if err := buildHostModule(ctx, r, EnvModule, k.envFuncs()); err != nil {
		return err
	}
	return buildHostModule(ctx, r, WASIModule, k.wasiFuncs())
}

// HostFuncs lists the import names served for module.
func (k *Kernel) HostFuncs(module string) []string {
	var funcs []hostFunc
	switch module {
	case EnvModule:
		funcs = k.envFuncs()
	case WASIModule:
		funcs = k.wasiFuncs()
	}
	names := make([]string, len(funcs))
	for i, f := range funcs {
		names[i] = f.name
	}
	return names
}
