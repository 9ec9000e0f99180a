package runtime

import (
	"io"
	"maps"
	"slices"

	"github.com/wippyai/wasm-kernel/vfs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
	"github.com/wippyai/wasm-kernel/vfs/ttyfs"
)

// DefaultProgram is argv[0] when no arguments are configured.
const DefaultProgram = "./this.program"

// Mount attaches a backend at a guest path when the process starts.
type Mount struct {
	Backend vfs.Backend
	Path    string
}

// Config describes a process. Use builder methods to set it up.
type Config struct {
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
	random      io.Reader
	transport   sockfs.Transport
	size        ttyfs.SizeFunc
	env         map[string]string
	cwd         string
	args        []string
	unset       []string
	mounts      []Mount
	permissions bool
}

// NewConfig creates a configuration with no arguments, the default
// environment and / as working directory.
func NewConfig() *Config {
	return &Config{
		env: make(map[string]string),
		cwd: "/",
	}
}

// WithArgs sets argv, program name first.
func (c *Config) WithArgs(args ...string) *Config {
	c.args = args
	return c
}

// WithEnv sets environment variables, overriding defaults.
func (c *Config) WithEnv(env map[string]string) *Config {
	maps.Copy(c.env, env)
	return c
}

// WithoutEnv removes variables, defaults included.
func (c *Config) WithoutEnv(keys ...string) *Config {
	c.unset = append(c.unset, keys...)
	return c
}

// WithCwd sets the initial working directory. It is created if missing.
func (c *Config) WithCwd(cwd string) *Config {
	c.cwd = cwd
	return c
}

// WithStdin sets the reader behind /dev/tty input.
func (c *Config) WithStdin(r io.Reader) *Config {
	c.stdin = r
	return c
}

// WithStdout sets where /dev/tty output lines go.
func (c *Config) WithStdout(w io.Writer) *Config {
	c.stdout = w
	return c
}

// WithStderr sets where /dev/tty1 output lines go.
func (c *Config) WithStderr(w io.Writer) *Config {
	c.stderr = w
	return c
}

// WithTerminalSize reports the host window size to TIOCGWINSZ.
func (c *Config) WithTerminalSize(size ttyfs.SizeFunc) *Config {
	c.size = size
	return c
}

// WithMount adds a backend mounted at path. Mounts are applied in order after
// the default tree is built.
func (c *Config) WithMount(path string, backend vfs.Backend) *Config {
	c.mounts = append(c.mounts, Mount{Path: path, Backend: backend})
	return c
}

// WithTransport sets the socket transport. The default is an in-process
// loopback network.
func (c *Config) WithTransport(t sockfs.Transport) *Config {
	c.transport = t
	return c
}

// WithPermissions enables mode-bit permission checks.
func (c *Config) WithPermissions(enabled bool) *Config {
	c.permissions = enabled
	return c
}

// WithRandom replaces the random source of random_get.
func (c *Config) WithRandom(r io.Reader) *Config {
	c.random = r
	return c
}

// Argv returns the argument vector passed to the guest.
func (c *Config) Argv() []string {
	if len(c.args) == 0 {
		return []string{DefaultProgram}
	}
	return c.args
}

// Environ returns the KEY=VALUE environment: the defaults in fixed order,
// then the remaining variables sorted by name.
func (c *Config) Environ() []string {
	defaults := []struct{ key, value string }{
		{"USER", "web_user"},
		{"LOGNAME", "web_user"},
		{"PATH", "/"},
		{"PWD", c.cwd},
		{"HOME", "/home/web_user"},
		{"LANG", "C.UTF-8"},
		{"_", c.Argv()[0]},
	}
	env := make(map[string]string, len(defaults)+len(c.env))
	for _, d := range defaults {
		env[d.key] = d.value
	}
	maps.Copy(env, c.env)
	for _, k := range c.unset {
		delete(env, k)
	}

	out := make([]string, 0, len(env))
	for _, d := range defaults {
		if v, ok := env[d.key]; ok {
			out = append(out, d.key+"="+v)
			delete(env, d.key)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
