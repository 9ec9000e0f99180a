package main

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/term"

	"github.com/wippyai/wasm-kernel/runtime"
	"github.com/wippyai/wasm-kernel/vfs/durablefs"
	"github.com/wippyai/wasm-kernel/vfs/sockfs"
)

// processFlags are shared by the commands that start a guest.
type processFlags struct {
	env           []string
	persist       []string
	cwd           string
	wsURL         string
	wsSubprotocol string
	hostNet       bool
	noPermissions bool
}

func (f *processFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringArrayVarP(&f.env, "env", "e", nil, "Set an environment variable `KEY=VALUE` (repeatable); KEY= alone unsets it")
	fl.StringArrayVar(&f.persist, "persist", nil, "Back guest directory with a bbolt file, as `GUEST=FILE.db` (repeatable)")
	fl.StringVar(&f.cwd, "cwd", "/", "Initial working directory of the guest")
	fl.StringVar(&f.wsURL, "ws-url", "", "Tunnel guest sockets over websockets using this URL or scheme prefix")
	fl.StringVar(&f.wsSubprotocol, "ws-subprotocol", "binary", "Websocket subprotocols, comma separated, or null")
	fl.BoolVar(&f.hostNet, "net", false, "Connect guest sockets to the host network")
	fl.BoolVar(&f.noPermissions, "no-permissions", false, "Skip mode-bit permission checks")
}

// durableMount is a --persist entry opened against its database.
type durableMount struct {
	store *durablefs.BoltStore
	guest string
}

func parsePersist(specs []string) ([]durableMount, error) {
	var mounts []durableMount
	for _, spec := range specs {
		guest, file, ok := strings.Cut(spec, "=")
		if !ok || !path.IsAbs(guest) || file == "" {
			closeStores(mounts)
			return nil, fmt.Errorf("--persist %q: want /guest/dir=file.db", spec)
		}
		guest = path.Clean(guest)
		store, err := durablefs.OpenBolt(file)
		if err != nil {
			closeStores(mounts)
			return nil, err
		}
		if err := store.SetMountpoint(guest); err != nil {
			closeStores(append(mounts, durableMount{store: store}))
			return nil, err
		}
		mounts = append(mounts, durableMount{store: store, guest: guest})
	}
	return mounts, nil
}

func closeStores(mounts []durableMount) error {
	var err error
	for _, m := range mounts {
		err = multierr.Append(err, m.store.Close())
	}
	return err
}

// config builds the process configuration. The returned mounts own open
// databases and must be closed with closeStores.
func (f *processFlags) config(args []string) (*runtime.Config, []durableMount, error) {
	cfg := runtime.NewConfig().
		WithArgs(args...).
		WithCwd(f.cwd).
		WithPermissions(!f.noPermissions)

	env := make(map[string]string)
	for _, kv := range f.env {
		k, v, ok := strings.Cut(kv, "=")
		switch {
		case !ok || k == "":
			return nil, nil, fmt.Errorf("--env %q: want KEY=VALUE", kv)
		case v == "":
			cfg.WithoutEnv(k)
		default:
			env[k] = v
		}
	}
	cfg.WithEnv(env)

	switch {
	case f.wsURL != "":
		cfg.WithTransport(sockfs.NewWebSocketTransport(sockfs.WebSocketOptions{
			URL:          f.wsURL,
			Subprotocols: f.wsSubprotocol,
		}))
	case f.hostNet:
		cfg.WithTransport(sockfs.NewNetTransport())
	}

	mounts, err := parsePersist(f.persist)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range mounts {
		cfg.WithMount(m.guest, durablefs.New(durablefs.Options{Store: m.store, AutoPersist: true}))
	}
	return cfg, mounts, nil
}

// terminalSize reports the size of the host terminal on stdout, if any.
func terminalSize() (cols, rows int, err error) {
	return term.GetSize(int(os.Stdout.Fd()))
}
