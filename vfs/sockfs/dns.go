package sockfs

import (
	"net/netip"
	"strconv"

	"github.com/wippyai/wasm-kernel/errors"
)

const maxMappings = 65535

// Resolver maps host names to synthetic addresses in 172.29.0.0/16 so that
// names the guest cannot resolve still round-trip through sockaddr structs.
// The transport receives the original name again on connect.
type Resolver struct {
	next  int
	addrs map[string]string // name to address
	names map[string]string // address to name
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		next:  1,
		addrs: make(map[string]string),
		names: make(map[string]string),
	}
}

// LookupName returns the address for name. Address literals map to
// themselves.
func (r *Resolver) LookupName(name string) (string, error) {
	if _, err := netip.ParseAddr(name); err == nil {
		return name, nil
	}
	if addr, ok := r.addrs[name]; ok {
		return addr, nil
	}
	if r.next >= maxMappings {
		return "", errors.New(errors.PhaseTransport, errors.KindErrno).
			Errno(errors.ENOMEM).
			Op("lookup name").
			Detail("exceeded %d address mappings", maxMappings).
			Build()
	}
	id := r.next
	r.next++
	addr := "172.29." + strconv.Itoa(id&0xff) + "." + strconv.Itoa(id>>8&0xff)
	r.addrs[name] = addr
	r.names[addr] = name
	return addr, nil
}

// LookupAddr returns the name a synthetic address was allocated for.
func (r *Resolver) LookupAddr(addr string) (string, bool) {
	name, ok := r.names[addr]
	return name, ok
}

// Host returns the name behind addr, or addr itself.
func (r *Resolver) Host(addr string) string {
	if name, ok := r.names[addr]; ok {
		return name
	}
	return addr
}
