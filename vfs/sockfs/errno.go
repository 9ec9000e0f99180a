package sockfs

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-kernel/errors"
)

var hostErrno = map[unix.Errno]errors.Errno{
	unix.EACCES:        errors.EACCES,
	unix.EPERM:         errors.EPERM,
	unix.EADDRINUSE:    errors.EADDRINUSE,
	unix.EADDRNOTAVAIL: errors.EADDRNOTAVAIL,
	unix.EAFNOSUPPORT:  errors.EAFNOSUPPORT,
	unix.EAGAIN:        errors.EAGAIN,
	unix.EALREADY:      errors.EALREADY,
	unix.ECONNABORTED:  errors.ECONNABORTED,
	unix.ECONNREFUSED:  errors.ECONNREFUSED,
	unix.ECONNRESET:    errors.ECONNRESET,
	unix.EHOSTUNREACH:  errors.EHOSTUNREACH,
	unix.EINPROGRESS:   errors.EINPROGRESS,
	unix.EINVAL:        errors.EINVAL,
	unix.EISCONN:       errors.EISCONN,
	unix.EMFILE:        errors.EMFILE,
	unix.EMSGSIZE:      errors.EMSGSIZE,
	unix.ENETUNREACH:   errors.ENETUNREACH,
	unix.ENOMEM:        errors.ENOMEM,
	unix.ENOTCONN:      errors.ENOTCONN,
	unix.EPIPE:         errors.EPIPE,
	unix.ETIMEDOUT:     errors.ETIMEDOUT,
}

// HostErrno maps a host transport error to the guest errno it surfaces as.
// Unknown failures become fallback.
func HostErrno(err error, fallback errors.Errno) errors.Errno {
	if err == nil {
		return errors.ESUCCESS
	}
	if code, ok := errors.ToErrno(err); ok {
		return code
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		if code, ok := hostErrno[errno]; ok {
			return code
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errors.EHOSTUNREACH
	}
	if os.IsTimeout(err) {
		return errors.ETIMEDOUT
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return errors.ECONNRESET
	}
	return fallback
}
