package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLookup    Phase = "lookup"    // path resolution
	PhaseMount     Phase = "mount"     // mount table changes
	PhaseNode      Phase = "node"      // namespace operations
	PhaseStream    Phase = "stream"    // descriptor operations
	PhaseSyscall   Phase = "syscall"   // guest argument decoding
	PhaseSuspend   Phase = "suspend"   // unwind/rewind protocol
	PhasePersist   Phase = "persist"   // durable store reconciliation
	PhaseTransport Phase = "transport" // socket transports
	PhaseLoad      Phase = "load"      // module loading
	PhaseHost      Phase = "host"      // host function registration
	PhaseRuntime   Phase = "runtime"   // process lifecycle
)

// Kind categorizes the error
type Kind string

const (
	KindErrno          Kind = "errno"
	KindProtocol       Kind = "protocol_violation"
	KindTransport      Kind = "transport"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindUnsupported    Kind = "unsupported"
	KindNotFound       Kind = "not_found"
	KindNotInitialized Kind = "not_initialized"
	KindInvalidInput   Kind = "invalid_input"
	KindRegistration   Kind = "registration"
	KindInstantiation  Kind = "instantiation"
	KindStorage        Kind = "storage"
	KindTrap           Kind = "trap"
)

// Error is the structured error type used throughout the kernel.
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Path   string
	Detail string
	Errno  Errno
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	if e.Kind == KindErrno {
		b.WriteString(e.Errno.Name())
	} else {
		b.WriteString(string(e.Kind))
	}

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A bare Errno target matches a
// domain error carrying the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		if e.Phase != t.Phase || e.Kind != t.Kind {
			return false
		}
		return e.Kind != KindErrno || t.Errno == 0 || e.Errno == t.Errno
	case Errno:
		return e.Kind == KindErrno && e.Errno == t
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Errno sets the domain code and switches the kind to KindErrno.
func (b *Builder) Errno(code Errno) *Builder {
	b.err.Kind = KindErrno
	b.err.Errno = code
	return b
}

// Op sets the failing operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Path sets the filesystem path involved
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Domain creates a domain error for op that failed with code.
func Domain(phase Phase, code Errno, op string) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindErrno,
		Errno: code,
		Op:    op,
	}
}

// PathError creates a domain error tied to a path.
func PathError(phase Phase, code Errno, op, path string) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindErrno,
		Errno: code,
		Op:    op,
		Path:  path,
	}
}

// ToErrno extracts the domain code carried anywhere in err's chain.
func ToErrno(err error) (Errno, bool) {
	if err == nil {
		return 0, false
	}
	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindErrno {
		return e.Errno, true
	}
	var code Errno
	if stderrors.As(err, &code) {
		return code, true
	}
	return 0, false
}

// IsDomain reports whether err is a recoverable domain error.
func IsDomain(err error) bool {
	_, ok := ToErrno(err)
	return ok
}

// Protocol creates a fatal suspension protocol violation.
func Protocol(detail string, args ...any) *Error {
	return New(PhaseSuspend, KindProtocol).Detail(detail, args...).Build()
}

// Transport wraps a host transport failure.
func Transport(op string, cause error) *Error {
	return &Error{
		Phase: PhaseTransport,
		Kind:  KindTransport,
		Op:    op,
		Cause: cause,
	}
}

// OutOfBounds creates a guest memory access error
func OutOfBounds(phase Phase, what string, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("%s: %d bytes at offset %d out of range", what, length, offset),
		Value:  offset,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Storage wraps a durable store failure.
func Storage(op string, cause error) *Error {
	return &Error{
		Phase: PhasePersist,
		Kind:  KindStorage,
		Op:    op,
		Cause: cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, namespace, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s.%s", namespace, name),
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Trap wraps a guest trap or a fatal host function failure.
func Trap(export string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Op:     export,
		Detail: "guest trapped",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
