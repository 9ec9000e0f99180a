// Package errors provides structured error types for the wasm kernel.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Domain errors carry an Errno, the POSIX-style code the guest sees negated as a
// syscall result. Everything that is not a domain error is fatal to the guest.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLookup, errors.KindErrno).
//		Errno(errors.ENOENT).
//		Op("open").
//		Path("/tmp/missing").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.PathError(errors.PhaseNode, errors.ENOTDIR, "mkdir", "/tmp/file/x")
//	err := errors.Protocol("nested unwind while %s", state)
//
// Extract the code at the guest boundary:
//
//	if code, ok := errors.ToErrno(err); ok {
//		return code.Negated()
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
