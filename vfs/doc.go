// Package vfs is the virtual filesystem a sandboxed guest sees as its kernel.
//
// An FS owns the node arena, the (parent, name) index, the mount table, the
// descriptor table and the character device registry of one process:
//
//	fs := vfs.New(vfs.Options{Executor: loop})
//	fs.Mount(memfs.New(memfs.Options{}), nil, "/")
//	fs.MkdirTree("/home/web_user", 0)
//	s, err := fs.Open("/tmp/out", vfs.O_WRONLY|vfs.O_CREAT, 0o644)
//
// # Backends
//
// Storage backends implement Backend and bind a NodeOps and StreamOps table to
// every node they create. Backends embed BaseNodeOps and BaseStreamOps so that
// missing capabilities fail with the conventional errno:
//
//	memfs     ephemeral files and directories
//	durablefs memfs reconciled against a bbolt store
//	pipefs    bucketed FIFO buffers
//	sockfs    stream and datagram sockets over a pluggable transport
//	ttyfs     line-buffered terminals
//	devfs     null, zero, random and the /dev tree
//	procfs    /proc/self/fd
//
// # Errors
//
// Every recoverable failure is an *errors.Error of kind errno; use
// errors.ToErrno to extract the code.
//
// # Concurrency
//
// FS is single threaded. Host events such as transport callbacks are posted
// through the Executor so they run on the guest goroutine. Backends call
// NotifyReady when a stream may have become ready so pollers can re-check.
package vfs
