// Package engine runs a single-threaded guest that blocks on asynchronous
// host events.
//
// # Event loop
//
// Loop owns the goroutine that runs the guest, the filesystem and every
// backend. Host goroutines (network readers, durable store passes, FUSE
// requests) hand work back with Post or Do; timers fire through AfterFunc.
//
// # Suspension
//
// A guest compiled with wasm-opt --asyncify can save and restore its own call
// stack. Suspender uses this to make host operations that complete later look
// like ordinary blocking calls:
//
//	Normal ──HandleSleep, no result yet──▶ Unwinding
//	Unwinding ──export returns, call stack empty──▶ Normal (keep-alive +1)
//	Normal ──wakeUp(v)──▶ Rewinding, export replayed with its arguments
//	Rewinding ──HandleSleep reached again, returns v──▶ Normal (keep-alive -1)
//
// If the operation completes while HandleSleep is still running no state
// change happens and the value is returned directly. Only one cycle may be in
// flight; a second blocking call during a cycle is a protocol violation, moves
// the suspender to StateDisabled and fails the export.
//
// Asyncify binds the asyncify_* exports and the data region holding the saved
// stack.
package engine
