// Package proc runs a single child process as the leader of its own
// session and supervises it until exit.
//
// Stream wiring
//
//   - default: stdin, stdout and stderr of the child are wired straight to
//     the provided readers and writers
//   - verbose: stdout and stderr each get their own pty, so the child sees a
//     terminal and line buffers. One goroutine polls both masters, reads
//     only the ready ones and forwards complete lines to the echo writer
//     and the sink. Partial lines are held back until completed or until
//     the stream ends.
//
// Cancellation
//
// Runner.Cancel, or cancellation of the context given to Run, resolves the
// child's process group and signals the whole group with SIGTERM, so
// grandchildren started by a shell wrapper die too. SIGKILL follows after
// Runner.Grace. Run then reports ErrAborted, which is never confused with a
// non-zero exit code. Output read before the abort is still delivered.
package proc
