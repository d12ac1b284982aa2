package proc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollTimeout bounds a single poll so the loop notices the process group is
// gone while a process outside of it keeps a pty open.
const pollTimeout = 100 // ms

type stream struct {
	master  *os.File
	slave   *os.File
	sink    io.Writer
	echo    io.Writer
	partial []byte
	fd      int
}

// fanIn multiplexes the pty masters of one child on a single goroutine.
type fanIn struct {
	streams []*stream
	pgid    int
	exited  atomic.Bool
}

func newFanIn(streams ...stream) *fanIn {
	f := &fanIn{}
	for i := range streams {
		s := streams[i]
		s.fd = int(s.master.Fd())
		f.streams = append(f.streams, &s)
	}
	return f
}

// closeSlaves drops the parent's copies of the slave ends, so a read on a
// master fails with EIO once the last child holding it exits.
func (f *fanIn) closeSlaves() {
	for _, s := range f.streams {
		_ = s.slave.Close()
	}
}

// abandon releases every fd when the child never started.
func (f *fanIn) abandon() {
	for _, s := range f.streams {
		_ = s.slave.Close()
		_ = s.master.Close()
	}
}

// loop reads only the masters reported ready, emits complete lines and
// keeps partial ones until more data or end of stream arrives. It returns
// once every stream reached end of stream, or the child exited, no process
// of its group is left and nothing is ready to read.
func (f *fanIn) loop(ctx context.Context) {
	live := append([]*stream(nil), f.streams...)
	buf := make([]byte, 4096)

	for len(live) > 0 {
		fds := make([]unix.PollFd, len(live))
		for i, s := range live {
			fds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
		}
		n, err := unix.Poll(fds, pollTimeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "polling pty", "error", err)
			break
		}
		if n == 0 {
			if f.exited.Load() && !groupAlive(f.pgid) {
				break
			}
			continue
		}

		next := live[:0:0]
		for i, s := range live {
			if fds[i].Revents == 0 {
				next = append(next, s)
				continue
			}
			if f.read(ctx, s, buf) {
				next = append(next, s)
			}
		}
		live = next
	}

	for _, s := range f.streams {
		s.flush()
		_ = s.master.Close()
	}
}

func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// read consumes whatever is ready on s, it returns false on end of stream.
func (f *fanIn) read(ctx context.Context, s *stream, buf []byte) bool {
	n, err := unix.Read(s.fd, buf)
	if n > 0 {
		s.write(buf[:n])
	}
	switch {
	case err == nil && n == 0:
		return false
	case errors.Is(err, unix.EIO):
		// slave side closed
		return false
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return true
	case err != nil:
		slog.DebugContext(ctx, "reading pty", "error", err)
		return false
	}
	return true
}

func (s *stream) write(data []byte) {
	s.partial = append(s.partial, data...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimSuffix(s.partial[:i], []byte{'\r'})
		out := make([]byte, 0, len(line)+1)
		s.emit(append(append(out, line...), '\n'))
		s.partial = s.partial[i+1:]
	}
}

func (s *stream) flush() {
	if len(s.partial) == 0 {
		return
	}
	s.emit(s.partial)
	s.partial = nil
}

func (s *stream) emit(line []byte) {
	_, _ = s.echo.Write(line)
	_, _ = s.sink.Write(line)
}
