//go:build unix

package worker

import (
	"os"

	"golang.org/x/sys/unix"
)

func mkfifo(path string) error {
	return unix.Mkfifo(path, 0o600)
}

// openPipeRead opens the handshake FIFO for reading. The open blocks
// until the child opens its write end, so callers run it on its own
// goroutine concurrently with spawning the child.
func openPipeRead(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
}

// openPipeWrite reopens the handshake FIFO once the child has closed its
// write end (signalling socket readiness). It is opened O_RDWR rather
// than O_WRONLY: a FIFO opened write-only blocks until a reader attaches,
// and nothing will read this side again, whereas Linux does not block an
// O_RDWR open even with no reader present.
func openPipeWrite(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, os.ModeNamedPipe)
}
