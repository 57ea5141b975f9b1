package rpc

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/ioreactor"
)

// fiberConn adapts a raw, non-blocking socket fd into io.Reader/io.Writer
// by suspending self on the reactor whenever the syscall returns EAGAIN,
// implementing the "fiber re-registers itself, suspends, and is revived
// by the reactor" pattern the whole substrate is built around.
type fiberConn struct {
	iom  *ioreactor.IOManager
	self *fiber.Fiber
	fd   int
}

func newFiberConn(iom *ioreactor.IOManager, self *fiber.Fiber, fd int) *fiberConn {
	return &fiberConn{iom: iom, self: self, fd: fd}
}

// Read implements io.Reader. A zero-byte, nil-error return signals EOF
// to callers the same way io.Reader's contract requires: the fiber
// itself observes socket closure (n == 0, err == nil from the syscall)
// and translates it into io.EOF, which unwinds rpcwire.ReadFrame and in
// turn the connection-handling loop.
func (c *fiberConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if awaitErr := c.iom.AwaitReadable(c.self, c.fd); awaitErr != nil {
				return 0, awaitErr
			}
			continue
		}
		return 0, err
	}
}

// Write implements io.Writer, suspending on EAGAIN the same way Read
// does, retrying until the full buffer is accepted by the kernel.
func (c *fiberConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err == nil {
			total += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if awaitErr := c.iom.AwaitWritable(c.self, c.fd); awaitErr != nil {
				return total, awaitErr
			}
			continue
		}
		return total, err
	}
	return total, nil
}

func (c *fiberConn) Close() error {
	return unix.Close(c.fd)
}
