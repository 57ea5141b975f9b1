// Package fdmanager implements the process-wide FdCtx registry: a
// singleton, index-addressable table of per-descriptor metadata (socket
// or not, system vs. user nonblocking intent, send/recv timeouts) probed
// once per fd and consulted by blocking-emulation primitives built on top
// of the I/O reactor.
package fdmanager

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FdCtx holds everything known about one file descriptor.
type FdCtx struct {
	mu sync.Mutex

	fd           int
	initialized  bool
	isSocket     bool
	sysNonBlock  bool // forced at the system level for sockets
	userNonBlock bool // the caller's own stated intent
	closed       bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// Fd returns the underlying descriptor.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether init's probe classified this fd as a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// UserNonBlock reports the caller's stated blocking intent, independent
// of the system-level setting init may have forced.
func (c *FdCtx) UserNonBlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonBlock
}

// SetUserNonBlock records the caller's intent without touching the
// system-level flag.
func (c *FdCtx) SetUserNonBlock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonBlock = v
}

// RecvTimeout and SendTimeout report the configured emulated-blocking
// timeouts; zero means "wait forever".
func (c *FdCtx) RecvTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTimeout
}

func (c *FdCtx) SendTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendTimeout
}

// SetRecvTimeout and SetSendTimeout configure the emulated-blocking
// timeouts consulted by recv/send helpers layered on the reactor.
func (c *FdCtx) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvTimeout = d
}

func (c *FdCtx) SetSendTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTimeout = d
}

// Closed reports whether Del has already been called for this fd.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FdCtx) initOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}
	c.initialized = true

	_, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_TYPE)
	c.isSocket = err == nil
	if c.isSocket {
		if err := unix.SetNonblock(c.fd, true); err == nil {
			c.sysNonBlock = true
		}
	}
}

// Manager is the process-wide FdCtx registry, analogous to a singleton
// with a lazily-growing backing slice guarded by a read-write lock; the
// per-fd mutex inside FdCtx keeps individual probe/update sequences
// serialized without serializing the whole table.
type Manager struct {
	mu   sync.RWMutex
	ctxs []*FdCtx
}

// New creates an empty FD manager.
func New() *Manager {
	return &Manager{ctxs: make([]*FdCtx, 16)}
}

// Default is the process-wide registry; it lives for the whole program.
var Default = New()

func (m *Manager) ensureCapacity(fd int) {
	m.mu.RLock()
	ok := fd < len(m.ctxs)
	m.mu.RUnlock()
	if ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < len(m.ctxs) {
		return
	}
	newLen := int(float64(fd+1) * 1.5)
	grown := make([]*FdCtx, newLen)
	copy(grown, m.ctxs)
	m.ctxs = grown
}

// Get returns the FdCtx for fd, creating and probing it on first access
// when autoCreate is true. Returns nil if autoCreate is false and the
// slot is empty.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}

	if autoCreate {
		m.ensureCapacity(fd)
	}

	m.mu.RLock()
	inRange := fd < len(m.ctxs)
	var ctx *FdCtx
	if inRange {
		ctx = m.ctxs[fd]
	}
	m.mu.RUnlock()

	if !inRange {
		return nil
	}
	if ctx != nil {
		return ctx
	}
	if !autoCreate {
		return nil
	}

	m.mu.Lock()
	if m.ctxs[fd] == nil {
		m.ctxs[fd] = &FdCtx{fd: fd}
	}
	ctx = m.ctxs[fd]
	m.mu.Unlock()

	ctx.initOnce()
	return ctx
}

// Del clears fd's slot. The FdCtx that occupied it (if any) is marked
// closed but otherwise left intact for any holder still referencing it
// directly.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.ctxs) {
		return
	}
	if ctx := m.ctxs[fd]; ctx != nil {
		ctx.mu.Lock()
		ctx.closed = true
		ctx.mu.Unlock()
	}
	m.ctxs[fd] = nil
}
