package ioreactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is the internal {READ, WRITE} readiness bitmask, independent of
// the kernel's own epoll flag encoding.
type Event uint32

const (
	EventRead  Event = 1 << 0
	EventWrite Event = 1 << 1
)

func (e Event) String() string {
	switch e {
	case 0:
		return "none"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return fmt.Sprintf("Event(%d)", uint32(e))
	}
}

// multiplexor wraps the edge-triggered epoll instance. Kept as a thin,
// direct syscall layer (the same role gaio's poller_linux.go plays in the
// retrieved corpus) so IOManager stays portable to any future multiplexor
// backend.
type multiplexor struct {
	epfd int
}

func newMultiplexor() (*multiplexor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioreactor: epoll_create1: %w", err)
	}
	return &multiplexor{epfd: fd}, nil
}

func toEpollMask(e Event) uint32 {
	var m uint32 = unix.EPOLLET
	if e&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

// splitEpollMask converts a raw kernel event mask into the internal
// {READ, WRITE} events actually reported, and whether an error/hangup was
// reported. The error-or-hangup case is handled by the caller: it wakes
// whichever direction(s) are currently armed on the fd, since an erroring
// fd should unblock any waiter regardless of which half raised it.
func splitEpollMask(m uint32) (events Event, errOrHup bool) {
	if m&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if m&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	errOrHup = m&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	return events, errOrHup
}

// add registers fd for events. The fd value itself is stored in the
// kernel event's data slot; the IOManager recovers the FdContext by
// table lookup rather than by carrying a pointer through the kernel.
func (m *multiplexor) add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (m *multiplexor) modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (m *multiplexor) del(fd int) error {
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks up to timeoutMS (negative = forever) and returns ready
// (fd, kernel-event-mask) pairs. EINTR is retried by the caller.
func (m *multiplexor) wait(buf []unix.EpollEvent, timeoutMS int) (int, error) {
	return unix.EpollWait(m.epfd, buf, timeoutMS)
}

func (m *multiplexor) close() error {
	return unix.Close(m.epfd)
}
