// Command echoserver is a fiber-based echo server: bind a TCP port, and
// for each accepted connection read up to 4096 bytes and write them
// straight back before closing. It exercises the fiber/reactor substrate
// directly, without the RPC framing layer.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"golang.org/x/sys/unix"

	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/ioreactor"
	"github.com/nodeflow/fiberd/scheduler"
)

const maxMessageSize = 4096

func main() {
	addr := flag.String("addr", "0.0.0.0:12345", "address to listen on")
	workers := flag.Int("workers", 4, "number of worker threads")
	flag.Parse()

	iom, err := ioreactor.New(*workers, true, "echoserver")
	if err != nil {
		log.Fatalf("echoserver: ioreactor.New: %v", err)
	}

	listenFD, boundAddr, err := listenTCP(*addr)
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}
	log.Printf("echoserver: listening on %s", boundAddr)

	var acceptFiber *fiber.Fiber
	acceptFiber = fiber.New(func() { acceptLoop(iom, acceptFiber, listenFD) }, 0, true)
	iom.Scheduler().Schedule(acceptFiber, scheduler.AnyThread)

	// The main thread was registered as a worker (useCaller); Stop runs
	// its dispatch loop here, and with the listener's READ event always
	// armed the reactor never quiesces, so the process serves until killed.
	iom.Stop()
}

func listenTCP(address string) (int, string, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", err
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("echoserver: resolve %q: %w", address, err)
	}

	var sa unix.SockaddrInet4
	sa.Port = tcpAddr.Port
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, "", err
	}

	sn, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	in4, ok := sn.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, "", fmt.Errorf("echoserver: unexpected sockaddr type %T", sn)
	}
	ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
	return fd, fmt.Sprintf("%s:%d", ip, in4.Port), nil
}

func acceptLoop(iom *ioreactor.IOManager, self *fiber.Fiber, listenFD int) {
	for {
		connFD, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if awaitErr := iom.AwaitReadable(self, listenFD); awaitErr != nil {
					log.Printf("echoserver: accept await: %v", awaitErr)
					return
				}
				continue
			}
			log.Printf("echoserver: accept: %v", err)
			return
		}

		var connFiber *fiber.Fiber
		connFiber = fiber.New(func() { handleEcho(iom, connFiber, connFD) }, 0, true)
		iom.Scheduler().Schedule(connFiber, scheduler.AnyThread)
	}
}

func handleEcho(iom *ioreactor.IOManager, self *fiber.Fiber, fd int) {
	defer unix.Close(fd)

	var buf [maxMessageSize]byte
	n, err := readOnce(iom, self, fd, buf[:])
	if err != nil || n == 0 {
		return
	}
	writeAll(iom, self, fd, buf[:n])
}

func readOnce(iom *ioreactor.IOManager, self *fiber.Fiber, fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if awaitErr := iom.AwaitReadable(self, fd); awaitErr != nil {
				return 0, awaitErr
			}
			continue
		}
		return 0, err
	}
}

func writeAll(iom *ioreactor.IOManager, self *fiber.Fiber, fd int, p []byte) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(fd, p[total:])
		if err == nil {
			total += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if awaitErr := iom.AwaitWritable(self, fd); awaitErr != nil {
				return
			}
			continue
		}
		return
	}
}
