// Package rpc implements the RPC dispatcher boundary: a TCP acceptor
// whose per-client handler, run as a fiber, parses length-framed
// protobuf requests (via rpcwire) and invokes registered service
// methods, publishing reachability through a coordination.Client.
package rpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nodeflow/fiberd/audit"
	"github.com/nodeflow/fiberd/coordination"
	"github.com/nodeflow/fiberd/fiber"
	"github.com/nodeflow/fiberd/ioreactor"
	"github.com/nodeflow/fiberd/metrics"
	"github.com/nodeflow/fiberd/rpcwire"
	"github.com/nodeflow/fiberd/scheduler"
)

// MethodHandler processes one call's still-encoded argument bytes and
// returns the still-encoded response bytes. Handlers work at this
// raw-bytes boundary; a caller that wants typed request/response
// messages marshals/unmarshals inside its own handler.
type MethodHandler func(args []byte) ([]byte, error)

// Service is a named collection of methods, the Go analogue of
// NotifyService's service-name -> (method-name -> descriptor) index.
type Service struct {
	Name    string
	Methods map[string]MethodHandler
}

// Dispatcher is the RPC server: it owns a listening socket driven by the
// I/O reactor, a method registry, and the coordination client used to
// publish endpoint reachability.
type Dispatcher struct {
	iom   *ioreactor.IOManager
	coord coordination.Client

	services map[string]*Service

	breaker       *overloadBreaker
	acceptLimiter *rate.Limiter
	auditLog      audit.Log

	listenFD int
	addr     string
}

// NewDispatcher creates a Dispatcher atop an already-started IOManager
// and a coordination client used for endpoint registration. Calls are
// audited to an in-memory audit.MemoryLog until SetAuditLog installs
// another sink.
func NewDispatcher(iom *ioreactor.IOManager, coord coordination.Client) *Dispatcher {
	return &Dispatcher{
		iom:           iom,
		coord:         coord,
		services:      make(map[string]*Service),
		breaker:       newOverloadBreaker(1000),
		acceptLimiter: rate.NewLimiter(rate.Limit(2000), 200),
		auditLog:      audit.NewMemoryLog(),
		listenFD:      -1,
	}
}

// SetAuditLog replaces the dispatcher's call-audit sink (by default an
// in-memory log kept only for the process lifetime; it keeps every
// record and is never trimmed).
func (d *Dispatcher) SetAuditLog(l audit.Log) { d.auditLog = l }

// NotifyService registers service under name, making its methods
// reachable once Run starts accepting connections.
func (d *Dispatcher) NotifyService(name string, methods map[string]MethodHandler) {
	d.services[name] = &Service{Name: name, Methods: methods}
}

func listenTCP(address string) (int, string, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, "", fmt.Errorf("rpc: resolve %q: %w", address, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("rpc: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("rpc: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = tcpAddr.Port
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("rpc: bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("rpc: listen: %w", err)
	}

	boundAddr, err := localSockName(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", err
	}
	return fd, boundAddr, nil
}

func localSockName(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("rpc: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("rpc: unexpected sockaddr type %T", sa)
	}
	ip := net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3])
	return fmt.Sprintf("%s:%d", ip.String(), in4.Port), nil
}

// Run binds address, registers every notified service's methods in the
// coordination service at this address, then spawns the accept loop as
// a fiber on the reactor's scheduler. Run returns once the listener is
// bound and registrations are published; the accept loop itself runs in
// the background until the IOManager is stopped.
func (d *Dispatcher) Run(address string) error {
	fd, boundAddr, err := listenTCP(address)
	if err != nil {
		return err
	}
	d.listenFD = fd
	d.addr = boundAddr

	ctx := context.Background()
	for name, svc := range d.services {
		if err := d.coord.RegisterService(name); err != nil {
			return fmt.Errorf("rpc: register service %s: %w", name, err)
		}
		for method := range svc.Methods {
			if err := d.coord.RegisterMethod(ctx, name, method, boundAddr); err != nil {
				return fmt.Errorf("rpc: register method %s/%s: %w", name, method, err)
			}
		}
	}

	var acceptFiber *fiber.Fiber
	acceptFiber = fiber.New(func() { d.acceptLoop(acceptFiber) }, 0, true)
	d.iom.Scheduler().Schedule(acceptFiber, scheduler.AnyThread)

	return nil
}

// Addr returns the address Run actually bound to (useful when address
// was passed with an ephemeral port of 0).
func (d *Dispatcher) Addr() string { return d.addr }

// Shutdown closes the listening socket and wakes the accept fiber so it
// can observe the closure and terminate. In-flight connection fibers are
// left to finish on their own; the IOManager's Stop drains them.
func (d *Dispatcher) Shutdown() {
	if d.listenFD < 0 {
		return
	}
	unix.Close(d.listenFD)
	d.iom.CancelAll(d.listenFD)
	d.listenFD = -1
}

func (d *Dispatcher) acceptLoop(self *fiber.Fiber) {
	for {
		if err := d.acceptLimiter.Wait(context.Background()); err != nil {
			log.Printf("rpc: accept limiter: %v", err)
			return
		}

		connFD, _, err := unix.Accept4(d.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if awaitErr := d.iom.AwaitReadable(self, d.listenFD); awaitErr != nil {
					log.Printf("rpc: accept await: %v", awaitErr)
					return
				}
				continue
			}
			log.Printf("rpc: accept: %v", err)
			return
		}

		numWorkers := len(d.iom.Scheduler().WorkerThreadIDs())
		saturation := 0.0
		if numWorkers > 0 {
			saturation = float64(d.iom.Scheduler().ActiveCount()) / float64(numWorkers)
		}
		queueDepth := d.iom.Scheduler().QueueLen()
		if !d.breaker.admit(queueDepth, saturation) {
			unix.Close(connFD)
			continue
		}

		var connFiber *fiber.Fiber
		connFiber = fiber.New(func() { d.handleConn(connFiber, connFD) }, 0, true)
		d.iom.Scheduler().Schedule(connFiber, scheduler.AnyThread)
	}
}

// handleConn implements the per-connection processing loop: read a
// frame, look up service+method, invoke, write the response, repeat
// until the socket errors or the peer closes it. Lookup failures and
// handler errors are logged and processing continues with the next
// frame, with no response written for the failed one. Any error from
// rpcwire.ReadFrame ends the loop without logging: a socket error, the
// peer closing, and a malformed frame (bad sizes or an unparsable
// header) all close the connection.
func (d *Dispatcher) handleConn(self *fiber.Fiber, fd int) {
	conn := newFiberConn(d.iom, self, fd)
	defer conn.Close()

	peerAddr := "unknown"
	if sa, err := unix.Getpeername(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			peerAddr = fmt.Sprintf("%s:%d", net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3]), in4.Port)
		}
	}

	for {
		frame, err := rpcwire.ReadFrame(conn)
		if err != nil {
			return // connection closed or socket error: stop the loop
		}

		rec := audit.CallRecord{
			Service:   frame.Header.ServiceName,
			Method:    frame.Header.MethodName,
			PeerAddr:  peerAddr,
			ArgsSize:  len(frame.Args),
			StartedAt: time.Now(),
		}

		svc, ok := d.services[frame.Header.ServiceName]
		if !ok {
			log.Printf("rpc: unknown service %q", frame.Header.ServiceName)
			metrics.RPCRequestsTotal.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "unknown_service").Inc()
			rec.Outcome = "unknown_service"
			d.auditLog.Record(context.Background(), rec)
			continue
		}
		handler, ok := svc.Methods[frame.Header.MethodName]
		if !ok {
			log.Printf("rpc: unknown method %s/%s", frame.Header.ServiceName, frame.Header.MethodName)
			metrics.RPCRequestsTotal.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "unknown_method").Inc()
			rec.Outcome = "unknown_method"
			d.auditLog.Record(context.Background(), rec)
			continue
		}

		start := time.Now()
		resp, err := handler(frame.Args)
		elapsed := time.Since(start)
		rec.Duration = elapsed
		if err != nil {
			log.Printf("rpc: %s/%s handler error: %v", frame.Header.ServiceName, frame.Header.MethodName, err)
			d.breaker.recordFailure()
			metrics.RPCCallDuration.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "error").Observe(elapsed.Seconds())
			metrics.RPCRequestsTotal.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "error").Inc()
			rec.Outcome = "error"
			rec.Error = err.Error()
			d.auditLog.Record(context.Background(), rec)
			continue
		}
		d.breaker.recordSuccess()
		metrics.RPCCallDuration.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "ok").Observe(elapsed.Seconds())
		metrics.RPCRequestsTotal.WithLabelValues(frame.Header.ServiceName, frame.Header.MethodName, "ok").Inc()
		rec.Outcome = "ok"
		rec.RespSize = len(resp)
		d.auditLog.Record(context.Background(), rec)

		respHeader := rpcwire.Header{ServiceName: frame.Header.ServiceName, MethodName: frame.Header.MethodName}
		if err := rpcwire.WriteFrame(conn, respHeader, resp); err != nil {
			return // write failure: terminate the connection
		}
	}
}
