// Package live serves the operator dashboard: every WebSocket client
// receives a periodic JSON snapshot of the scheduler and I/O reactor's
// state. There is no central broadcaster; each connection is streamed by
// the goroutine already serving its HTTP request, so a stalled client
// never delays the others, and snapshots identical to the previous send
// are suppressed to keep idle dashboards quiet on the wire.
package live

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodeflow/fiberd/ioreactor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is one observation of the scheduler and reactor counters,
// sent to dashboard clients as JSON.
type Snapshot struct {
	QueueDepth        int   `json:"queue_depth"`
	ActiveWorkers     int   `json:"active_workers"`
	IdleWorkers       int   `json:"idle_workers"`
	WorkerCount       int   `json:"worker_count"`
	OutstandingEvents int   `json:"outstanding_events"`
	NextTimerMS       int64 `json:"next_timer_ms"`
}

// Hub hands each dashboard connection its own snapshot stream.
type Hub struct {
	iom        *ioreactor.IOManager
	period     time.Duration
	maxClients int32

	clients int32 // atomic

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHub creates a Hub reporting on iom's scheduler and reactor.
func NewHub(iom *ioreactor.IOManager) *Hub {
	return &Hub{
		iom:        iom,
		period:     time.Second,
		maxClients: 64,
		closed:     make(chan struct{}),
	}
}

// Snapshot samples the scheduler and reactor counters.
func (h *Hub) Snapshot() Snapshot {
	sched := h.iom.Scheduler()
	return Snapshot{
		QueueDepth:        sched.QueueLen(),
		ActiveWorkers:     sched.ActiveCount(),
		IdleWorkers:       sched.IdleCount(),
		WorkerCount:       len(sched.WorkerThreadIDs()),
		OutstandingEvents: h.iom.Outstanding(),
		NextTimerMS:       h.iom.Timers().NextTimeout(),
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int { return int(atomic.LoadInt32(&h.clients)) }

// Close disconnects every streaming client and refuses new connections.
func (h *Hub) Close() { h.closeOnce.Do(func() { close(h.closed) }) }

// ServeHTTP upgrades the request and streams snapshots until the client
// disconnects or the hub closes. The capacity check happens before the
// upgrade, so a full hub answers with a plain 503 instead of accepting
// and dropping the socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.closed:
		http.Error(w, "dashboard shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if atomic.LoadInt32(&h.clients) >= h.maxClients {
		http.Error(w, "dashboard at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade failed: %v", err)
		return
	}
	atomic.AddInt32(&h.clients, 1)
	defer atomic.AddInt32(&h.clients, -1)
	defer conn.Close()

	h.stream(conn)
}

// stream writes one snapshot immediately so a fresh dashboard renders
// without waiting out the first period, then one per tick whenever the
// state has changed since the last send.
func (h *Hub) stream(conn *websocket.Conn) {
	last := h.Snapshot()
	conn.SetWriteDeadline(time.Now().Add(h.period))
	if err := conn.WriteJSON(last); err != nil {
		return
	}

	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-h.closed:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
			snap := h.Snapshot()
			if snap == last {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.period))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
			last = snap
		}
	}
}
