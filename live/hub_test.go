package live

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodeflow/fiberd/ioreactor"
)

func startTestHub(t *testing.T, name string) (*Hub, string) {
	t.Helper()
	iom, err := ioreactor.New(1, false, name)
	if err != nil {
		t.Fatalf("ioreactor.New: %v", err)
	}
	t.Cleanup(iom.Stop)

	hub := NewHub(iom)
	hub.period = 20 * time.Millisecond
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestHubStreamsInitialSnapshot: a fresh client gets a snapshot
// immediately on connect, without waiting out the first period.
func TestHubStreamsInitialSnapshot(t *testing.T) {
	hub, wsURL := startTestHub(t, "live-test")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if snap.WorkerCount != 1 {
		t.Fatalf("snapshot.WorkerCount = %d, want 1", snap.WorkerCount)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", hub.ClientCount())
	}
}

// TestHubCloseDisconnectsClients: Close sends a going-away frame and
// tears the connection down.
func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, wsURL := startTestHub(t, "live-test-2")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snap Snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 10; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // close frame or dropped connection observed
		}
	}
	t.Fatal("connection stayed readable after hub close")
}

// TestHubRejectsBeyondCapacity: once maxClients streams are active, the
// next request is refused before the upgrade.
func TestHubRejectsBeyondCapacity(t *testing.T) {
	hub, wsURL := startTestHub(t, "live-test-3")
	hub.maxClients = 1

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	var snap Snapshot
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := first.ReadJSON(&snap); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}

	if second, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		second.Close()
		t.Fatal("second dial succeeded past a full hub")
	}
}
