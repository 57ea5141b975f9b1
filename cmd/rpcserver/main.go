// Command rpcserver boots the fiber/reactor substrate, publishes an Echo
// service through the coordination service, and serves the operator
// dashboard and Prometheus endpoint over plain HTTP. config.Load parses
// "-i <config>"; main wires the rest by hand.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodeflow/fiberd/config"
	"github.com/nodeflow/fiberd/coordination"
	"github.com/nodeflow/fiberd/ioreactor"
	"github.com/nodeflow/fiberd/live"
	"github.com/nodeflow/fiberd/rpc"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("rpcserver: %v", err)
	}

	coord, err := coordination.DialZK([]string{cfg.ZookeeperAddr()}, 5*time.Second)
	if err != nil {
		log.Fatalf("rpcserver: coordination: %v", err)
	}
	defer coord.Close()

	iom, err := ioreactor.New(4, false, "rpcserver")
	if err != nil {
		log.Fatalf("rpcserver: ioreactor.New: %v", err)
	}
	defer iom.Stop()

	dispatcher := rpc.NewDispatcher(iom, coord)
	dispatcher.NotifyService("Echo", map[string]rpc.MethodHandler{
		"Ping": func(args []byte) ([]byte, error) { return args, nil },
	})

	if err := dispatcher.Run(cfg.RPCServerAddr()); err != nil {
		log.Fatalf("rpcserver: %v", err)
	}
	log.Printf("rpcserver: Echo service listening on %s", dispatcher.Addr())

	hub := live.NewHub(iom)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/dashboard", hub)

	httpSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rpcserver: http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("rpcserver: shutting down")
	httpSrv.Shutdown(context.Background())
	dispatcher.Shutdown()
}
