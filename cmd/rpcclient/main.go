// Command rpcclient calls a method on a service published through the
// coordination service: resolve `/<service>/<method>` to "host:port",
// dial, exchange one framed request/response, print the reply. It is the
// client-side counterpart of cmd/rpcserver, wired through rpc.Channel
// and rpc.Controller.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nodeflow/fiberd/config"
	"github.com/nodeflow/fiberd/coordination"
	"github.com/nodeflow/fiberd/rpc"
)

func main() {
	cfgPath := flag.String("i", "", "path to the key=value config file")
	service := flag.String("s", "Echo", "service name")
	method := flag.String("m", "Ping", "method name")
	data := flag.String("d", "hello", "string payload to send")
	flag.Parse()

	if *cfgPath == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -i <config-file> [-s service] [-m method] [-d data]\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Fatalf("rpcclient: %v", err)
	}

	coord, err := coordination.DialZK([]string{cfg.ZookeeperAddr()}, 5*time.Second)
	if err != nil {
		log.Fatalf("rpcclient: coordination: %v", err)
	}
	defer coord.Close()

	channel := rpc.NewChannel(coord)
	controller := &rpc.Controller{}

	resp, err := channel.CallMethod(*service, *method, encodeStringArg(*data), controller)
	if controller.Failed() {
		log.Fatalf("rpcclient: call failed: %s", controller.ErrorText())
	}
	if err != nil {
		log.Fatalf("rpcclient: %v", err)
	}

	reply, err := decodeStringArg(resp)
	if err != nil {
		log.Fatalf("rpcclient: decoding response: %v", err)
	}
	fmt.Println(reply)
}

// encodeStringArg builds the bytes of a single-string-field protobuf
// message, the request shape the Echo service's Ping method expects.
func encodeStringArg(s string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func decodeStringArg(b []byte) (string, error) {
	num, _, n := protowire.ConsumeTag(b)
	if n < 0 || num != 1 {
		return "", fmt.Errorf("unexpected response encoding")
	}
	s, n2 := protowire.ConsumeString(b[n:])
	if n2 < 0 {
		return "", fmt.Errorf("bad string field")
	}
	return s, nil
}
