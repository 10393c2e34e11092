package helperbot

import (
	"net"
	"strings"
	"testing"
	"time"

	mmqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// startMochi starts an in-process mochi-mqtt broker on an ephemeral port for
// HelperBot to dial against, mirroring the teacher's embedded-broker test
// helper.
func startMochi(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot get free port: %v", err)
	}
	addr = ln.Addr().String()
	_ = ln.Close()

	server := mmqtt.New(nil)
	_ = server.AddHook(new(auth.AllowHook), nil)

	port := addr[strings.LastIndex(addr, ":")+1:]
	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: ":" + port})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	go func() { _ = server.Serve() }()
	time.Sleep(100 * time.Millisecond)

	return addr, func() { _ = server.Close() }
}
