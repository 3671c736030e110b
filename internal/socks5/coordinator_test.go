package socks5

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recordBridge records the callback sequence for assertions.
type recordBridge struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordBridge) OnUpReady()      { b.record("ready") }
func (b *recordBridge) OnUpReadyError() { b.record("readyError") }
func (b *recordBridge) OnUpEnd()        { b.record("end") }
func (b *recordBridge) OnError(err error) {
	b.record("error:" + err.Error())
}

func (b *recordBridge) record(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, s)
}

func (b *recordBridge) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newTestCoordinator(conn net.Conn, bridge Bridge) *Coordinator {
	return NewCoordinator(&HandshakeContext{
		UpstreamConn: conn,
		TargetHost:   "1.2.3.4",
		TargetPort:   80,
	}, bridge)
}

func TestCoordinatorReadyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	result := runScript(serverConn, []scriptStep{
		{expect: []byte{0x05, 0x01, 0x00}, reply: []byte{0x05, 0x00}},
		{
			expect: []byte{0x05, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x50},
			reply:  connectOKReply,
		},
	})

	bridge := &recordBridge{}
	newTestCoordinator(clientConn, bridge).Start()
	checkScript(t, result)

	got := bridge.snapshot()
	if len(got) != 2 || got[0] != "ready" || got[1] != "end" {
		t.Errorf("expected [ready end], got %v", got)
	}
}

func TestCoordinatorErrorPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	runScript(serverConn, []scriptStep{
		{expect: []byte{0x05, 0x01, 0x00}, reply: []byte{0x05, 0x02}},
	})

	bridge := &recordBridge{}
	newTestCoordinator(clientConn, bridge).Start()

	got := bridge.snapshot()
	if len(got) != 1 || got[0] != "error:socks5_handshake_read (we cannot auth)" {
		t.Errorf("expected single OnError, got %v", got)
	}
}

func TestCoordinatorMalformedReplyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	runScript(serverConn, []scriptStep{
		{expect: []byte{0x05, 0x01, 0x00}, reply: []byte{0x05, 0x00}},
		{
			expect: []byte{0x05, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x50},
			reply:  []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		},
	})

	bridge := &recordBridge{}
	newTestCoordinator(clientConn, bridge).Start()

	got := bridge.snapshot()
	if len(got) != 2 || got[0] != "readyError" || got[1] != "end" {
		t.Errorf("expected [readyError end], got %v", got)
	}
}

func TestCoordinatorDetachDropsCallbacks(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	result := runScript(serverConn, []scriptStep{
		{expect: []byte{0x05, 0x01, 0x00}, reply: []byte{0x05, 0x00}},
		{
			expect: []byte{0x05, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x50},
			reply:  connectOKReply,
		},
	})

	bridge := &recordBridge{}
	coord := newTestCoordinator(clientConn, bridge)
	coord.Detach()

	done := make(chan struct{})
	go func() {
		coord.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not finish")
	}
	checkScript(t, result)

	if got := bridge.snapshot(); len(got) != 0 {
		t.Errorf("detached coordinator must drop callbacks, got %v", got)
	}
}
