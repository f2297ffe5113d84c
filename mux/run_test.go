package mux

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkmux/socket"
)

// The literal scenario: a mux owning both the listening socket and the
// client descriptor echoes "CIAO" through the loopback, then the accepted
// fd's timeout ends the loop one second later.
func TestEchoThroughLoopback(t *testing.T) {
	m := newTestMux(t)

	var (
		got      []byte
		timedOut bool
	)
	connCbs := &Callbacks{}
	connCbs.OnInput = func(m *Mux, fd int, data []byte, priv interface{}) {
		got = append(got, data...)
		m.SetTimeout(fd, time.Second)
	}
	connCbs.OnTimeout = func(m *Mux, fd int, priv interface{}) {
		timedOut = true
		m.EndLoop()
	}

	ln, err := socket.Listen("tcp", "127.0.0.1:6543")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listenCbs := &Callbacks{
		OnConnection: func(m *Mux, listenFd, newFd int, priv interface{}) {
			if err := m.Add(newFd, connCbs); err != nil {
				t.Errorf("add accepted fd: %v", err)
			}
		},
	}
	if err = m.Add(ln.Fd(), listenCbs); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err = m.Listen(ln.Fd()); err != nil {
		t.Fatalf("mux listen: %v", err)
	}

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	clientFd, clientFile, err := socket.ResolveFd(client)
	if err != nil {
		t.Fatalf("resolve client fd: %v", err)
	}
	defer clientFile.Close()
	if err = m.Add(clientFd, connCbs); err != nil {
		t.Fatalf("add client fd: %v", err)
	}

	if n := m.Write(clientFd, []byte("CIAO")); n != 4 {
		t.Fatalf("Write accepted %d bytes, want 4", n)
	}

	guard := m.Schedule(5*time.Second, func(m *Mux, priv interface{}) {
		m.EndLoop()
	}, nil)
	m.Loop(0)
	m.Unschedule(guard)

	if string(got) != "CIAO" {
		t.Fatalf("received %q, want %q", got, "CIAO")
	}
	if !timedOut {
		t.Fatal("the connection timeout never fired")
	}
}

// Concurrent clients drive the accept drain; the pool stands in for real
// remote peers.
func TestAcceptDrainsBacklog(t *testing.T) {
	const clients = 4
	m := newTestMux(t)

	var received int
	connCbs := &Callbacks{}
	connCbs.OnInput = func(m *Mux, fd int, data []byte, priv interface{}) {
		received += len(data)
		if received >= clients*4 {
			m.EndLoop()
		}
	}

	ln, err := socket.Listen("tcp", "127.0.0.1:6544")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var accepted int32
	listenCbs := &Callbacks{
		OnConnection: func(m *Mux, listenFd, newFd int, priv interface{}) {
			atomic.AddInt32(&accepted, 1)
			if err := m.Add(newFd, connCbs); err != nil {
				t.Errorf("add accepted fd: %v", err)
			}
		},
	}
	if err = m.Add(ln.Fd(), listenCbs); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err = m.Listen(ln.Fd()); err != nil {
		t.Fatalf("mux listen: %v", err)
	}

	addr := ln.Addr().String()
	for i := 0; i < clients; i++ {
		if err = ants.Submit(func() {
			conn, derr := net.Dial("tcp", addr)
			if derr != nil {
				t.Errorf("dial: %v", derr)
				return
			}
			conn.Write([]byte("ping"))
			time.Sleep(100 * time.Millisecond)
			conn.Close()
		}); err != nil {
			t.Fatalf("submit client: %v", err)
		}
	}

	guard := m.Schedule(5*time.Second, func(m *Mux, priv interface{}) {
		m.EndLoop()
	}, nil)
	m.Loop(0)
	m.Unschedule(guard)

	if received != clients*4 {
		t.Fatalf("received %d bytes, want %d", received, clients*4)
	}
	if n := atomic.LoadInt32(&accepted); n != clients {
		t.Fatalf("accepted %d connections, want %d", n, clients)
	}
}

// Closing the fd from its own input callback must suppress the rest of the
// event, and nothing may fire for that fd afterwards.
func TestCloseDuringInputSkipsRemainingEvent(t *testing.T) {
	m := newTestMux(t)
	a, b := testPair(t)

	var inputs, eofs int
	cbs := &Callbacks{}
	cbs.OnInput = func(m *Mux, fd int, data []byte, priv interface{}) {
		inputs++
		m.Write(fd, []byte("reply")) // raises write interest for the same iteration
		m.Close(fd)
	}
	cbs.OnEof = func(m *Mux, fd int, priv interface{}) { eofs++ }
	if err := m.Add(a, cbs); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for inputs == 0 && time.Now().Before(deadline) {
		m.Run(50 * time.Millisecond)
	}

	// further traffic must not resurrect the closed record
	unix.Write(b, []byte("again"))
	m.Run(50 * time.Millisecond)
	m.Run(50 * time.Millisecond)

	if inputs != 1 {
		t.Fatalf("OnInput fired %d times, want 1", inputs)
	}
	if eofs != 1 {
		t.Fatalf("OnEof fired %d times, want exactly 1", eofs)
	}
	if m.conns[a] != nil {
		t.Fatal("record still present after Close")
	}
}

// Peer EOF closes the connection and fires OnEof exactly once.
func TestPeerEofClosesConnection(t *testing.T) {
	m := newTestMux(t)
	a, b := testPair(t)

	var eofs int
	cbs := &Callbacks{
		OnInput: discardInput,
		OnEof:   func(m *Mux, fd int, priv interface{}) { eofs++ },
	}
	if err := m.Add(a, cbs); err != nil {
		t.Fatalf("Add: %v", err)
	}

	unix.Shutdown(b, unix.SHUT_WR)
	deadline := time.Now().Add(3 * time.Second)
	for eofs == 0 && time.Now().Before(deadline) {
		m.Run(50 * time.Millisecond)
	}
	if eofs != 1 {
		t.Fatalf("OnEof fired %d times, want 1", eofs)
	}
	if !m.IsEmpty() {
		t.Fatal("registry should be empty after peer EOF")
	}
}

// An installed output callback fills the buffer on writability and the
// bytes reach the peer in the same iteration.
func TestOutputCallbackFillsBuffer(t *testing.T) {
	m := newTestMux(t)
	a, b := testPair(t)

	sent := false
	cbs := &Callbacks{
		OnOutput: func(m *Mux, fd int, priv interface{}) {
			if !sent {
				sent = true
				if n := m.Write(fd, []byte("pong")); n != 4 {
					t.Errorf("Write accepted %d, want 4", n)
				}
			}
		},
	}
	if err := m.Add(a, cbs); err != nil {
		t.Fatalf("Add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !sent && time.Now().Before(deadline) {
		m.Run(50 * time.Millisecond)
	}
	m.Run(50 * time.Millisecond) // let any residue flush

	buf := make([]byte, 16)
	unix.SetNonblock(b, true)
	n, err := unix.Read(b, buf)
	if err != nil || n != 4 || string(buf[:4]) != "pong" {
		t.Fatalf("peer read n=%d err=%v data=%q, want pong", n, err, buf[:4])
	}
}

// Pending output written with Write drains once the fd reports writable,
// and the peer receives exactly the buffered bytes.
func TestPendingOutputDrains(t *testing.T) {
	m := newTestMux(t)
	a, b := testPair(t)

	if err := m.Add(a, &Callbacks{OnInput: discardInput}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := m.Write(a, []byte("hello")); n != 5 {
		t.Fatalf("Write accepted %d, want 5", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for m.conns[a].pending() > 0 && time.Now().Before(deadline) {
		m.Run(50 * time.Millisecond)
	}
	if m.conns[a].pending() != 0 {
		t.Fatal("output buffer never drained")
	}

	buf := make([]byte, 16)
	unix.SetNonblock(b, true)
	n, err := unix.Read(b, buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("peer read n=%d err=%v data=%q, want hello", n, err, buf[:n])
	}
}

func TestLoopHooksAndHangup(t *testing.T) {
	m := newTestMux(t)

	var loopEnds, hangups int
	m.OnLoopEnd(func(m *Mux, priv interface{}) {
		loopEnds++
		if loopEnds >= 3 {
			m.EndLoop()
		}
	}, nil)
	m.OnHangup(func(m *Mux, priv interface{}) {
		hangups++
		Hangup.Store(false)
	}, nil)

	Hangup.Store(true)
	m.Loop(0)

	if loopEnds != 3 {
		t.Fatalf("loop-end hook fired %d times, want 3", loopEnds)
	}
	if hangups != 1 {
		t.Fatalf("hangup hook fired %d times, want 1", hangups)
	}
}

func TestCloseFlushesPendingOutput(t *testing.T) {
	m := newTestMux(t)
	a, b := testPair(t)

	if err := m.Add(a, &Callbacks{OnInput: discardInput}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n := m.Write(a, []byte("bye")); n != 3 {
		t.Fatalf("Write accepted %d, want 3", n)
	}
	m.Close(a)

	buf := make([]byte, 16)
	unix.SetNonblock(b, true)
	n, err := unix.Read(b, buf)
	if err != nil || string(buf[:n]) != "bye" {
		t.Fatalf("peer read n=%d err=%v data=%q, want bye", n, err, buf[:n])
	}
}
