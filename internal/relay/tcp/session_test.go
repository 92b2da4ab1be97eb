package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// tcpPair returns two ends of a real loopback TCP connection, so both
// halves support CloseWrite/SetDeadline exactly like a gonet.TCPConn would.
func tcpPair(t *testing.T) (a, b *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			acceptCh <- nil
			return
		}
		acceptCh <- c.(*net.TCPConn)
	}()

	client, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

// echoServer starts a TCP listener that echoes back whatever it receives,
// and returns a Dialer wired to connect to it, ignoring the requested
// destination (the test doesn't care where the "proxy" lands).
func echoServer(t *testing.T) (Dialer, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c) //nolint:errcheck
		}
	}()
	d := func(net.IP, uint16) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}
	return d, func() { ln.Close() }
}

func TestSessionEchoesPlainTCP(t *testing.T) {
	stackTunnelSide, stackDriverSide := tcpPair(t)
	defer stackDriverSide.Close()

	dial, stop := echoServer(t)
	defer stop()

	sess, err := Accept(stackTunnelSide, net.ParseIP("93.184.216.34"), 80, dial, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	go sess.Run()

	msg := []byte("hello through the tunnel")
	if _, err := stackDriverSide.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	stackDriverSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(stackDriverSide, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo mismatch: got %q want %q", got, msg)
	}

	stackDriverSide.CloseWrite()
	sess.Wait()
	if sess.State() != StateClosed {
		t.Fatalf("expected closed session, got %v", sess.State())
	}
}

func TestSessionBackpressureGatesOnCap(t *testing.T) {
	const cap = 8

	stackTunnelSide, stackDriverSide := tcpPair(t)
	defer stackDriverSide.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// flood far more than CAP so outbuf must reach the high-water
		// mark while the stack side refuses to read.
		big := make([]byte, 256*1024)
		for i := range big {
			big[i] = byte(i)
		}
		c.Write(big) //nolint:errcheck
	}()

	dial := func(net.IP, uint16) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	}

	cfg := Config{BufferCap: cap, IdleTimeout: 5 * time.Second}
	sess, err := Accept(stackTunnelSide, net.ParseIP("8.8.8.8"), 443, dial, cfg, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	go sess.Run()

	// Don't read from stackDriverSide: its TCP receive window fills up,
	// the stack-side Write inside drainOutbufToStack blocks with outbuf at
	// CAP, and Blocked() must flip true.
	deadline := time.Now().Add(3 * time.Second)
	sawBlocked := false
	for time.Now().Before(deadline) {
		if sess.Blocked() {
			sawBlocked = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawBlocked {
		t.Fatal("expected session to report backpressure within the deadline")
	}

	// Now drain the stack side; Blocked() must clear once outbuf falls
	// back under CAP.
	go io.Copy(io.Discard, stackDriverSide) //nolint:errcheck

	deadline = time.Now().Add(3 * time.Second)
	cleared := false
	for time.Now().Before(deadline) {
		if !sess.Blocked() {
			cleared = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cleared {
		t.Fatal("expected backpressure to clear once the stack side drains")
	}
}

// partialWriteConn is a proxy-side net.Conn whose Write always accepts one
// byte fewer than it was given, without returning an error — the exact
// shape flushToProxy must treat as a partial-write failure. Read returns
// EOF immediately (the proxy side has nothing queued to send back), so the
// download pump retires on its own instead of blocking on a close signal
// that only teardown (itself gated on both pumps finishing) would send.
type partialWriteConn struct {
	mu     sync.Mutex
	closed bool
}

func newPartialWriteConn() *partialWriteConn {
	return &partialWriteConn{}
}

func (c *partialWriteConn) Read(b []byte) (int, error) {
	return 0, io.EOF
}

func (c *partialWriteConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return len(p) - 1, nil
}

func (c *partialWriteConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *partialWriteConn) LocalAddr() net.Addr              { return fakeAddr{} }
func (c *partialWriteConn) RemoteAddr() net.Addr             { return fakeAddr{} }
func (c *partialWriteConn) SetDeadline(time.Time) error      { return nil }
func (c *partialWriteConn) SetReadDeadline(time.Time) error  { return nil }
func (c *partialWriteConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "fake:0" }

type observerFunc func(Summary)

func (f observerFunc) OnSessionClosed(s Summary) { f(s) }

func TestSessionPartialWriteTearsDown(t *testing.T) {
	stackTunnelSide, stackDriverSide := tcpPair(t)
	defer stackDriverSide.Close()

	proxy := newPartialWriteConn()
	dial := func(net.IP, uint16) (net.Conn, error) { return proxy, nil }

	var summary Summary
	done := make(chan struct{})
	obs := observerFunc(func(s Summary) {
		summary = s
		close(done)
	})

	sess, err := Accept(stackTunnelSide, net.ParseIP("1.2.3.4"), 1, dial, DefaultConfig(), obs)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	go sess.Run()

	if _, err := stackDriverSide.Write([]byte("hello")); err != nil {
		t.Fatalf("write to stack: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not tear down after proxy partial write")
	}

	if !errors.Is(summary.Err, ErrPartialWrite) {
		t.Fatalf("expected ErrPartialWrite, got %v", summary.Err)
	}
}

func TestSessionDialFailureRefusesAccept(t *testing.T) {
	stackTunnelSide, stackDriverSide := tcpPair(t)
	defer stackDriverSide.Close()
	defer stackTunnelSide.Close()

	dial := func(net.IP, uint16) (net.Conn, error) {
		return nil, errors.New("dial refused")
	}
	if _, err := Accept(stackTunnelSide, net.ParseIP("1.2.3.4"), 1, dial, DefaultConfig(), nil); err == nil {
		t.Fatal("expected Accept to fail when the dialer fails")
	}
}
