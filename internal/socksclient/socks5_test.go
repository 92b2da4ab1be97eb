package socksclient

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/txthinking/socks5"
)

// fakeProxy accepts one control connection, completes NO_AUTH negotiation,
// reads a CONNECT request, and replies success bound to itself. It then
// echoes bytes so the test can confirm the returned conn is usable.
func fakeProxy(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := socks5.NewNegotiationRequestFrom(conn); err != nil {
		t.Errorf("fakeProxy: negotiation request: %v", err)
		return
	}
	if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(conn); err != nil {
		t.Errorf("fakeProxy: negotiation reply: %v", err)
		return
	}

	if _, err := socks5.NewRequestFrom(conn); err != nil {
		t.Errorf("fakeProxy: connect request: %v", err)
		return
	}
	reply := socks5.NewReply(socks5.RepSuccess, socks5.ATYPIPv4, []byte{127, 0, 0, 1}, []byte{0, 0})
	if _, err := reply.WriteTo(conn); err != nil {
		t.Errorf("fakeProxy: connect reply: %v", err)
		return
	}

	io.Copy(conn, conn) //nolint:errcheck // best-effort echo for the test
}

func TestClientConnectHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go fakeProxy(t, ln)

	c := New(ln.Addr().String(), "", "", time.Second)
	conn, err := c.Connect(net.ParseIP("93.184.216.34"), 80)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	msg := []byte("ping")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %q want %q", got, msg)
	}
}

func TestClientConnectDeniedByProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		socks5.NewNegotiationRequestFrom(conn) //nolint:errcheck
		socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(conn) //nolint:errcheck
		socks5.NewRequestFrom(conn) //nolint:errcheck
		reply := socks5.NewReply(socks5.RepRefused, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
		reply.WriteTo(conn) //nolint:errcheck
	}()

	c := New(ln.Addr().String(), "", "", time.Second)
	_, err = c.Connect(net.ParseIP("93.184.216.34"), 80)
	if err == nil {
		t.Fatal("expected denial error")
	}
}

func TestWrapUnwrapDatagramRoundTrip(t *testing.T) {
	payload := []byte("hello dns")
	dst := net.ParseIP("8.8.8.8")
	framed := WrapDatagram(dst, 53, payload)

	ip, port, got, err := UnwrapDatagram(framed)
	if err != nil {
		t.Fatalf("UnwrapDatagram: %v", err)
	}
	if !ip.Equal(dst) || port != 53 {
		t.Fatalf("addr mismatch: got %s:%d", ip, port)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}
