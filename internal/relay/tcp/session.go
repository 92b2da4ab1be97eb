// Package tcp implements the per-flow TCP relay: it bridges a connection
// accepted by the userspace TCP/IP stack to a SOCKS5 CONNECT socket,
// enforcing explicit bounded-buffer backpressure in both directions.
//
// The state machine and buffer discipline are grounded on
// original_source/src/tcp_raw.cpp's tcp_raw_recv/tcp_raw_sent/tcp_raw_poll/
// send_data_lwip/read_cb functions; the goroutine-pair shape that drives it
// is grounded on firestack's intra/tcp.go handleUpload/handleDownload.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tunbridge/ip2socks/internal/xlog"
)

// State is the session's lifecycle stage. A typed enum replaces the
// original's bitfield-of-flags state byte.
type State int32

const (
	StateAccepted State = iota
	StateReceived
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReceived:
		return "received"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StackConn is the userspace-stack side of a TCP flow: a gonet.TCPConn in
// production, or a net.Pipe/mock in tests. It mirrors firestack's
// intra/core.TCPConn, trimmed to what the relay actually calls.
type StackConn interface {
	net.Conn
	CloseWrite() error
}

// Dialer opens the proxy-side connection for a flow's original destination.
// In production this is a socksclient.Client.Connect closure.
type Dialer func(dstIP net.IP, dstPort uint16) (net.Conn, error)

// Summary is reported to an Observer once a session tears down, mirroring
// firestack's SocketSummary notification without any of its Android-bridge
// plumbing.
type Summary struct {
	LocalAddr, RemoteAddr string
	Uploaded, Downloaded  int64
	Duration              time.Duration
	Err                   error
}

// Observer receives a Summary for every session that completes. The
// default Observer is a no-op, matching firestack's zeroListener idiom.
type Observer interface {
	OnSessionClosed(Summary)
}

type nopObserver struct{}

func (nopObserver) OnSessionClosed(Summary) {}

// NopObserver is the default Observer used when none is supplied.
var NopObserver Observer = nopObserver{}

// Errors a Session's teardown can carry, matching the ambient error-kind
// taxonomy shared across the relay packages.
var (
	ErrPartialWrite = errors.New("tcp: partial write to proxy; tearing down")
	ErrStackIO      = errors.New("tcp: stack i/o error")
	ErrProxyIO      = errors.New("tcp: proxy i/o error")
)

// Config bounds a Session's buffering and idle behavior.
type Config struct {
	// BufferCap is the high-water mark ("CAP") on outbuf: once outbuf
	// holds this many bytes, the proxy-read side stops reading until a
	// stack write drains it.
	BufferCap int
	// IdleTimeout tears a session down if neither side makes progress.
	IdleTimeout time.Duration
}

// DefaultConfig mirrors gwconfig.Default()'s tcp_buffer_cap/tcp_idle_timeout.
func DefaultConfig() Config {
	return Config{BufferCap: 32 * 1024, IdleTimeout: 2 * time.Minute}
}

// Session is one accepted TCP flow: original_source/'s struct tcp_raw_state,
// re-expressed with a typed state, an explicit sync.Once-guarded teardown
// (DESIGN NOTES redesign flag: arena/refcounted session with a canceled
// bit), and Go goroutines standing in for the event loop's callbacks.
type Session struct {
	cfg      Config
	stack    StackConn
	proxy    net.Conn
	observer Observer

	localAddr, remoteAddr string

	mu      sync.Mutex
	state   State
	blocked bool

	teardownOnce sync.Once
	done         chan struct{}
	teardownErr  error

	uploaded, downloaded int64
	start                time.Time
}

// Accept performs the accept-time handshake described in §4.3: it captures
// the original destination, dials the proxy via d, and on success returns
// a Session in StateAccepted ready to Run. On dial failure the caller must
// reject the stack-side accept (e.g. reset the forwarder request); Accept
// itself never touches stack beyond wrapping it in the Session.
func Accept(stack StackConn, dstIP net.IP, dstPort uint16, d Dialer, cfg Config, obs Observer) (*Session, error) {
	proxy, err := d(dstIP, dstPort)
	if err != nil {
		return nil, fmt.Errorf("tcp: connect to proxy: %w", err)
	}
	if obs == nil {
		obs = NopObserver
	}
	s := &Session{
		cfg:         cfg,
		stack:       stack,
		proxy:       proxy,
		observer:    obs,
		localAddr:   stack.LocalAddr().String(),
		remoteAddr:  net.JoinHostPort(dstIP.String(), fmt.Sprint(dstPort)),
		state:       StateAccepted,
		done:        make(chan struct{}),
		start:       time.Now(),
	}
	xlog.D("tcp: accepted %s -> %s", s.localAddr, s.remoteAddr)
	return s, nil
}

// Run drives both directions of the relay until either side tears the flow
// down, then blocks until teardown completes. It is safe to call exactly
// once per Session.
func (s *Session) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.pumpStackToProxy() }()
	go func() { defer wg.Done(); s.pumpProxyToStack() }()
	wg.Wait()
	s.teardown(s.teardownErr)
}

// Wait blocks until the session has fully torn down.
func (s *Session) Wait() { <-s.done }

// pumpStackToProxy is the recv/flush_to_proxy half of the state machine:
// it reads inbuf straight off the stack connection and flushes each chunk
// to the proxy, matching tcp_raw_recv followed by flush_to_proxy.
func (s *Session) pumpStackToProxy() {
	buf := make([]byte, s.cfg.BufferCap)
	for {
		s.stack.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		n, err := s.stack.Read(buf)
		if n > 0 {
			if werr := s.flushToProxy(buf[:n]); werr != nil {
				s.fail(werr)
				return
			}
			s.transitionOnData()
		}
		if err != nil {
			s.onStackRecvEOF(err)
			return
		}
	}
}

// flushToProxy is send_data_lwip's mirror image: one best-effort write of
// the whole chunk. Per §4.3, a partial accept is treated as a failure and
// the session is torn down rather than retried. A write error is reported
// as ErrProxyIO (Go's net.Conn.Write normally returns n < len only
// alongside a non-nil error); a short write with a nil error is reported
// as ErrPartialWrite.
func (s *Session) flushToProxy(p []byte) error {
	n, err := s.proxy.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyIO, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialWrite, n, len(p))
	}
	s.addUploaded(int64(n))
	return nil
}

func (s *Session) transitionOnData() {
	s.mu.Lock()
	if s.state == StateAccepted {
		s.state = StateReceived
	}
	s.mu.Unlock()
}

// onStackRecvEOF implements the ACCEPTED/RECEIVED --recv(NULL)--> CLOSING
// transition: half-close the proxy write side and let the proxy->stack
// pump finish draining outbuf before the session tears down.
func (s *Session) onStackRecvEOF(err error) {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		xlog.W("tcp: %s idle timeout on stack read", s.remoteAddr)
		s.fail(fmt.Errorf("%w: idle timeout", ErrStackIO))
		return
	}
	if cw, ok := s.proxy.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite() //nolint:errcheck // half-close is best-effort
	} else {
		s.proxy.Close()
	}
	xlog.D("tcp: %s stack half-closed, draining outbuf", s.remoteAddr)
}

// pumpProxyToStack is the outbound-read-watcher half of the state machine:
// it reads from the proxy, appends to outbuf, and drains outbuf into the
// stack connection after every read, matching read_cb/drain_outbuf_to_stack.
func (s *Session) pumpProxyToStack() {
	var outbuf []byte
	buf := make([]byte, s.cfg.BufferCap)

	for {
		s.proxy.SetReadDeadline(time.Now().Add(s.idleTimeout()))
		n, err := s.proxy.Read(buf)
		if n > 0 {
			outbuf = append(outbuf, buf[:n]...)
			// backpressure primitive: once outbuf holds CAP bytes, no proxy
			// read happens and Blocked() stays true until the stack write
			// has drained it.
			s.setBlocked(len(outbuf) >= s.cfg.BufferCap)
			derr := s.drainOutbufToStack(&outbuf)
			s.setBlocked(false)
			if derr != nil {
				s.fail(derr)
				return
			}
		}
		if err != nil {
			s.onProxyEOF(err, &outbuf)
			return
		}
	}
}

// drainOutbufToStack writes as much of *outbuf as the stack connection will
// currently accept. original_source/'s send_data_lwip halves a fixed chunk
// on ERR_MEM and retries because lwip's tcp_write either takes a length
// whole or not at all; Go's net.Conn.Write instead reports exactly how
// many bytes it accepted, so looping on the remainder is the equivalent
// behavior without needing a halving heuristic.
func (s *Session) drainOutbufToStack(outbuf *[]byte) error {
	for len(*outbuf) > 0 {
		s.stack.SetWriteDeadline(time.Now().Add(s.idleTimeout()))
		n, err := s.stack.Write(*outbuf)
		if n > 0 {
			*outbuf = (*outbuf)[n:]
			s.addDownloaded(int64(n))
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStackIO, err)
		}
	}
	return nil
}

// onProxyEOF implements the "any -> proxy EOF -> drain outbuf, then
// teardown" transition.
func (s *Session) onProxyEOF(err error, outbuf *[]byte) {
	if drainErr := s.drainOutbufToStack(outbuf); drainErr != nil {
		s.fail(drainErr)
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		xlog.W("tcp: %s idle timeout on proxy read", s.remoteAddr)
	}
	s.stack.CloseWrite() //nolint:errcheck // best-effort half-close toward the stack
	s.fail(nil)
}

func (s *Session) setBlocked(b bool) {
	s.mu.Lock()
	s.blocked = b
	s.mu.Unlock()
}

// Blocked reports whether the outbound read side is currently gated by
// backpressure. Exposed for tests exercising the CAP invariant.
func (s *Session) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) addUploaded(n int64)   { s.mu.Lock(); s.uploaded += n; s.mu.Unlock() }
func (s *Session) addDownloaded(n int64) { s.mu.Lock(); s.downloaded += n; s.mu.Unlock() }

func (s *Session) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout > 0 {
		return s.cfg.IdleTimeout
	}
	return DefaultConfig().IdleTimeout
}

// fail records the first error observed by either pump; subsequent calls
// are no-ops so the original failure is the one reported in the Summary.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.teardownErr == nil {
		s.teardownErr = err
	}
	s.mu.Unlock()
}

// teardown is idempotent and safe to invoke from either pump goroutine: it
// closes both owned connections exactly once and reports the Summary.
func (s *Session) teardown(err error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		uploaded, downloaded := s.uploaded, s.downloaded
		s.mu.Unlock()

		s.stack.Close()
		s.proxy.Close()

		xlog.I("tcp: %s -> %s closed up=%d down=%d err=%v",
			s.localAddr, s.remoteAddr, uploaded, downloaded, err)

		s.observer.OnSessionClosed(Summary{
			LocalAddr:  s.localAddr,
			RemoteAddr: s.remoteAddr,
			Uploaded:   uploaded,
			Downloaded: downloaded,
			Duration:   time.Since(s.start),
			Err:        err,
		})
		close(s.done)
	})
}
