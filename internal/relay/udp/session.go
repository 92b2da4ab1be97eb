// Package udp implements the per-datagram UDP relay engine: split DNS
// routing across direct UDP, DNS-over-TCP-via-SOCKS5, and a SOCKS5
// UDP-ASSOCIATE fallback for everything else. Each inbound datagram gets
// its own ephemeral session with no cross-datagram state, grounded on
// original_source/src/udp_raw.cpp's per-packet relay loop.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tunbridge/ip2socks/internal/bufpool"
	"github.com/tunbridge/ip2socks/internal/dnsroute"
	"github.com/tunbridge/ip2socks/internal/gwconfig"
	"github.com/tunbridge/ip2socks/internal/socksclient"
	"github.com/tunbridge/ip2socks/internal/xlog"
)

// replyBuf borrows a pooled buffer sized for a single datagram reply when
// n fits bufpool's fixed size (true for every default configuration);
// oversized configurations fall back to a one-off allocation rather than
// growing the shared pool's buffer size. release must be deferred by the
// caller regardless of which path was taken.
func replyBuf(n int) (buf []byte, release func()) {
	if n <= bufpool.Size {
		pooled := bufpool.Get()
		return pooled[:n], func() { bufpool.Put(pooled) }
	}
	return make([]byte, n), func() {}
}

// Injector delivers a relay reply back through the UDP PCB that received
// the original datagram, addressed to the captured source. It is the Go
// analogue of original_source/'s udp_sendto(pcb, reply, src_addr, src_port).
// payload may come from a pooled buffer released as soon as Injector
// returns; implementations must not retain it past the call.
type Injector func(payload []byte) error

// Path identifies which of the three relay routes handled a datagram.
// Exposed mainly for tests and logging.
type Path int

const (
	PathDirectUDPDNS Path = iota
	PathTCPOverSocks5DNS
	PathSocks5UDPAssociate
)

func (p Path) String() string {
	switch p {
	case PathDirectUDPDNS:
		return "direct-udp-dns"
	case PathTCPOverSocks5DNS:
		return "tcp-over-socks5-dns"
	case PathSocks5UDPAssociate:
		return "socks5-udp-associate"
	default:
		return "unknown"
	}
}

var (
	ErrNoReply  = errors.New("udp: no reply before deadline")
	ErrTooLarge = errors.New("udp: datagram exceeds configured maximum")
	// ErrNotAQuery means a datagram on the DNS port did not parse as a DNS
	// query; it is dropped rather than relayed, matching
	// original_source/'s get_query_domain()==NULL early return.
	ErrNotAQuery = errors.New("udp: dns datagram did not parse, dropped")
)

// Relay dispatches each incoming datagram to the right path.
type Relay struct {
	cfg    *gwconfig.Config
	routes *dnsroute.Table
	socks  *socksclient.Client
}

// NewRelay builds a Relay with its own SOCKS5 client bound to cfg's proxy.
// Prefer NewRelayWithClient when a socksclient.Client already exists for
// the same proxy (e.g. shared with the TCP relay), so both relays dial
// through one configured client instead of two identically-configured ones.
func NewRelay(cfg *gwconfig.Config) *Relay {
	return NewRelayWithClient(cfg, socksclient.New(cfg.SocksAddr(), cfg.SocksUser, cfg.SocksPass, cfg.SocksDialTimeout))
}

// NewRelayWithClient builds a Relay that dials out through an
// already-constructed SOCKS5 client.
func NewRelayWithClient(cfg *gwconfig.Config, socks *socksclient.Client) *Relay {
	return &Relay{
		cfg:    cfg,
		routes: dnsroute.NewTable(cfg.Domains),
		socks:  socks,
	}
}

// Handle routes one datagram. origDest is the PCB's captured original
// destination (the non-standard remote_fake_ip/remote_fake_port fields);
// src is where the reply must be injected back to.
func (r *Relay) Handle(origDest Addr, src Addr, payload []byte, inject Injector) (Path, error) {
	if len(payload) > r.cfg.MaxDatagramSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(payload), r.cfg.MaxDatagramSize)
	}

	if r.isDNSQuery(origDest.Port) {
		domain, err := dnsroute.ExtractDomain(payload)
		if err != nil {
			// original_source/'s get_query_domain() returning NULL makes
			// both udp_raw.cpp call sites return immediately with no
			// relay attempt (lines 179-181, 274-276); an unparseable
			// query is dropped outright, not forwarded opaquely.
			xlog.W("udp: dns query did not parse, dropping: %v", err)
			return 0, fmt.Errorf("%w: %v", ErrNotAQuery, err)
		}
		if route := r.routes.Select(domain); route.Matched {
			xlog.D("udp: dns %q routed directly to %s via rule", domain, route.ResolverIP)
			return PathDirectUDPDNS, r.directDNS(Addr{IP: route.ResolverIP, Port: 53}, payload, inject)
		}

		if r.cfg.DNSMode == gwconfig.DNSModeTCP {
			return PathTCPOverSocks5DNS, r.dnsOverSocks5TCP(payload, inject)
		}
		// dns_mode==udp with no rule match: fall back to the proxy's
		// UDP relay, targeting the configured upstream resolver.
		dst := Addr{IP: net.ParseIP(r.cfg.RemoteDNSServer), Port: uint16(r.cfg.RemoteDNSPort)}
		return PathSocks5UDPAssociate, r.viaSocks5UDPAssociate(dst, payload, inject)
	}

	return PathSocks5UDPAssociate, r.viaSocks5UDPAssociate(origDest, payload, inject)
}

func (r *Relay) isDNSQuery(origDestPort uint16) bool {
	return origDestPort == uint16(r.cfg.LocalDNSPort)
}

// Addr is a tiny IP/port pair used instead of net.UDPAddr so callers
// from the stack-integration layer don't need to construct one just to
// hand it to the relay.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
}

// NetAddr builds an Addr from an IP and port.
func NetAddr(ip net.IP, port uint16) Addr {
	return Addr{IP: ip, Port: port}
}

// MaxDatagramSize returns the configured maximum datagram payload size.
func (r *Relay) MaxDatagramSize() int {
	return r.cfg.MaxDatagramSize
}

// directDNS is path 2: an unbound UDP socket straight to the rule's
// resolver, no proxy involvement at all.
func (r *Relay) directDNS(resolver Addr, query []byte, inject Injector) error {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: resolver.IP, Port: int(resolver.Port)})
	if err != nil {
		return fmt.Errorf("udp: dial resolver %s: %w", resolver.IP, err)
	}
	defer conn.Close()

	if _, err := conn.Write(query); err != nil {
		return fmt.Errorf("udp: send to resolver %s: %w", resolver.IP, err)
	}

	conn.SetReadDeadline(time.Now().Add(r.replyTimeout()))
	buf, release := replyBuf(r.cfg.MaxDatagramSize)
	defer release()
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	return inject(buf[:n])
}

// dnsOverSocks5TCP is path 1: DNS-over-TCP through a SOCKS5 CONNECT,
// length-prefixed per RFC 1035 §4.2.2, grounded byte-for-byte on
// firestack's intra/dnsx/transport.go writeto/accept pair.
func (r *Relay) dnsOverSocks5TCP(query []byte, inject Injector) error {
	conn, err := r.socks.Connect(net.ParseIP(r.cfg.RemoteDNSServer), uint16(r.cfg.RemoteDNSPort))
	if err != nil {
		return fmt.Errorf("udp: dns-over-tcp connect: %w", err)
	}
	defer conn.Close()

	if err := writeLengthPrefixed(conn, query); err != nil {
		return fmt.Errorf("udp: dns-over-tcp send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(r.replyTimeout()))
	reply, err := readLengthPrefixed(conn, r.cfg.MaxDatagramSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoReply, err)
	}
	return inject(reply)
}

// viaSocks5UDPAssociate is path 3: the general-purpose fallback for any
// UDP traffic (including UDP-mode DNS that missed every rule).
func (r *Relay) viaSocks5UDPAssociate(dst Addr, payload []byte, inject Injector) error {
	assoc, err := r.socks.Associate()
	if err != nil {
		return fmt.Errorf("udp: associate: %w", err)
	}
	defer assoc.Close()

	framed := socksclient.WrapDatagram(dst.IP, dst.Port, payload)
	if _, err := assoc.UDPConn.Write(framed); err != nil {
		return fmt.Errorf("udp: send to proxy relay: %w", err)
	}

	assoc.UDPConn.SetReadDeadline(time.Now().Add(r.replyTimeout()))
	buf, release := replyBuf(r.cfg.MaxDatagramSize + 64) // + socks5 udp header slack
	defer release()
	n, err := assoc.UDPConn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoReply, err)
	}

	_, _, body, err := socksclient.UnwrapDatagram(buf[:n])
	if err != nil {
		return fmt.Errorf("udp: unwrap proxy reply: %w", err)
	}
	return inject(body)
}

func (r *Relay) replyTimeout() time.Duration {
	if r.cfg.UDPReplyTimeout > 0 {
		return r.cfg.UDPReplyTimeout
	}
	return gwconfig.Default().UDPReplyTimeout
}

func writeLengthPrefixed(w lpWriter, payload []byte) error {
	// a single combined write keeps the length prefix and payload
	// atomic on the wire, exactly as firestack's writeto() does.
	framed := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[2:], payload)
	_, err := w.Write(framed)
	return err
}

func readLengthPrefixed(r lpReader, maxLen int) ([]byte, error) {
	var lbuf [2]byte
	if _, err := readFull(r, lbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(lbuf[:]))
	if n > maxLen {
		return nil, fmt.Errorf("%w: reply length %d", ErrTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// lpWriter/lpReader narrow net.Conn to what the framing helpers need, so
// they're trivially testable against any io.Reader/io.Writer.
type lpWriter interface{ Write([]byte) (int, error) }
type lpReader interface{ Read([]byte) (int, error) }

func readFull(r lpReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
