// Package socksclient is a minimal SOCKS5 client helper: method
// negotiation, optional username/password authentication, the CONNECT
// command, and UDP ASSOCIATE. It speaks the same four-step handshake
// original_source/src/tcp_raw.cpp performs by hand (socks5_connect then
// socks5_auth), but builds and parses the wire frames with
// github.com/txthinking/socks5's message types instead of raw byte slices.
package socksclient

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// Sentinel error kinds a caller can match with errors.Is.
var (
	// ErrUnreachable means the proxy itself could not be dialed.
	ErrUnreachable = errors.New("socksclient: proxy unreachable")
	// ErrProtocol means the proxy sent a malformed or unexpected frame.
	ErrProtocol = errors.New("socksclient: protocol error")
	// ErrAuth means method negotiation or authentication failed.
	ErrAuth = errors.New("socksclient: authentication failed")
	// ErrRequestDenied means the proxy replied to CONNECT/UDP ASSOCIATE
	// with a non-success reply code.
	ErrRequestDenied = errors.New("socksclient: request denied")
)

// Client dials a single SOCKS5 proxy. It is stateless between calls: every
// Connect/Associate opens its own control connection, matching the
// one-handshake-per-flow model of the original C relay.
type Client struct {
	Addr         string
	User, Pass   string
	DialTimeout  time.Duration
}

// New returns a Client for the given proxy address. user/pass may both be
// empty, in which case only the NO_AUTH method is offered.
func New(addr, user, pass string, dialTimeout time.Duration) *Client {
	return &Client{Addr: addr, User: user, Pass: pass, DialTimeout: dialTimeout}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

func (c *Client) methods() []byte {
	if c.User != "" {
		return []byte{socks5.MethodNone, socks5.MethodUsernamePassword}
	}
	return []byte{socks5.MethodNone}
}

// negotiate performs method selection and, if the proxy demands it,
// username/password authentication on an already-open control connection.
func (c *Client) negotiate(conn net.Conn) error {
	req := socks5.NewNegotiationRequest(c.methods())
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("%w: negotiation request: %v", ErrProtocol, err)
	}
	reply, err := socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("%w: negotiation reply: %v", ErrProtocol, err)
	}
	switch reply.Method {
	case socks5.MethodNone:
		return nil
	case socks5.MethodUsernamePassword:
		if c.User == "" {
			return fmt.Errorf("%w: proxy demands username/password, none configured", ErrAuth)
		}
		areq := socks5.NewUserPassNegotiationRequest([]byte(c.User), []byte(c.Pass))
		if _, err := areq.WriteTo(conn); err != nil {
			return fmt.Errorf("%w: auth request: %v", ErrProtocol, err)
		}
		areply, err := socks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("%w: auth reply: %v", ErrProtocol, err)
		}
		if areply.Status != socks5.UserPassStatusSuccess {
			return fmt.Errorf("%w: proxy rejected credentials", ErrAuth)
		}
		return nil
	default:
		return fmt.Errorf("%w: proxy offered unsupported method %#x", ErrAuth, reply.Method)
	}
}

// Connect performs the CONNECT handshake for dstIP:dstPort and returns the
// open, fully negotiated TCP connection to the proxy. The caller relays
// payload bytes over the returned conn directly; Connect does not read or
// write anything beyond the handshake.
func (c *Client) Connect(dstIP net.IP, dstPort uint16) (net.Conn, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	if err := c.negotiate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	atyp, addrBytes := encodeAddr(dstIP)
	req := socks5.NewRequest(socks5.CmdConnect, atyp, addrBytes, portBytes(dstPort))
	if _, err := req.WriteTo(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: connect request: %v", ErrProtocol, err)
	}
	reply, err := socks5.NewReplyFrom(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: connect reply: %v", ErrProtocol, err)
	}
	if reply.Rep != socks5.RepSuccess {
		conn.Close()
		return nil, fmt.Errorf("%w: rep=%#x", ErrRequestDenied, reply.Rep)
	}
	return conn, nil
}

// Association is an open UDP ASSOCIATE session: UDPConn carries the SOCKS5
// UDP relay header framing described in RFC 1928 §7, and Ctrl is the TCP
// control connection that must stay open for the duration of the
// association (closing it tells the proxy to tear down the UDP relay).
type Association struct {
	Ctrl    net.Conn
	UDPConn *net.UDPConn
	// BindAddr/BindPort is where the proxy expects UDP datagrams to be sent.
	BindAddr net.IP
	BindPort uint16
}

// Close tears down both the control connection and the UDP socket.
func (a *Association) Close() error {
	err1 := a.Ctrl.Close()
	err2 := a.UDPConn.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Associate performs the UDP ASSOCIATE handshake and opens the local UDP
// socket the caller will use to exchange SOCKS5-framed datagrams with the
// proxy's relay address.
func (c *Client) Associate() (*Association, error) {
	ctrl, err := c.dial()
	if err != nil {
		return nil, err
	}
	if err := c.negotiate(ctrl); err != nil {
		ctrl.Close()
		return nil, err
	}

	// the client's local UDP source address is advertised as 0.0.0.0:0,
	// matching RFC 1928 guidance to let the proxy learn it from the
	// first datagram it receives.
	req := socks5.NewRequest(socks5.CmdUDP, socks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	if _, err := req.WriteTo(ctrl); err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: associate request: %v", ErrProtocol, err)
	}
	reply, err := socks5.NewReplyFrom(ctrl)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: associate reply: %v", ErrProtocol, err)
	}
	if reply.Rep != socks5.RepSuccess {
		ctrl.Close()
		return nil, fmt.Errorf("%w: rep=%#x", ErrRequestDenied, reply.Rep)
	}

	bindAddr, bindPort, err := decodeAddrPort(reply.Atyp, reply.BndAddr, reply.BndPort)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	udpConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: bindAddr, Port: int(bindPort)})
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("%w: udp dial: %v", ErrUnreachable, err)
	}

	return &Association{Ctrl: ctrl, UDPConn: udpConn, BindAddr: bindAddr, BindPort: bindPort}, nil
}

// WrapDatagram frames payload for dstIP:dstPort per the SOCKS5 UDP relay
// header (RFC 1928 §7): RSV(2) FRAG(1) ATYP(1) DST.ADDR DST.PORT DATA.
func WrapDatagram(dstIP net.IP, dstPort uint16, payload []byte) []byte {
	atyp, addrBytes := encodeAddr(dstIP)
	dg := socks5.NewDatagram(atyp, addrBytes, portBytes(dstPort), payload)
	return dg.Bytes()
}

// UnwrapDatagram parses a SOCKS5 UDP relay frame and returns the origin
// address and the enclosed payload.
func UnwrapDatagram(b []byte) (srcIP net.IP, srcPort uint16, payload []byte, err error) {
	dg, err := socks5.NewDatagramFromBytes(b)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	ip, port, err := decodeAddrPort(dg.Atyp, dg.DstAddr, dg.DstPort)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return ip, port, dg.Data, nil
}

func encodeAddr(ip net.IP) (atyp byte, addrBytes []byte) {
	if v4 := ip.To4(); v4 != nil {
		return socks5.ATYPIPv4, v4
	}
	return socks5.ATYPIPv6, ip.To16()
}

func portBytes(port uint16) []byte {
	return []byte{byte(port >> 8), byte(port)}
}

func decodeAddrPort(atyp byte, addr, port []byte) (net.IP, uint16, error) {
	var ip net.IP
	switch atyp {
	case socks5.ATYPIPv4:
		if len(addr) != 4 {
			return nil, 0, fmt.Errorf("bad ipv4 address length %d", len(addr))
		}
		ip = net.IP(addr)
	case socks5.ATYPIPv6:
		if len(addr) != 16 {
			return nil, 0, fmt.Errorf("bad ipv6 address length %d", len(addr))
		}
		ip = net.IP(addr)
	case socks5.ATYPDomain:
		resolved, err := net.ResolveIPAddr("ip", string(addr))
		if err != nil {
			return nil, 0, fmt.Errorf("resolve bound domain: %w", err)
		}
		ip = resolved.IP
	default:
		return nil, 0, fmt.Errorf("unsupported atyp %#x", atyp)
	}
	if len(port) != 2 {
		return nil, 0, fmt.Errorf("bad port length %d", len(port))
	}
	return ip, uint16(port[0])<<8 | uint16(port[1]), nil
}
