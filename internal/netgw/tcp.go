package netgw

import (
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	gtcp "gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	rtcp "github.com/tunbridge/ip2socks/internal/relay/tcp"
	"github.com/tunbridge/ip2socks/internal/xlog"
)

// setupTCPForwarder registers the TCP forwarder that stands in for the
// userspace stack's accept callback in original_source/'s tcp_raw_accept:
// every inbound SYN the NIC sees (spoofing + promiscuous mode makes every
// destination "local" to this NIC) arrives here as a ForwarderRequest.
func (g *Gateway) setupTCPForwarder() {
	fwd := gtcp.NewForwarder(g.Stack, rcvWndTCP, maxInFlightTCP, g.handleTCPForward)
	g.Stack.SetTransportProtocolHandler(gtcp.ProtocolNumber, fwd.HandlePacket)
}

func (g *Gateway) handleTCPForward(req *gtcp.ForwarderRequest) {
	id := req.ID()
	dstIP := addrToIP(id.LocalAddress)
	dstPort := id.LocalPort

	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		xlog.W("netgw: tcp accept %s:%d refused: %s", dstIP, dstPort, err)
		req.Complete(true)
		return
	}
	req.Complete(false)

	conn := gonet.NewTCPConn(&wq, ep)

	// the SOCKS5 CONNECT handshake and the relay's own pumps block, so
	// they must run off the stack's dispatch goroutine, exactly as
	// intra/netstack/tcp.go's tcpForwarder spawns h.Proxy in its own
	// goroutine "as it may block netstack".
	go g.acceptTCP(conn, dstIP, dstPort)
}

func (g *Gateway) acceptTCP(conn *gonet.TCPConn, dstIP net.IP, dstPort uint16) {
	dial := func(ip net.IP, port uint16) (net.Conn, error) {
		return g.socks.Connect(ip, port)
	}

	sess, err := rtcp.Accept(conn, dstIP, dstPort, dial, g.tcpRelayCfg, rtcp.NopObserver)
	if err != nil {
		xlog.W("netgw: tcp %s:%d: %s", dstIP, dstPort, err)
		conn.Close()
		return
	}
	sess.Run()
}

func addrToIP(addr tcpip.Address) net.IP {
	return net.IP(addr.AsSlice())
}
