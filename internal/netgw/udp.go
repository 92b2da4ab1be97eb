package netgw

import (
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	gudp "gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tunbridge/ip2socks/internal/bufpool"
	udprelay "github.com/tunbridge/ip2socks/internal/relay/udp"
	"github.com/tunbridge/ip2socks/internal/xlog"
)

// setupUDPForwarder registers the UDP forwarder that stands in for
// original_source/'s udp_raw_recv callback. gVisor fires the forwarder once
// per distinct (src,dst) 4-tuple; this gateway treats every resulting
// endpoint as exactly one datagram's worth of session, closing it after
// the single reply (or error) per §4.4's ephemeral-session lifecycle.
func (g *Gateway) setupUDPForwarder() {
	fwd := gudp.NewForwarder(g.Stack, g.handleUDPForward)
	g.Stack.SetTransportProtocolHandler(gudp.ProtocolNumber, fwd.HandlePacket)
}

func (g *Gateway) handleUDPForward(req *gudp.ForwarderRequest) {
	id := req.ID()
	origDest := udprelay.NetAddr(addrToIP(id.LocalAddress), id.LocalPort)
	src := udprelay.NetAddr(addrToIP(id.RemoteAddress), id.RemotePort)

	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		xlog.W("netgw: udp %s -> %s refused: %s", src, origDest, err)
		return
	}

	conn := gonet.NewUDPConn(&wq, ep)
	go g.relayOneDatagram(conn, origDest, src)
}

func (g *Gateway) relayOneDatagram(conn *gonet.UDPConn, origDest, src udprelay.Addr) {
	defer conn.Close()

	// one byte of room past max lets Handle see, and reject, an oversized
	// datagram instead of a silently truncated one.
	max := g.udpRelay.MaxDatagramSize()
	var buf []byte
	if max+1 <= bufpool.Size {
		pooled := bufpool.Get()
		defer bufpool.Put(pooled)
		buf = pooled[:max+1]
	} else {
		buf = make([]byte, max+1)
	}

	n, err := conn.Read(buf)
	if err != nil {
		xlog.W("netgw: udp read %s -> %s: %s", src, origDest, err)
		return
	}

	inject := func(reply []byte) error {
		_, err := conn.Write(reply)
		return err
	}

	path, err := g.udpRelay.Handle(origDest, src, buf[:n], inject)
	if err != nil {
		xlog.W("netgw: udp relay (%s) %s -> %s: %s", path, src, origDest, err)
		return
	}
	xlog.D("netgw: udp relay (%s) %s -> %s complete", path, src, origDest)
}
