// Package netgw wires the gVisor userspace TCP/IP stack to the relay
// engines. It plays the role original_source/'s lwip_init plus its
// accept/recv callback registration play, and is grounded on firestack's
// tunnel/tunnel.go (stack/endpoint bootstrap) and intra/netstack/tcp.go
// (forwarder-as-accept-callback pattern), generalized from firestack's
// Android VPN domain to this gateway's SOCKS5-relay domain.
package netgw

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	gtcp "gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	gudp "gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/tunbridge/ip2socks/internal/gwconfig"
	rtcp "github.com/tunbridge/ip2socks/internal/relay/tcp"
	udprelay "github.com/tunbridge/ip2socks/internal/relay/udp"
	"github.com/tunbridge/ip2socks/internal/socksclient"
	"github.com/tunbridge/ip2socks/internal/xlog"
)

// NICID is the single NIC every packet in this gateway arrives on and
// leaves from. IPv4-only, per the module's non-goals.
const NICID tcpip.NICID = 1

const (
	// maxInFlightTCP bounds the number of half-open TCP forwarder
	// requests gVisor will queue while this package's accept handler
	// runs the SOCKS5 CONNECT handshake.
	maxInFlightTCP = 512
	// rcvWndTCP of 0 tells gVisor to pick its own default receive window.
	rcvWndTCP = 0
)

// Gateway owns the userspace stack and the link endpoint that feeds it
// packets read from the (out-of-scope) TUN device.
type Gateway struct {
	Stack *stack.Stack
	link  *channel.Endpoint
	mtu   uint32

	tcpRelayCfg rtcp.Config
	udpRelay    *udprelay.Relay
	socks       *socksclient.Client
}

// New builds the stack, registers the IPv4/TCP/UDP protocols, attaches a
// channel link endpoint sized to mtu, and wires the TCP and UDP forwarders
// to the relay engines described by cfg. It does not start reading from a
// TUN device; callers drive that through InjectInbound/Outbound.
func New(cfg *gwconfig.Config, mtu uint32) (*Gateway, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{gtcp.NewProtocol, gudp.NewProtocol},
	})

	link := channel.New(512 /* queue depth */, mtu, "" /* no link address, ip-only */)

	if err := s.CreateNIC(NICID, link); err != nil {
		return nil, fmt.Errorf("netgw: create nic: %s", err)
	}
	// the NIC must accept packets not addressed to an interface address
	// (every destination is "foreign" from the stack's point of view,
	// since this gateway terminates flows on behalf of the real owner)
	// and must not assert its own address when sending, since every
	// reply carries the original destination as its source.
	if err := s.SetSpoofing(NICID, true); err != nil {
		return nil, fmt.Errorf("netgw: set spoofing: %s", err)
	}
	if err := s.SetPromiscuousMode(NICID, true); err != nil {
		return nil, fmt.Errorf("netgw: set promiscuous: %s", err)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: defaultIPv4Subnet(), NIC: NICID},
	})

	socks := socksclient.New(cfg.SocksAddr(), cfg.SocksUser, cfg.SocksPass, cfg.SocksDialTimeout)
	gw := &Gateway{
		Stack:       s,
		link:        link,
		mtu:         mtu,
		tcpRelayCfg: rtcp.Config{BufferCap: cfg.TCPBufferCap, IdleTimeout: cfg.TCPIdleTimeout},
		udpRelay:    udprelay.NewRelayWithClient(cfg, socks),
		socks:       socks,
	}

	gw.setupTCPForwarder()
	gw.setupUDPForwarder()

	xlog.I("netgw: stack up, nic=%d mtu=%d", NICID, mtu)
	return gw, nil
}

// InjectInbound hands a raw IPv4 packet read from the TUN device to the
// stack for dispatch.
func (g *Gateway) InjectInbound(packet []byte) {
	pkt := toPacketBuffer(packet)
	defer pkt.DecRef()
	g.link.InjectInbound(ipv4.ProtocolNumber, pkt)
}

// Outbound returns packets the stack wants written back out the TUN
// device. Callers should range over it in a dedicated goroutine.
func (g *Gateway) Outbound() <-chan []byte {
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		ctx := context.Background()
		for {
			pkt := g.link.ReadContext(ctx)
			if pkt.IsNil() {
				return
			}
			buf := packetBufferToBytes(pkt)
			pkt.DecRef()
			out <- buf
		}
	}()
	return out
}

// Close tears down the NIC and releases the link endpoint.
func (g *Gateway) Close() {
	g.link.Attach(nil)
	g.Stack.RemoveNIC(NICID)
	g.Stack.Close()
}

func defaultIPv4Subnet() tcpip.Subnet {
	sub, err := tcpip.NewSubnet(tcpip.AddrFromSlice([]byte{0, 0, 0, 0}), tcpip.MaskFromBytes([]byte{0, 0, 0, 0}))
	if err != nil {
		// a /0 mask is always a valid subnet; this would only fail on
		// a length mismatch between address and mask.
		panic(fmt.Sprintf("netgw: default subnet: %s", err))
	}
	return sub
}
