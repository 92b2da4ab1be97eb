package netgw

import (
	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// toPacketBuffer wraps a raw IPv4 packet read from the TUN device in the
// stack.PacketBuffer the link endpoint expects.
func toPacketBuffer(raw []byte) stack.PacketBufferPtr {
	payload := bufferv2.MakeWithData(raw)
	return stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: payload})
}

// packetBufferToBytes flattens a stack.PacketBuffer the link endpoint
// produced (network header, transport header, and data) back into one
// contiguous IPv4 packet suitable for writing to the TUN device, grounded
// on intra/netstack/icmpv2.go's pkt2bytes helper.
func packetBufferToBytes(pkt stack.PacketBufferPtr) []byte {
	buf := bufferv2.MakeWithData(append([]byte{}, pkt.NetworkHeader().View().AsSlice()...))
	if th := pkt.TransportHeader().View(); th != nil {
		buf.Append(th)
	}
	data := pkt.Data().ToBuffer()
	buf.Merge(&data)
	return buf.Flatten()
}
