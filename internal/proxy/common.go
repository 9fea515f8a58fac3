package proxy

import (
	"fmt"
	"net"

	"github.com/nullpointer-dev/bwnet/internal/bundle"
	"github.com/nullpointer-dev/bwnet/internal/channel"
	"github.com/nullpointer-dev/bwnet/internal/netsock"
	"github.com/nullpointer-dev/bwnet/internal/packet"
)

// sendBundle packetizes and sends b over sock to dst, numbering and
// acking packets through tracker. Shared by LoginProxy and BaseAppProxy,
// mirroring loginapp.App.sendBundle/baseapp.App.sendBundle.
func sendBundle(sock *netsock.Socket, dst *net.UDPAddr, tracker *channel.Tracker, b *bundle.Bundle) error {
	packets := b.Packets()
	first := tracker.NextOutboundSeq()
	for i := 1; i < len(packets); i++ {
		tracker.NextOutboundSeq()
	}

	acks := tracker.DrainAcks()
	cumulative, hasCumulative := tracker.CumulativeAck()

	for i, p := range packets {
		cfg := &packet.Config{
			Reliable: true,
			SeqNum:   first + uint32(i),
		}
		if len(packets) > 1 {
			cfg.SeqRange = &packet.SeqRange{First: first, Last: first + uint32(len(packets)-1)}
		}
		if i == 0 {
			if hasCumulative {
				cfg.CumulativeAck = &cumulative
			}
			cfg.Acks = acks
		}
		if err := p.WriteConfig(cfg); err != nil {
			return fmt.Errorf("proxy: write packet config: %w", err)
		}
		if err := sock.Send(p, dst); err != nil {
			return fmt.Errorf("proxy: send: %w", err)
		}
		tracker.RecordSent(first+uint32(i), p.Bytes())
	}
	return nil
}
