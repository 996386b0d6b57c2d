// SPDX-License-Identifier: MPL-2.0

// Package ingest binds the configured multicast RTP socket and demultiplexes
// inbound datagrams to per-channel processors by SSRC (§4.6). It owns no
// per-channel ordering or archival state of its own — only the socket, the
// SSRC routing table, and one bounded queue per registered channel.
package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/rs/zerolog"
)

// Processor is the subset of channel.Processor the Ingestor depends on,
// kept as an interface so tests can register a fake without constructing a
// full archive.Writer/anchor.Manager stack.
type Processor interface {
	PushPacket(raw []byte, recvUTC time.Time) error
}

// queueDepth is the bounded MPSC queue size per channel (§5): "a bounded
// channel channel of raw packets...preferred for backpressure; drop-oldest
// when full with a counter."
const queueDepth = 256

// maxDatagramSize comfortably covers RTP header plus a 320-sample 16-bit
// IQ payload (1292 bytes) with headroom for larger narrowband framings.
const maxDatagramSize = 2048

// readDeadlineQuantum bounds how long a single ReadFrom call blocks, so the
// receive loop notices ctx cancellation promptly without needing a second
// goroutine or a non-blocking socket.
const readDeadlineQuantum = 500 * time.Millisecond

type route struct {
	ssrc     uint32
	name     string
	proc     Processor
	queue    chan rawPacket
	lastSeen time.Time

	dropped uint64
}

type rawPacket struct {
	data    []byte
	recvUTC time.Time
}

// Ingestor runs the single process-wide RTP receive loop.
type Ingestor struct {
	addr      string
	iface     string
	log       zerolog.Logger

	routes        map[uint32]*route
	unknownSSRC   uint64
	silenceWarn   time.Duration
}

// New constructs an Ingestor bound to the given multicast "host:port"
// address. iface, if non-empty, names the network interface to join the
// group on; empty means the kernel default (all interfaces).
func New(addr, iface string, silenceWarn time.Duration, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		addr:        addr,
		iface:       iface,
		silenceWarn: silenceWarn,
		log:         log.With().Str("component", "ingest").Logger(),
		routes:      make(map[uint32]*route),
	}
}

// Register binds an SSRC to the channel processor that should receive its
// packets. Must be called before Run.
func (g *Ingestor) Register(ssrc uint32, name string, proc Processor) {
	g.routes[ssrc] = &route{
		ssrc:  ssrc,
		name:  name,
		proc:  proc,
		queue: make(chan rawPacket, queueDepth),
	}
}

// Run binds the multicast socket, joins the group, and receives until ctx
// is cancelled. It reconnects with capped exponential backoff on socket
// errors (§4.6) and returns only once the context is done, always with a
// nil error: a failed bind is retried indefinitely and never ends Run.
func (g *Ingestor) Run(ctx context.Context) error {
	for _, r := range g.routes {
		go g.drain(ctx, r)
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, pconn, err := g.bind()
		if err != nil {
			g.log.Error().Err(err).Dur("retry_in", backoff).Msg("multicast bind failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 100 * time.Millisecond
		err = g.receiveLoop(ctx, conn, pconn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		g.log.Error().Err(err).Msg("receive loop exited, rebinding")
	}
}

func (g *Ingestor) bind() (*net.UDPConn, *ipv4.PacketConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", g.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: resolving %s: %w", g.addr, err)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", udpAddr.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: listening on port %d: %w", udpAddr.Port, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	var ifi *net.Interface
	if g.iface != "" {
		ifi, err = net.InterfaceByName(g.iface)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("ingest: interface %q: %w", g.iface, err)
		}
	}
	if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: udpAddr.IP}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ingest: joining multicast group %s: %w", udpAddr.IP, err)
	}

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, nil, errors.New("ingest: unexpected packet conn type")
	}
	return udpConn, pconn, nil
}

func (g *Ingestor) receiveLoop(ctx context.Context, conn *net.UDPConn, pconn *ipv4.PacketConn) error {
	defer pconn.Close()
	buf := make([]byte, maxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadlineQuantum)); err != nil {
			return fmt.Errorf("ingest: setting read deadline: %w", err)
		}

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}

		recvUTC := time.Now()
		g.dispatch(buf[:n], recvUTC)
	}
}

// dispatch reads the SSRC out of the RTP header (bytes 8:12, per RFC 3550)
// without a full parse, so unrecognized streams are routed (or dropped)
// without the cost of a complete header unmarshal — full parsing happens
// once, inside the owning ChannelProcessor.
func (g *Ingestor) dispatch(buf []byte, recvUTC time.Time) {
	if len(buf) < 12 {
		g.log.Warn().Int("len", len(buf)).Msg("dropping undersized datagram")
		return
	}
	ssrc := binary.BigEndian.Uint32(buf[8:12])

	r, ok := g.routes[ssrc]
	if !ok {
		g.unknownSSRC++
		return
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	pkt := rawPacket{data: cp, recvUTC: recvUTC}

	select {
	case r.queue <- pkt:
	default:
		// Queue full: drop the oldest to make room, per §5's "drop-oldest
		// when full with a counter" backpressure policy.
		select {
		case <-r.queue:
			r.dropped++
		default:
		}
		select {
		case r.queue <- pkt:
		default:
			r.dropped++
		}
	}
}

// drain pumps one channel's queue into its processor until ctx is done, at
// which point it exits without forcing a flush — shutdown flushing is the
// Supervisor/caller's responsibility via Processor.Flush.
func (g *Ingestor) drain(ctx context.Context, r *route) {
	silenceTicker := time.NewTicker(g.silenceWarnInterval())
	defer silenceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-r.queue:
			r.lastSeen = pkt.recvUTC
			if err := r.proc.PushPacket(pkt.data, pkt.recvUTC); err != nil {
				g.log.Warn().Err(err).Str("channel", r.name).Msg("push_packet failed")
			}
		case <-silenceTicker.C:
			if !r.lastSeen.IsZero() && g.silenceWarn > 0 && time.Since(r.lastSeen) > g.silenceWarn {
				g.log.Warn().Str("channel", r.name).Dur("silence", time.Since(r.lastSeen)).Msg("no packets for channel")
			}
		}
	}
}

func (g *Ingestor) silenceWarnInterval() time.Duration {
	if g.silenceWarn <= 0 {
		return time.Minute
	}
	return g.silenceWarn
}

// DroppedForChannel reports the drop-oldest counter for a registered SSRC,
// for health reporting/tests.
func (g *Ingestor) DroppedForChannel(ssrc uint32) uint64 {
	if r, ok := g.routes[ssrc]; ok {
		return r.dropped
	}
	return 0
}

// UnknownSSRCCount reports how many datagrams arrived for an SSRC with no
// registered route.
func (g *Ingestor) UnknownSSRCCount() uint64 {
	return g.unknownSSRC
}
