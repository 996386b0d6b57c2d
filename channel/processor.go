// SPDX-License-Identifier: MPL-2.0

// Package channel implements the single per-channel authority that ties
// together packet parsing, resequencing, gap-filling, and archival under
// one mutex, per the system's one-lock-per-channel ownership rule.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/hfstation/tsrecorder/anchor"
	"github.com/hfstation/tsrecorder/archive"
	"github.com/hfstation/tsrecorder/rtpio"
	"github.com/rs/zerolog"
)

// HealthReport is returned by Health() and rendered as the periodic status
// line (§3.1/§7).
type HealthReport struct {
	ChannelName     string
	PacketsReceived uint64
	PacketsDropped  uint64
	GapsFilled      uint64
	LastSnapSource  string
	LastSnapConf    float64
	LastSnapAge     time.Duration
	SilenceDuration time.Duration
	LastSequence    uint16
	ParseErrors     uint64
}

// state mirrors the distilled spec's ChannelState: last_rtp_timestamp,
// last_sequence, health flags, last_packet_time, protected by Processor's
// own lock rather than a lock of its own.
type state struct {
	lastSequence   uint16
	lastRTP        uint32
	nextExpectedRTP uint32
	haveCursor     bool
	lastPacketAt    time.Time
	parseErrors     uint64
	packetsDropped  uint64
	packetsReceived uint64
}

// Processor is the single mutex-guarded authority for one channel: packet
// parsing, resequencing, gap-fill, and forwarding into the ArchiveWriter.
type Processor struct {
	mu sync.Mutex

	spec     rtpio.ChannelSpec
	reseq    *rtpio.Resequencer
	writer   *archive.Writer
	anchorMgr *anchor.Manager
	log      zerolog.Logger

	st state
}

func NewProcessor(spec rtpio.ChannelSpec, writer *archive.Writer, anchorMgr *anchor.Manager, log zerolog.Logger) *Processor {
	return &Processor{
		spec:      spec,
		reseq:     rtpio.NewResequencer(spec, rtpio.DefaultResequencerConfig(spec.SampleRate)),
		writer:    writer,
		anchorMgr: anchorMgr,
		log:       log.With().Str("component", "channel").Str("channel", spec.Name).Logger(),
	}
}

// PushPacket parses one raw RTP datagram and routes its samples through the
// resequencer and into the archive writer.
func (p *Processor) PushPacket(raw []byte, recvUTC time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pkt, err := rtpio.ParsePacket(raw, recvUTC)
	if err != nil {
		p.st.parseErrors++
		p.log.Warn().Err(err).Msg("dropping malformed packet")
		return fmt.Errorf("channel: parse: %w", err)
	}

	if pkt.SSRC != p.spec.SSRC {
		return p.handleSourceRestart(pkt)
	}

	batch, err := p.reseq.Push(pkt)
	if err != nil {
		return fmt.Errorf("channel: resequencer: %w", err)
	}

	p.st.lastPacketAt = pkt.RecvUTC
	return p.emit(batch)
}

// handleSourceRestart implements §4.2/§4.3's SourceRestart handling: the
// open minute is sealed with silence fill to the boundary, the resequencer
// is replaced, and the new SSRC becomes the channel's authority going forward.
//
// The processor's own copy of the spec takes the new SSRC, and the
// resequencer is rebuilt from that copy (carrying over its restart count) so
// the new stream's SSRC and sequence space are accepted. Ingest-level SSRC
// routing is the Ingestor's concern (§4.6).
func (p *Processor) handleSourceRestart(pkt rtpio.Packet) error {
	p.log.Warn().Uint32("new_ssrc", pkt.SSRC).Uint32("expected_ssrc", p.spec.SSRC).Msg("source restart detected")
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("channel: sealing on source restart: %w", err)
	}
	// The new SSRC's RTP timestamp space is unrelated to the old stream's;
	// the writer must open a fresh run rooted at it rather than continuing
	// the sealed stream's first_rtp cursor (§4.2/§4.3, S6).
	p.writer.Restart()
	p.spec.SSRC = pkt.SSRC
	restarts := p.reseq.RestartCount + 1
	p.reseq = rtpio.NewResequencer(p.spec, rtpio.DefaultResequencerConfig(p.spec.SampleRate))
	p.reseq.RestartCount = restarts
	p.st = state{}

	batch, err := p.reseq.Push(pkt)
	if err != nil {
		return fmt.Errorf("channel: resequencer after restart: %w", err)
	}
	p.st.lastPacketAt = pkt.RecvUTC
	return p.emit(batch)
}

// emit walks batch.Packets and batch.Gaps in true temporal (sequence) order.
// The two slices are each internally ordered but a single EmissionBatch can
// interleave them — e.g. a gap the window gave up waiting on, then the run
// drained past it in the same Push call — so they must be merged by sequence
// number rather than drained one slice at a time; draining all Packets
// before any Gaps would place gap-fill silence at the RTP position of
// whatever was processed last instead of where the loss actually occurred.
func (p *Processor) emit(batch rtpio.EmissionBatch) error {
	pi, gi := 0, 0
	for pi < len(batch.Packets) || gi < len(batch.Gaps) {
		gapNext := gi < len(batch.Gaps) &&
			(pi >= len(batch.Packets) || rtpio.SeqDelta(batch.Gaps[gi].StartSequence, batch.Packets[pi].Sequence) < 0)

		if gapNext {
			gap := batch.Gaps[gi]
			gi++

			silence := make([]rtpio.Sample, gap.RTPSpan)
			firstRTP := p.st.nextExpectedRTP
			if err := p.writer.Append(rtpio.SampleBlock{
				FirstRTP:    firstRTP,
				Samples:     silence,
				Gap:         true,
				PacketCount: uint64(gap.MissingCount),
			}); err != nil {
				return fmt.Errorf("channel: append gap: %w", err)
			}
			p.st.nextExpectedRTP = firstRTP + uint32(len(silence))
			p.st.haveCursor = true
			p.st.packetsDropped += uint64(gap.MissingCount)
			continue
		}

		pkt := batch.Packets[pi]
		pi++

		samples, err := rtpio.DecodeSamples(pkt.Payload)
		if err != nil {
			p.st.parseErrors++
			p.log.Warn().Err(err).Msg("dropping packet with undecodable payload")
			continue
		}
		if err := p.writer.Append(rtpio.SampleBlock{
			FirstRTP:    pkt.Timestamp,
			Samples:     samples,
			Gap:         false,
			PacketCount: 1,
		}); err != nil {
			return fmt.Errorf("channel: append: %w", err)
		}
		p.st.lastSequence = pkt.Sequence
		p.st.lastRTP = pkt.Timestamp
		p.st.nextExpectedRTP = pkt.Timestamp + uint32(len(samples))
		p.st.haveCursor = true
		p.st.packetsReceived++
	}

	return nil
}

// Flush forces the current partial minute to seal, for clean shutdown.
func (p *Processor) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Flush()
}

// Health reports the processor's current status for the health line and
// Supervisor silence checks. LastSnapSource is the anchor manager's state
// name; LastSnapConf and LastSnapAge are left at zero.
func (p *Processor) Health() HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	var silence time.Duration
	if !p.st.lastPacketAt.IsZero() {
		silence = time.Since(p.st.lastPacketAt)
	}

	return HealthReport{
		ChannelName:     p.spec.Name,
		PacketsReceived: p.st.packetsReceived,
		PacketsDropped:  p.st.packetsDropped + p.reseq.DroppedOld + p.reseq.DroppedDuplicate,
		GapsFilled:      p.st.packetsDropped,
		SilenceDuration: silence,
		LastSequence:    p.st.lastSequence,
		ParseErrors:     p.st.parseErrors,
		LastSnapSource:  p.anchorMgr.State().String(),
	}
}

// ResetHealth clears counters after a supervisor-triggered recovery.
func (p *Processor) ResetHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = state{}
}
