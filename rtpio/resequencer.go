// SPDX-License-Identifier: MPL-2.0

package rtpio

import "errors"

var ErrWrongSSRC = errors.New("rtpio: packet ssrc does not match channel spec")

// ResequencerConfig bounds the reorder window. The effective window is
// whichever of MaxPackets and the packet count implied by MaxRTPSpan is
// smaller, so a burst of tiny packets can't blow the RTP-timestamp cap and
// a burst of huge packets can't blow the packet-count cap.
type ResequencerConfig struct {
	MaxPackets int
	MaxRTPSpan uint32 // in RTP timestamp ticks, i.e. samples
}

// DefaultResequencerConfig matches the recommended defaults in the system
// design: ~64 packets, bounded to roughly half a second of nominal samples.
func DefaultResequencerConfig(sampleRate uint32) ResequencerConfig {
	return ResequencerConfig{
		MaxPackets: 64,
		MaxRTPSpan: sampleRate / 2,
	}
}

// Resequencer absorbs out-of-order and duplicate RTP packets within a
// bounded window and emits them in RTP-timestamp order, reporting runs it
// gives up waiting for as GapReports. It is not safe for concurrent use;
// callers (ChannelProcessor) serialize access under their own lock.
type Resequencer struct {
	spec ChannelSpec
	cfg  ResequencerConfig

	initialized bool
	expected    uint16 // next sequence number we want to emit
	slotSamples uint32 // samples-per-packet estimate, learned from traffic

	buf map[uint16]Packet

	DroppedOld       uint64
	DroppedDuplicate uint64
	RestartCount     uint64
}

func NewResequencer(spec ChannelSpec, cfg ResequencerConfig) *Resequencer {
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = 64
	}
	return &Resequencer{
		spec: spec,
		cfg:  cfg,
		buf:  make(map[uint16]Packet, cfg.MaxPackets),
	}
}

// windowPackets returns the effective window size, the smaller of the
// configured packet cap and the packet count implied by MaxRTPSpan.
func (r *Resequencer) windowPackets() int {
	if r.cfg.MaxRTPSpan == 0 || r.slotSamples == 0 {
		return r.cfg.MaxPackets
	}
	bySpan := int(r.cfg.MaxRTPSpan / r.slotSamples)
	if bySpan <= 0 {
		bySpan = 1
	}
	if bySpan < r.cfg.MaxPackets {
		return bySpan
	}
	return r.cfg.MaxPackets
}

// Reset drops all buffered state and reseeds the expected cursor from the
// next pushed packet. The channel spec, and so the accepted SSRC, is kept.
func (r *Resequencer) Reset() {
	r.initialized = false
	r.slotSamples = 0
	for k := range r.buf {
		delete(r.buf, k)
	}
	r.RestartCount++
}

// Push feeds one decoded-header packet into the reorder buffer and returns
// whatever is now safe to emit in order.
func (r *Resequencer) Push(pkt Packet) (EmissionBatch, error) {
	if pkt.SSRC != r.spec.SSRC {
		return EmissionBatch{}, ErrWrongSSRC
	}

	if !r.initialized {
		r.expected = pkt.Sequence
		r.initialized = true
	}

	window := int32(r.windowPackets())

	dist := SeqDelta(pkt.Sequence, r.expected)
	if dist < 0 {
		if -dist > window {
			// Far enough behind the window that it cannot possibly still
			// be useful, or a stale duplicate of something we already
			// advanced past.
			r.DroppedOld++
			return EmissionBatch{}, nil
		}
		if _, exists := r.buf[pkt.Sequence]; exists {
			r.DroppedDuplicate++
			return EmissionBatch{}, nil
		}
		// Late but still inside the window: either a duplicate of a packet
		// already emitted, or one that arrived after we already advanced
		// the cursor past it via a gap report. Both are counted under
		// DroppedOld (DroppedDuplicate counts only duplicates of packets
		// still buffered); a late packet can't un-gap a sealed block.
		r.DroppedOld++
		return EmissionBatch{}, nil
	}

	if _, exists := r.buf[pkt.Sequence]; exists {
		r.DroppedDuplicate++
		return EmissionBatch{}, nil
	}

	r.buf[pkt.Sequence] = pkt
	if r.slotSamples == 0 {
		if n := len(pkt.Payload) / bytesPerSample; n > 0 {
			r.slotSamples = uint32(n)
		}
	}

	var batch EmissionBatch

	// Emit every contiguous run starting at expected.
	for {
		p, ok := r.buf[r.expected]
		if !ok {
			break
		}
		delete(r.buf, r.expected)
		batch.Packets = append(batch.Packets, p)
		r.expected++
	}

	// If the buffer is at capacity and the head (expected) is still
	// missing, we cannot wait any longer: report the gap and skip past it
	// to the next sequence we do have, then resume emitting.
	window = int32(r.windowPackets())
	for len(r.buf) >= r.windowPackets() {
		next, found := r.nextPresentAfter(r.expected)
		if !found {
			break
		}
		missing := uint32(SeqDelta(next, r.expected))
		rtpSpan := missing * r.slotSamplesOrDefault()
		batch.Gaps = append(batch.Gaps, GapReport{
			StartSequence: r.expected,
			MissingCount:  missing,
			RTPSpan:       rtpSpan,
		})
		r.expected = next
		for {
			p, ok := r.buf[r.expected]
			if !ok {
				break
			}
			delete(r.buf, r.expected)
			batch.Packets = append(batch.Packets, p)
			r.expected++
		}
	}

	return batch, nil
}

func (r *Resequencer) slotSamplesOrDefault() uint32 {
	if r.slotSamples == 0 {
		return 1
	}
	return r.slotSamples
}

// nextPresentAfter scans the buffer for the closest sequence number at or
// after from (wrap-aware) that is actually present.
func (r *Resequencer) nextPresentAfter(from uint16) (uint16, bool) {
	best, found := uint16(0), false
	bestDist := int32(1 << 30)
	for seq := range r.buf {
		d := SeqDelta(seq, from)
		if d < 0 {
			continue
		}
		if d < bestDist {
			bestDist = d
			best = seq
			found = true
		}
	}
	return best, found
}
