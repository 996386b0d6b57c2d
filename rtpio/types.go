// Package rtpio parses inbound RTP datagrams, decodes their samples, and
// puts packets back in sequence order with the Resequencer, which buffers
// packets across pushes and reports the runs it gives up on. Gap-filling
// and archival live above it in channel/archive.
package rtpio

import "time"

// ChannelKind distinguishes the two nominal-rate families this system
// ingests. The core treats them identically modulo SampleRate.
type ChannelKind int

const (
	Wideband ChannelKind = iota
	NarrowbandCarrier
)

func (k ChannelKind) String() string {
	switch k {
	case Wideband:
		return "wideband"
	case NarrowbandCarrier:
		return "narrowband-carrier"
	default:
		return "unknown"
	}
}

// ChannelSpec is immutable once loaded from configuration.
type ChannelSpec struct {
	SSRC         uint32
	FrequencyHz  float64
	SampleRate   uint32
	Name         string
	Kind         ChannelKind
}

// Packet is a decoded RTP datagram, owned by the ingest path and consumed
// by exactly one Resequencer.
type Packet struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	Payload   []byte
	RecvUTC   time.Time
}

// Sample is a single normalized complex IQ sample in [-1, 1].
type Sample struct {
	I float32
	Q float32
}

// SampleBlock is a run of samples sharing one RTP origin, produced by a
// Resequencer and consumed immediately by an ArchiveWriter.
type SampleBlock struct {
	FirstRTP uint32
	Samples  []Sample
	Gap      bool // true if these are silence-filled, not decoded, samples

	// PacketCount is how many underlying RTP packets this block stands
	// in for: 1 for a block decoded from a single received packet, or
	// the GapReport's MissingCount for a silence-filled block. Archive
	// bookkeeping uses this for packets_received/packets_expected, which
	// are counted in packets, not samples — gaps_filled counts samples.
	PacketCount uint64
}

// GapReport describes a run of RTP sequence numbers the Resequencer gave
// up waiting for.
type GapReport struct {
	StartSequence uint16
	MissingCount  uint32
	RTPSpan       uint32 // number of RTP timestamp ticks the gap spans
}

// EmissionBatch is the result of one Resequencer.Push call: zero or more
// packets now safe to decode and append, in strictly increasing RTP-
// timestamp order, interleaved with reports of sequence runs the window
// gave up waiting for.
type EmissionBatch struct {
	Packets []Packet
	Gaps    []GapReport
}
