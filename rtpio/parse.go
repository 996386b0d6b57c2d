// SPDX-License-Identifier: MPL-2.0

package rtpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/rtp"
)

var (
	ErrShortPacket  = errors.New("rtpio: packet shorter than RTP header")
	ErrOddPayload   = errors.New("rtpio: payload is not a whole number of IQ samples")
	ErrEmptyPayload = errors.New("rtpio: payload carries zero samples")
)

// bytesPerSample is 2 bytes for Q plus 2 bytes for I, both signed 16-bit
// big-endian, per the upstream wire format.
const bytesPerSample = 4

const sampleDivisor = 32768.0

// ParsePacket decodes one inbound RTP datagram. The payload offset is
// derived from the header's actual CSRC count and extension length rather
// than assumed to be 12 bytes, per RFC 3550 — rtp.Header.Unmarshal already
// walks CSRC identifiers and the extension block and returns the number of
// bytes it consumed, so the payload boundary falls out of that rather than
// being computed by hand a second time.
func ParsePacket(buf []byte, recvUTC time.Time) (Packet, error) {
	var hdr rtp.Header
	n, err := hdr.Unmarshal(buf)
	if err != nil {
		return Packet{}, fmt.Errorf("rtpio: header unmarshal: %w", err)
	}

	end := len(buf)
	if hdr.Padding {
		if end == n {
			return Packet{}, ErrShortPacket
		}
		padLen := int(buf[end-1])
		end -= padLen
	}
	if end < n {
		return Packet{}, ErrShortPacket
	}

	payload := buf[n:end]
	if len(payload)%bytesPerSample != 0 {
		return Packet{}, ErrOddPayload
	}

	return Packet{
		Sequence:  hdr.SequenceNumber,
		Timestamp: hdr.Timestamp,
		SSRC:      hdr.SSRC,
		Payload:   payload,
		RecvUTC:   recvUTC,
	}, nil
}

// DecodeSamples interprets payload as interleaved signed 16-bit big-endian
// (Q, I) pairs, per upstream convention — NOT (I, Q). The sample count is
// derived from len(payload), never hardcoded.
func DecodeSamples(payload []byte) ([]Sample, error) {
	if len(payload)%bytesPerSample != 0 {
		return nil, ErrOddPayload
	}
	count := len(payload) / bytesPerSample
	if count == 0 {
		return nil, ErrEmptyPayload
	}

	out := make([]Sample, count)
	for i := 0; i < count; i++ {
		off := i * bytesPerSample
		q := int16(uint16(payload[off])<<8 | uint16(payload[off+1]))
		iv := int16(uint16(payload[off+2])<<8 | uint16(payload[off+3]))
		out[i] = Sample{
			I: float32(iv) / sampleDivisor,
			Q: float32(q) / sampleDivisor,
		}
	}
	return out, nil
}
