package rtpio

// SeqDelta returns the signed distance from b to a on a 16-bit sequence
// counter, in the range (-2^15, 2^15]. A positive result means a is ahead
// of (newer than) b.
func SeqDelta(a, b uint16) int32 {
	d := int32(int16(a - b))
	if d == -1<<15 {
		return 1 << 15
	}
	return d
}

// RTPDelta returns the signed distance from b to a on a 32-bit RTP
// timestamp counter, in the range [-2^31, 2^31). The subtraction happens
// in unsigned 32-bit arithmetic (so it wraps the same way the counter
// itself wraps) and only the reinterpretation as signed happens after —
// never the other way around.
func RTPDelta(a, b uint32) int64 {
	return int64(int32(a - b))
}
