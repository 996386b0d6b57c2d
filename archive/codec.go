package archive

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Container field names, one per zip entry. Kept short and stable since
// they are part of the on-disk format once published (§1 non-goals:
// no schema migrations after publication).
const (
	fieldSchemaVersion       = "schema_version"
	fieldIQ                  = "iq"
	fieldGapMask             = "gap_mask"
	fieldFirstRTP            = "first_rtp"
	fieldSampleRate          = "sample_rate"
	fieldGapsFilled          = "gaps_filled"
	fieldPacketsReceived     = "packets_received"
	fieldPacketsExpected     = "packets_expected"
	fieldTimeSnapRTP         = "time_snap_rtp"
	fieldTimeSnapUTC         = "time_snap_utc"
	fieldTimeSnapSource      = "time_snap_source"
	fieldTimeSnapConfidence  = "time_snap_confidence"
	fieldNTPOffsetMS         = "ntp_offset_ms"
	fieldNTPWallClockAtClose = "ntp_wall_clock_at_close"
	fieldChannelName         = "channel_name"
	fieldChannelFrequencyHz  = "channel_frequency_hz"
)

// schemaVersion1 is the only version this spec defines.
const schemaVersion1 = uint32(1)

// WriteTo encodes f as a zip container of named, independently compressed
// entries, mirroring NPZ's own zip-of-arrays layout — the closest
// structural analog available without a third-party numeric-array
// library (none appears anywhere in the retrieved corpus).
func WriteTo(w io.Writer, f File) error {
	zw := zip.NewWriter(w)

	put := func(name string, b []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		_, err = fw.Write(b)
		return err
	}

	if err := put(fieldSchemaVersion, u32le(schemaVersion1)); err != nil {
		return err
	}
	if err := put(fieldIQ, encodeIQ(f.IQ)); err != nil {
		return err
	}
	if err := put(fieldGapMask, f.GapMask); err != nil {
		return err
	}
	if err := put(fieldFirstRTP, u32le(f.FirstRTP)); err != nil {
		return err
	}
	if err := put(fieldSampleRate, u32le(f.SampleRate)); err != nil {
		return err
	}
	if err := put(fieldGapsFilled, u64le(f.GapsFilled)); err != nil {
		return err
	}
	if err := put(fieldPacketsReceived, u64le(f.PacketsReceived)); err != nil {
		return err
	}
	if err := put(fieldPacketsExpected, u64le(f.PacketsExpected)); err != nil {
		return err
	}
	if err := put(fieldTimeSnapRTP, u32le(f.Snap.RTPAnchor)); err != nil {
		return err
	}
	if err := put(fieldTimeSnapUTC, f64le(f.Snap.UTCAnchor)); err != nil {
		return err
	}
	if err := put(fieldTimeSnapSource, []byte(f.Snap.Source.String())); err != nil {
		return err
	}
	if err := put(fieldTimeSnapConfidence, f64le(f.Snap.Confidence)); err != nil {
		return err
	}
	if f.NTPOffsetMS != nil {
		if err := put(fieldNTPOffsetMS, f64le(*f.NTPOffsetMS)); err != nil {
			return err
		}
	}
	if err := put(fieldNTPWallClockAtClose, f64le(f.NTPWallClockAtClose)); err != nil {
		return err
	}
	if err := put(fieldChannelName, []byte(f.ChannelName)); err != nil {
		return err
	}
	if err := put(fieldChannelFrequencyHz, f64le(f.ChannelFrequencyHz)); err != nil {
		return err
	}

	return zw.Close()
}

// ReadFrom decodes a container written by WriteTo. Callers that only need
// header fields (the Supervisor's session-boundary scan) can read just the
// scalar entries via ReadHeader instead, to avoid inflating the IQ array.
func ReadFrom(r io.ReaderAt, size int64) (File, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return File{}, fmt.Errorf("archive: opening container: %w", err)
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		files[zf.Name] = zf
	}

	readAll := func(name string) ([]byte, error) {
		zf, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("archive: container missing field %q", name)
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		b := make([]byte, zf.UncompressedSize64)
		if _, err := io.ReadFull(rc, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	var f File

	if b, err := readAll(fieldSchemaVersion); err != nil {
		return File{}, err
	} else {
		f.SchemaVersion = decodeU32(b)
	}
	if b, err := readAll(fieldIQ); err != nil {
		return File{}, err
	} else {
		f.IQ = decodeIQ(b)
	}
	if b, err := readAll(fieldGapMask); err != nil {
		return File{}, err
	} else {
		f.GapMask = b
	}
	if b, err := readAll(fieldFirstRTP); err != nil {
		return File{}, err
	} else {
		f.FirstRTP = decodeU32(b)
	}
	if b, err := readAll(fieldSampleRate); err != nil {
		return File{}, err
	} else {
		f.SampleRate = decodeU32(b)
	}
	if b, err := readAll(fieldGapsFilled); err != nil {
		return File{}, err
	} else {
		f.GapsFilled = decodeU64(b)
	}
	if b, err := readAll(fieldPacketsReceived); err != nil {
		return File{}, err
	} else {
		f.PacketsReceived = decodeU64(b)
	}
	if b, err := readAll(fieldPacketsExpected); err != nil {
		return File{}, err
	} else {
		f.PacketsExpected = decodeU64(b)
	}
	if b, err := readAll(fieldTimeSnapRTP); err != nil {
		return File{}, err
	} else {
		f.Snap.RTPAnchor = decodeU32(b)
	}
	if b, err := readAll(fieldTimeSnapUTC); err != nil {
		return File{}, err
	} else {
		f.Snap.UTCAnchor = decodeF64(b)
	}
	if b, err := readAll(fieldTimeSnapSource); err != nil {
		return File{}, err
	} else {
		f.Snap.Source = parseSnapSource(string(b))
	}
	if b, err := readAll(fieldTimeSnapConfidence); err != nil {
		return File{}, err
	} else {
		f.Snap.Confidence = decodeF64(b)
	}
	if b, err := readAll(fieldNTPOffsetMS); err == nil {
		v := decodeF64(b)
		f.NTPOffsetMS = &v
	}
	if b, err := readAll(fieldNTPWallClockAtClose); err != nil {
		return File{}, err
	} else {
		f.NTPWallClockAtClose = decodeF64(b)
	}
	if b, err := readAll(fieldChannelName); err != nil {
		return File{}, err
	} else {
		f.ChannelName = string(b)
	}
	if b, err := readAll(fieldChannelFrequencyHz); err != nil {
		return File{}, err
	} else {
		f.ChannelFrequencyHz = decodeF64(b)
	}

	f.Snap.SampleRate = f.SampleRate
	return f, nil
}

// Header is the subset of File needed for session-boundary detection: it
// deliberately excludes iq/gap_mask so the Supervisor's startup scan never
// inflates a whole minute of samples just to read five scalars.
type Header struct {
	FirstRTP   uint32
	SampleRate uint32
	Snap       TimeSnap
}

func ReadHeader(r io.ReaderAt, size int64) (Header, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Header{}, fmt.Errorf("archive: opening container: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		files[zf.Name] = zf
	}
	readAll := func(name string) ([]byte, error) {
		zf, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("archive: container missing field %q", name)
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		b := make([]byte, zf.UncompressedSize64)
		if _, err := io.ReadFull(rc, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	var h Header
	b, err := readAll(fieldFirstRTP)
	if err != nil {
		return Header{}, err
	}
	h.FirstRTP = decodeU32(b)

	if b, err = readAll(fieldSampleRate); err != nil {
		return Header{}, err
	}
	h.SampleRate = decodeU32(b)

	if b, err = readAll(fieldTimeSnapRTP); err != nil {
		return Header{}, err
	}
	h.Snap.RTPAnchor = decodeU32(b)

	if b, err = readAll(fieldTimeSnapUTC); err != nil {
		return Header{}, err
	}
	h.Snap.UTCAnchor = decodeF64(b)

	if b, err = readAll(fieldTimeSnapSource); err != nil {
		return Header{}, err
	}
	h.Snap.Source = parseSnapSource(string(b))
	h.Snap.SampleRate = h.SampleRate

	return h, nil
}

func parseSnapSource(s string) SnapSource {
	switch s {
	case "ntp":
		return NTP
	case "tone_startup":
		return ToneStartup
	case "tone_verified":
		return ToneVerified
	default:
		return WallClock
	}
}

func encodeIQ(iq []complex64Pair) []byte {
	b := make([]byte, len(iq)*8)
	for i, s := range iq {
		binary.LittleEndian.PutUint32(b[i*8:], math.Float32bits(s.Re))
		binary.LittleEndian.PutUint32(b[i*8+4:], math.Float32bits(s.Im))
	}
	return b
}

func decodeIQ(b []byte) []complex64Pair {
	n := len(b) / 8
	out := make([]complex64Pair, n)
	for i := 0; i < n; i++ {
		re := math.Float32frombits(binary.LittleEndian.Uint32(b[i*8:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(b[i*8+4:]))
		out[i] = complex64Pair{Re: re, Im: im}
	}
	return out
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func f64le(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

func decodeU32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func decodeU64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func decodeF64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
