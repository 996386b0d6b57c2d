package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// SessionGap is one line of the append-only session_boundaries.jsonl
// sidecar (§6.4). ID lets a downstream consumer dedupe re-emitted lines
// after a crash-restart replays the same detection.
type SessionGap struct {
	ID               string  `json:"id"`
	PreviousEndUTC   float64 `json:"previous_end_utc"`
	CurrentStartUTC  float64 `json:"current_start_utc"`
	GapSeconds       float64 `json:"gap_seconds"`
	DetectedAt       float64 `json:"detected_at"`
}

// sessionGapThreshold is the "more than 2 minutes in the past" trigger
// from §4.7/§6.4.
const sessionGapThreshold = 120.0

// LatestSealedHeader finds the most recently named sealed file for a
// channel directory and reads just its header fields. Returns ok=false if
// no sealed file exists yet (e.g. first-ever startup).
func LatestSealedHeader(dataRoot, channelName string) (hdr Header, ok bool, err error) {
	dir := filepath.Join(dataRoot, "archives", channelName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, false, nil
		}
		return Header{}, false, err
	}

	var names []string
	suffix := "." + FileExtension
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return Header{}, false, nil
	}
	// File names embed YYYYMMDDTHHMM00Z, so lexicographic order is
	// chronological order.
	sort.Strings(names)
	latest := filepath.Join(dir, names[len(names)-1])

	f, err := os.Open(latest)
	if err != nil {
		return Header{}, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Header{}, false, err
	}

	hdr, err = ReadHeader(f, st.Size())
	if err != nil {
		return Header{}, false, err
	}
	return hdr, true, nil
}

// DetectSessionGap implements the Supervisor's startup-only check (§4.7
// item 3): if the implied end-time of the most recent sealed file is more
// than sessionGapThreshold seconds before now, it's a recorder-offline gap
// (rather than ordinary network loss, which the resequencer already
// accounts for within a file).
func DetectSessionGap(dataRoot, channelName string, nowUTC float64) (*SessionGap, error) {
	hdr, ok, err := LatestSealedHeader(dataRoot, channelName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	nominal := int64(hdr.SampleRate) * 60
	endUTC := hdr.Snap.UTCOf(hdr.FirstRTP, uint32(nominal))

	gap := nowUTC - endUTC
	if gap <= sessionGapThreshold {
		return nil, nil
	}

	return &SessionGap{
		ID:              uuid.NewString(),
		PreviousEndUTC:  endUTC,
		CurrentStartUTC: nowUTC,
		GapSeconds:      gap,
		DetectedAt:      nowUTC,
	}, nil
}

// AppendSessionGap appends one JSON line to the channel's
// session_boundaries.jsonl sidecar.
func AppendSessionGap(dataRoot, channelName string, gap SessionGap) error {
	dir := filepath.Join(dataRoot, "archives", channelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "session_boundaries.jsonl")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: opening session gap sidecar: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(gap); err != nil {
		return err
	}
	return w.Flush()
}
