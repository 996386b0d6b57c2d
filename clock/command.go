package clock

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandQuerier invokes an opaque external command and parses its stdout
// for a "System time" line carrying the offset in seconds, matching
// `chronyc tracking` output. This is the concrete Querier the process uses
// by default; tests use a fake Querier instead of shelling out.
//
// Example chronyc tracking line this parses:
//
//	System time     : 0.000021300 seconds fast of NTP time
type CommandQuerier struct {
	Command []string
}

func NewCommandQuerier(command []string) CommandQuerier {
	if len(command) == 0 {
		command = []string{"chronyc", "tracking"}
	}
	return CommandQuerier{Command: command}
}

func (q CommandQuerier) Query(ctx context.Context) (float64, error) {
	cmd := exec.CommandContext(ctx, q.Command[0], q.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("clock: running time authority command: %w", err)
	}

	offsetSec, err := parseChronyTrackingOffset(out)
	if err != nil {
		return 0, err
	}
	return offsetSec * 1000.0, nil
}

func parseChronyTrackingOffset(out []byte) (float64, error) {
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(strings.TrimSpace(line), "System time") {
			continue
		}
		fields := strings.Fields(line)
		// "System" "time" ":" "<offset>" "seconds" "fast|slow" "of" ...
		for i, f := range fields {
			if f == ":" && i+1 < len(fields) {
				v, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					continue
				}
				sign := 1.0
				if i+3 < len(fields) && fields[i+3] == "slow" {
					sign = -1.0
				}
				return sign * v, nil
			}
		}
	}
	return 0, fmt.Errorf("clock: could not find 'System time' line in time authority output")
}
