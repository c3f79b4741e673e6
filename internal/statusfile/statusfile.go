// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package statusfile implements the durable on-disk backend-status file
// of spec.md §4.2/§6: an ASCII form (one "up"/"down"/"unused" line per
// backend) written going forward, with read support for the legacy
// fixed-size binary record format for upgrades.
package statusfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"strings"

	"github.com/pgpool-go/supervisor/internal/state"
)

// legacyRecordSize is the fixed size, in bytes, of one legacy binary
// status record: a little-endian int32 status code per backend.
const legacyRecordSize = 4

// ErrBogus is returned (alongside a reset-to-CONNECT_WAIT result) when a
// parsed file contains no UP or CONNECT_WAIT entry — spec.md §4.2 policy:
// such a file is untrustworthy and discarded.
var ErrBogus = errors.New("statusfile: no UP/CONNECT_WAIT entry, treating as bogus")

// Read loads backend statuses from path. If discard is true the file is
// unlinked (if present) and every backend is reported CONNECT_WAIT. If the
// file does not exist, the same CONNECT_WAIT-for-all result is returned
// without error (first run).
func Read(path string, numBackends int, discard bool) ([]state.BackendStatus, error) {
	allWait := make([]state.BackendStatus, numBackends)
	for i := range allWait {
		allWait[i] = state.StatusConnectWait
	}

	if discard {
		_ = os.Remove(path)
		return allWait, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return allWait, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return allWait, nil
	}

	statuses, ok := parseASCII(data, numBackends)
	if !ok {
		statuses, ok = parseLegacyBinary(data, numBackends)
	}
	if !ok {
		// Neither format recognized — treat exactly like a bogus file.
		return allWait, ErrBogus
	}

	if !hasUpOrWaiting(statuses) {
		return allWait, ErrBogus
	}
	return statuses, nil
}

func hasUpOrWaiting(statuses []state.BackendStatus) bool {
	for _, s := range statuses {
		if s == state.StatusUp || s == state.StatusConnectWait {
			return true
		}
	}
	return false
}

// parseASCII parses the newline-delimited "up|down|unused" form.
func parseASCII(data []byte, numBackends int) ([]state.BackendStatus, bool) {
	// Quick rejection: legacy binary files are not made of printable
	// ASCII lines. Require every non-empty line to be one of the three
	// known tokens.
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return nil, false
	}
	out := make([]state.BackendStatus, numBackends)
	for i := range out {
		out[i] = state.StatusUnused
	}
	for i, line := range lines {
		if i >= numBackends {
			break
		}
		switch strings.TrimSpace(line) {
		case "up":
			out[i] = state.StatusUp
		case "down":
			out[i] = state.StatusDown
		case "unused":
			out[i] = state.StatusUnused
		case "":
			continue
		default:
			return nil, false
		}
	}
	return out, true
}

// parseLegacyBinary parses the fixed-size binary record format: one
// little-endian int32 per backend, values 0=UNUSED,1=CONNECT_WAIT,2=UP,3=DOWN.
func parseLegacyBinary(data []byte, numBackends int) ([]state.BackendStatus, bool) {
	if len(data)%legacyRecordSize != 0 {
		return nil, false
	}
	n := len(data) / legacyRecordSize
	out := make([]state.BackendStatus, numBackends)
	for i := range out {
		out[i] = state.StatusUnused
	}
	r := bytes.NewReader(data)
	for i := 0; i < n && i < numBackends; i++ {
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, false
		}
		if v < 0 || v > 3 {
			return nil, false
		}
		out[i] = state.BackendStatus(v)
	}
	return out, true
}

// Write persists the ASCII form of statuses, flushed and fsynced. Per
// spec.md §4.2's invariant, the write is skipped entirely if every
// backend is DOWN — the last non-all-down snapshot remains the durable
// record, so an operator can see where the cluster was before a total
// outage rather than a file full of "down".
func Write(path string, statuses []state.BackendStatus) error {
	if allDown(statuses) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, s := range statuses {
		if _, err := w.WriteString(asciiToken(s) + "\n"); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func allDown(statuses []state.BackendStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s != state.StatusDown {
			return false
		}
	}
	return true
}

func asciiToken(s state.BackendStatus) string {
	switch s {
	case state.StatusUp, state.StatusConnectWait:
		// pgpool_main.c writes CON_CONNECT_WAIT the same as UP (only
		// DOWN/UNUSED become "down"): a failed-back node persisted
		// mid-CONNECT_WAIT must read back as live, not vanish from
		// Area.All() on the next restart.
		return "up"
	case state.StatusUnused:
		return "unused"
	default:
		return "down"
	}
}
