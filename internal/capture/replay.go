package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// ReplaySource reads packets from a JSONL capture file, one JSON object per
// line. Malformed lines are skipped and counted, not fatal.
type ReplaySource struct {
	file    *os.File
	scanner *bufio.Scanner
	// Pace replays with original inter-arrival timing instead of as fast
	// as the consumer pulls.
	pace   bool
	lastTS float64

	mu      sync.Mutex
	skipped int
	closed  bool
}

// NewReplaySource opens a JSONL capture for replay.
func NewReplaySource(path string, pace bool) (*ReplaySource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ReplaySource{file: file, scanner: scanner, pace: pace}, nil
}

// Next returns the next packet in the capture, io.EOF at end of file.
func (rs *ReplaySource) Next(ctx context.Context) (*event.Packet, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, io.EOF
	}
	for rs.scanner.Scan() {
		line := rs.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pkt event.Packet
		if err := json.Unmarshal(line, &pkt); err != nil {
			rs.skipped++
			continue
		}
		if err := pkt.Validate(); err != nil {
			rs.skipped++
			continue
		}
		if rs.pace && rs.lastTS > 0 && pkt.TS > rs.lastTS {
			delay := time.Duration((pkt.TS - rs.lastTS) * float64(time.Second))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
		rs.lastTS = pkt.TS
		return &pkt, nil
	}
	if err := rs.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	return nil, io.EOF
}

// Skipped reports how many malformed lines were dropped.
func (rs *ReplaySource) Skipped() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.skipped
}

// Close closes the underlying file.
func (rs *ReplaySource) Close() error {
	rs.mu.Lock()
	rs.closed = true
	rs.mu.Unlock()
	return rs.file.Close()
}
