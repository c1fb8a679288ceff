package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/torque/internal/torque"
)

// JSONLines is a ToolAdapter fed by newline-delimited JSON raw readings,
// typically a pipe from a tool gateway or a recorded capture on stdin.
//
// One source serves one wrench. Lines naming a different wrench_id are
// dropped; lines with no wrench_id are attributed to the connected wrench.
// Blank lines and lines starting with '#' are ignored. Malformed lines are
// logged and skipped.
type JSONLines struct {
	src io.Reader

	mu       sync.Mutex
	wrenchID string
	started  bool
	stop     chan struct{}
	readings chan torque.RawReading
	err      error
}

// NewJSONLines wraps r. Nothing is read until Connect.
func NewJSONLines(r io.Reader) *JSONLines {
	return &JSONLines{src: r}
}

// Connect binds the source to w and starts decoding.
// A source can be connected once.
func (j *JSONLines) Connect(_ context.Context, w torque.Wrench) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return fmt.Errorf("%s: %w", j.wrenchID, ErrAlreadyConnected)
	}
	j.wrenchID = w.ID
	j.started = true
	j.stop = make(chan struct{})
	j.readings = make(chan torque.RawReading)
	go j.decode(w.ID, j.stop, j.readings)
	return nil
}

func (j *JSONLines) decode(wrenchID string, stop <-chan struct{}, out chan<- torque.RawReading) {
	defer close(out)

	sc := bufio.NewScanner(j.src)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var raw torque.RawReading
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			slog.Warn("skipping malformed reading", "wrench", wrenchID, "line", line, "error", err)
			continue
		}
		if raw.WrenchID == "" {
			raw.WrenchID = wrenchID
		} else if raw.WrenchID != wrenchID {
			slog.Debug("dropping reading for other wrench", "wrench", raw.WrenchID, "line", line)
			continue
		}
		select {
		case out <- raw:
		case <-stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		slog.Error("reading source failed", "wrench", wrenchID, "error", err)
	}
}

// Disconnect stops delivery. The reading channel closes once the decoder
// observes the stop.
func (j *JSONLines) Disconnect(_ context.Context, wrenchID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started || j.stop == nil || wrenchID != j.wrenchID {
		return notConnected(wrenchID)
	}
	close(j.stop)
	j.stop = nil
	return nil
}

// Status reports the source as connected at full battery and signal while
// it is bound. A recorded stream carries no telemetry.
func (j *JSONLines) Status(wrenchID string) (torque.Telemetry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started || j.stop == nil || wrenchID != j.wrenchID {
		return torque.Telemetry{}, notConnected(wrenchID)
	}
	return torque.Telemetry{Connected: true, Battery: 100, Signal: 100}, nil
}

// Readings returns the decoded stream.
func (j *JSONLines) Readings(wrenchID string) (<-chan torque.RawReading, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.started || wrenchID != j.wrenchID {
		return nil, notConnected(wrenchID)
	}
	return j.readings, nil
}

// Err returns the error that ended the source, if any. io.EOF is not an
// error.
func (j *JSONLines) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
