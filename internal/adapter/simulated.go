package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/torque/internal/torque"
)

// DefaultBuffer is the reading buffer of a simulated tool.
const DefaultBuffer = 64

type simTool struct {
	telemetry torque.Telemetry

	// sendMu serializes sends against the close in Disconnect.
	sendMu   sync.Mutex
	closed   bool
	done     chan struct{}
	readings chan torque.RawReading
}

// Simulated is an in-memory ToolAdapter. Tests and scripted CLI runs push
// readings with Emit.
type Simulated struct {
	mu     sync.Mutex
	buffer int
	tools  map[string]*simTool
}

// NewSimulated creates an adapter whose tools buffer up to buffer readings.
// A non-positive buffer uses DefaultBuffer.
func NewSimulated(buffer int) *Simulated {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Simulated{buffer: buffer, tools: make(map[string]*simTool)}
}

// Connect registers the wrench with full battery and signal.
func (s *Simulated) Connect(_ context.Context, w torque.Wrench) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[w.ID]; ok {
		return fmt.Errorf("%s: %w", w.ID, ErrAlreadyConnected)
	}
	s.tools[w.ID] = &simTool{
		telemetry: torque.Telemetry{Connected: true, Battery: 100, Signal: 100},
		done:      make(chan struct{}),
		readings:  make(chan torque.RawReading, s.buffer),
	}
	return nil
}

// Disconnect closes the wrench's reading stream.
func (s *Simulated) Disconnect(_ context.Context, wrenchID string) error {
	s.mu.Lock()
	t, ok := s.tools[wrenchID]
	delete(s.tools, wrenchID)
	s.mu.Unlock()
	if !ok {
		return notConnected(wrenchID)
	}

	close(t.done)
	t.sendMu.Lock()
	t.closed = true
	close(t.readings)
	t.sendMu.Unlock()
	return nil
}

// Status returns the last telemetry set for the wrench.
func (s *Simulated) Status(wrenchID string) (torque.Telemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[wrenchID]
	if !ok {
		return torque.Telemetry{}, notConnected(wrenchID)
	}
	return t.telemetry, nil
}

// Readings returns the wrench's reading stream.
func (s *Simulated) Readings(wrenchID string) (<-chan torque.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[wrenchID]
	if !ok {
		return nil, notConnected(wrenchID)
	}
	return t.readings, nil
}

// SetTelemetry overrides battery and signal of a connected wrench.
func (s *Simulated) SetTelemetry(wrenchID string, battery, signal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[wrenchID]
	if !ok {
		return notConnected(wrenchID)
	}
	t.telemetry.Battery = battery
	t.telemetry.Signal = signal
	return nil
}

// Emit pushes a reading onto the wrench's stream, blocking while the buffer
// is full or until ctx is done. The wrench id is stamped on the reading.
func (s *Simulated) Emit(ctx context.Context, wrenchID string, raw torque.RawReading) error {
	s.mu.Lock()
	t, ok := s.tools[wrenchID]
	s.mu.Unlock()
	if !ok {
		return notConnected(wrenchID)
	}
	raw.WrenchID = wrenchID

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed {
		return notConnected(wrenchID)
	}
	select {
	case t.readings <- raw:
		return nil
	case <-t.done:
		return notConnected(wrenchID)
	case <-ctx.Done():
		return ctx.Err()
	}
}
