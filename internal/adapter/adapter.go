// Package adapter defines the boundary to physical torque tools.
//
// Transport drivers (BLE, serial, USB) live outside this module. What the
// core consumes is the ToolAdapter contract: connect a wrench, ask for its
// telemetry, and receive a stream of raw readings. Simulated and JSONLines
// are the two adapters shipped here.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/torque/internal/torque"
)

var (
	// ErrNotConnected is returned for operations on a wrench that is not
	// connected.
	ErrNotConnected = errors.New("wrench not connected")

	// ErrAlreadyConnected is returned by Connect for a wrench that is
	// already connected.
	ErrAlreadyConnected = errors.New("wrench already connected")
)

// ToolAdapter is the consumed tool interface.
//
// Readings returns a channel that is closed when the wrench disconnects or
// its source is exhausted. Readings are raw; the orchestrator normalizes
// them.
type ToolAdapter interface {
	Connect(ctx context.Context, w torque.Wrench) error
	Disconnect(ctx context.Context, wrenchID string) error
	Status(wrenchID string) (torque.Telemetry, error)
	Readings(wrenchID string) (<-chan torque.RawReading, error)
}

func notConnected(wrenchID string) error {
	return fmt.Errorf("%s: %w", wrenchID, ErrNotConnected)
}
