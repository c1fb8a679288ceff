package engine

import (
	"context"
	"errors"

	"github.com/roach88/torque/internal/torque"
)

// MultiSink fans writes out to several sinks. Every sink is attempted; the
// returned error joins the individual failures.
type MultiSink []Sink

// SaveEvent writes e to every sink.
func (m MultiSink) SaveEvent(ctx context.Context, e torque.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveSession writes s to every sink.
func (m MultiSink) SaveSession(ctx context.Context, sess torque.Session) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveSession(ctx, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
