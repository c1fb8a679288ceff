package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/torque/internal/journal"
	"github.com/roach88/torque/internal/metrics"
	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/torque"
)

// EventsResult is the replayed event log of one session.
type EventsResult struct {
	Session    torque.Session   `json:"session"`
	Source     string           `json:"source"` // "database" | "journal"
	Events     []torque.Event   `json:"events"`
	Metrics    metrics.Snapshot `json:"metrics"`
	Consistent bool             `json:"consistent"`
	Mismatches []string         `json:"mismatches,omitempty"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Replay a session's event log",
		Long: `List the persisted events of a session in seq order, recompute its
metrics from the log and check the log against the stored session
counters.

With --journal the events and session are read from the Badger journal
instead of the database. The specification is always read from the
database.

Exit codes:
  0 - Event log is consistent with the session
  1 - Counters or ordering do not match
  2 - Command error (database or session not found, etc.)

Examples:
  torque events --db ./torque.db 0190f0c2-...
  torque events --db ./torque.db --journal ./journal 0190f0c2-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(rootOpts, args[0], cmd)
		},
	}

	cmd.Flags().String(KeyDB, "", "path to SQLite database")
	cmd.Flags().String(KeyJournal, "", "read events from this Badger journal directory")

	return cmd
}

// eventLog is the read side shared by the store and the journal.
type eventLog interface {
	session(ctx context.Context, id string) (torque.Session, error)
	events(ctx context.Context, id string) ([]torque.Event, error)
}

type storeLog struct{ st *store.Store }

func (l storeLog) session(ctx context.Context, id string) (torque.Session, error) {
	return l.st.GetSession(ctx, id)
}

func (l storeLog) events(ctx context.Context, id string) ([]torque.Event, error) {
	return l.st.ReadSessionEvents(ctx, id)
}

type journalLog struct{ j *journal.Journal }

func (l journalLog) session(_ context.Context, id string) (torque.Session, error) {
	return l.j.Session(id)
}

func (l journalLog) events(ctx context.Context, id string) ([]torque.Event, error) {
	return l.j.Events(ctx, id)
}

func runEvents(opts *RootOptions, sessionID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	ctx := cmd.Context()

	st, err := openStore(formatter, opts.setting(cmd, KeyDB))
	if err != nil {
		return err
	}
	defer closeStore(st)

	var (
		log    eventLog = storeLog{st}
		source          = "database"
	)
	if dir := opts.setting(cmd, KeyJournal); dir != "" {
		j, err := journal.Open(dir)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				slog.Error("error closing journal", "error", err)
			}
		}()
		log, source = journalLog{j}, "journal"
	}

	sess, err := log.session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, journal.ErrNotFound) {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("session %q not found in %s", sessionID, source), nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to read session", err)
	}
	events, err := log.events(ctx, sessionID)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to read events", err)
	}
	spec, err := st.GetSpecification(ctx, sess.SpecificationID)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, "failed to read specification", err)
	}
	formatter.Debugf("Read %d event(s) for session %s from %s", len(events), sessionID, source)

	result := EventsResult{
		Session: sess,
		Source:  source,
		Events:  events,
		Metrics: metrics.Compute(spec, events),
	}
	if result.Events == nil {
		result.Events = []torque.Event{}
	}
	result.Mismatches = checkEventLog(sess, events)
	result.Consistent = len(result.Mismatches) == 0

	if formatter.JSON() {
		if !result.Consistent {
			if err := formatter.encode(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: ErrCodeInconsistent, Message: result.Mismatches[0]},
			}); err != nil {
				return err
			}
			return NewExitError(ExitFailure, "event log is inconsistent")
		}
		return formatter.Success(result)
	}

	printEvents(formatter.Writer, result)
	if !result.Consistent {
		return NewExitError(ExitFailure, "event log is inconsistent")
	}
	return nil
}

// checkEventLog compares the log against the session counters. Seqs must
// strictly increase and every event must belong to the session.
func checkEventLog(sess torque.Session, events []torque.Event) []string {
	var mismatches []string
	pass, fail := 0, 0
	var last int64
	for i, e := range events {
		if e.SessionID != sess.ID {
			mismatches = append(mismatches, fmt.Sprintf("event %s belongs to session %s", e.ID, e.SessionID))
		}
		if i > 0 && e.Seq <= last {
			mismatches = append(mismatches, fmt.Sprintf("event %s seq %d does not follow %d", e.ID, e.Seq, last))
		}
		last = e.Seq
		if e.Status.Failed() {
			fail++
		} else {
			pass++
		}
	}

	check := func(name string, stored, replayed int) {
		if stored != replayed {
			mismatches = append(mismatches, fmt.Sprintf("%s: session has %d, log has %d", name, stored, replayed))
		}
	}
	check("event_count", sess.EventCount, len(events))
	check("pass_count", sess.PassCount, pass)
	check("failure_count", sess.FailureCount, fail)
	return mismatches
}

func printEvents(w io.Writer, r EventsResult) {
	s := r.Session
	fmt.Fprintf(w, "Session %s %s on %s (%s)\n", s.ID, s.Status, s.SpecificationID, r.Source)
	if len(r.Events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
	}
	for _, e := range r.Events {
		line := fmt.Sprintf("%5d  %s  pass %d  attempt %d  %8.2f / %8.2f Nm  %+7.2f%%  %s",
			e.Seq, e.BoltPosition, e.PassNumber, e.Attempt, e.ActualTorque, e.TargetTorque, e.PercentDeviation, e.Status)
		if e.Override {
			line += "  override"
		}
		fmt.Fprintln(w, line)
	}
	printMetrics(w, r.Metrics)

	if r.Consistent {
		fmt.Fprintln(w, "✓ Event log consistent")
		return
	}
	fmt.Fprintln(w, "✗ Event log inconsistent")
	for _, m := range r.Mismatches {
		fmt.Fprintf(w, "  %s\n", m)
	}
}

// printMetrics writes a metrics snapshot on two lines.
func printMetrics(w io.Writer, m metrics.Snapshot) {
	fmt.Fprintf(w, "Metrics: %d readings, %d pass, %d fail, first-pass yield %.1f%%\n",
		m.Count, m.Pass, m.Fail, m.FirstPassYield*100)
	fmt.Fprintf(w, "  deviation mean %+.2f%% stddev %.2f%% trend %+.2f%%, Cp %s, Cpk %s\n",
		m.MeanPercent, m.StdDevPercent, m.TrendPercent, optional(m.Cp), optional(m.Cpk))
}

func optional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
