package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/torque/internal/adapter"
	"github.com/roach88/torque/internal/compiler"
	"github.com/roach88/torque/internal/engine"
	"github.com/roach88/torque/internal/journal"
	"github.com/roach88/torque/internal/metrics"
	"github.com/roach88/torque/internal/orchestrator"
	"github.com/roach88/torque/internal/planner"
	"github.com/roach88/torque/internal/store"
	"github.com/roach88/torque/internal/torque"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Spec      string
	WorkOrder string
	Operator  string
	Wrench    string
	KeepOpen  bool

	// IDs and Now override id generation and the wall clock (for testing).
	IDs engine.IDGenerator
	Now func() time.Time
}

// RunRecord is one line of JSON output of the run command.
type RunRecord struct {
	Type     string            `json:"type"` // created | reading | error | summary
	Session  *torque.Session   `json:"session,omitempty"`
	Next     *torque.Position  `json:"next,omitempty"`
	Response *engine.Response  `json:"response,omitempty"`
	Error    *CLIError         `json:"error,omitempty"`
	Metrics  *metrics.Snapshot `json:"metrics,omitempty"`
	Warnings []planner.Warning `json:"warnings,omitempty"`
}

// RunSummary is the outcome of a run.
type RunSummary struct {
	Session torque.Session   `json:"session"`
	Metrics metrics.Snapshot `json:"metrics"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tightening session fed from stdin",
		Long: `Create a tightening session and validate the newline-delimited JSON
readings arriving on stdin, printing the result of each reading.

Specifications, rules, wrenches, operators and settings are compiled
from the specs directory. The specification is stored in the database
first if it is not there yet. With --journal, events are also appended
to a Badger journal in the given directory.

When stdin ends the session is ended, unless --keep-open is set.

Each input line is a raw reading:
  {"torque": 25.1}
  {"torque": 18.4, "units": "ft-lb", "angle": 88}

Example:
  torque run --db ./torque.db --specs ./specs \
    --spec manifold --operator op-7 --wrench W-100 < readings.jsonl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().String(KeyDB, "", "path to SQLite database")
	cmd.Flags().String(KeySpecs, "", "specs directory")
	cmd.Flags().String(KeyJournal, "", "Badger journal directory (optional)")
	cmd.Flags().Duration(KeyIdle, 0, "idle warning timeout (overrides settings.idle_timeout)")
	cmd.Flags().StringVar(&opts.Spec, "spec", "", "specification id (required)")
	cmd.Flags().StringVar(&opts.WorkOrder, "work-order", "", "work order id")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator id (required)")
	cmd.Flags().StringVar(&opts.Wrench, "wrench", "", "wrench id (required)")
	cmd.Flags().BoolVar(&opts.KeepOpen, "keep-open", false, "leave the session open when input ends")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("wrench")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	specsDir, err := opts.specsDir(cmd, nil, 0)
	if err != nil {
		return err
	}
	bundle, err := loadBundle(formatter, specsDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(formatter, opts.setting(cmd, KeyDB))
	if err != nil {
		return err
	}
	defer closeStore(st)

	if err := ensureSpecification(ctx, st, bundle, opts.Spec); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, "failed to store specification", err)
	}

	var sink engine.Sink = st
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
		sink = engine.MultiSink{st, j}
		slog.Debug("journal attached", "dir", dir)
	}

	orcOpts, err := sessionOptions(ctx, opts, cmd, bundle, st)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid session configuration", err)
	}

	catalog := bundle.Catalog()
	operator, err := catalog.Operator(ctx, opts.Operator)
	if err != nil {
		return formatter.Fail(ExitCommandError, compiler.ErrCodeResource, "unknown operator", err)
	}
	wrench, err := catalog.Wrench(ctx, opts.Wrench)
	if err != nil {
		return formatter.Fail(ExitCommandError, compiler.ErrCodeResource, "unknown wrench", err)
	}

	source := adapter.NewJSONLines(cmd.InOrStdin())
	orc, err := orchestrator.New(orchestrator.Deps{
		Specs:     st,
		Sink:      sink,
		Resources: catalog,
		Adapter:   source,
		Notifier:  orchestrator.LogNotifier{Logger: slog.Default().With("component", "audit")},
	}, orcOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to start orchestrator", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := orc.Shutdown(shutdownCtx); err != nil {
			slog.Error("orchestrator shutdown", "error", err)
		}
	}()

	created, err := orc.CreateSession(ctx, orchestrator.CreateRequest{
		SpecificationID: opts.Spec,
		WorkOrderID:     opts.WorkOrder,
		Operator:        operator,
		Wrench:          wrench,
	})
	if err != nil {
		return formatter.Fail(ExitFailure, sessionErrorCode(err), "failed to create session", err)
	}

	out := &runPrinter{f: formatter}
	out.created(created)

	sessionID := created.Session.ID
	err = orc.Attach(ctx, sessionID, out.reading)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("interrupted, leaving session open", "session", sessionID)
		return NewExitError(ExitFailure, "interrupted")
	case err != nil:
		return formatter.Fail(ExitFailure, sessionErrorCode(err), "reading stream failed", err)
	}
	if err := source.Err(); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeConfig, "failed to read input", err)
	}

	if !opts.KeepOpen {
		if _, err := orc.EndSession(ctx, sessionID); err != nil {
			return formatter.Fail(ExitFailure, sessionErrorCode(err), "failed to end session", err)
		}
	}

	sess, err := orc.GetSession(sessionID)
	if err != nil {
		return formatter.Fail(ExitFailure, sessionErrorCode(err), "failed to read session", err)
	}
	snap, err := orc.GetSessionMetrics(sessionID)
	if err != nil {
		return formatter.Fail(ExitFailure, sessionErrorCode(err), "failed to read metrics", err)
	}
	out.summary(RunSummary{Session: sess, Metrics: snap})

	if sess.Status == torque.SessionAborted {
		return NewExitError(ExitFailure, fmt.Sprintf("session %s aborted", sessionID))
	}
	return nil
}

// ensureSpecification stores the specification from the bundle when the
// database does not have it yet.
func ensureSpecification(ctx context.Context, st *store.Store, bundle *compiler.Bundle, specID string) error {
	_, err := st.GetSpecification(ctx, specID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	spec, ok := bundle.Specification(specID)
	if !ok {
		// CreateSession reports the missing specification.
		return nil
	}
	slog.Info("storing specification", "specification", spec.ID, "revision", spec.Revision)
	_, err = seedSpecifications(ctx, st, []torque.Specification{spec})
	return err
}

// sessionOptions builds orchestrator options from the document settings,
// the idle setting and the persisted clock.
func sessionOptions(ctx context.Context, opts *RunOptions, cmd *cobra.Command, bundle *compiler.Bundle, st *store.Store) ([]orchestrator.Option, error) {
	ruleEngine, err := bundle.RuleEngine()
	if err != nil {
		return nil, err
	}
	maxSeq, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	orcOpts := append(bundle.Settings.Options(),
		orchestrator.WithRules(ruleEngine),
		orchestrator.WithClock(engine.ResumeClock(maxSeq)),
	)
	if raw := opts.setting(cmd, KeyIdle); raw != "" && raw != "0s" {
		idle, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("idle: %w", err)
		}
		orcOpts = append(orcOpts, orchestrator.WithIdleTimeout(idle))
	}
	if opts.IDs != nil {
		orcOpts = append(orcOpts, orchestrator.WithIDs(opts.IDs))
	}
	if opts.Now != nil {
		orcOpts = append(orcOpts, orchestrator.WithNow(opts.Now))
	}
	return orcOpts, nil
}

// sessionErrorCode returns the engine error code of err, or a generic code
// for errors that did not come from a session.
func sessionErrorCode(err error) string {
	if code := engine.Code(err); code != "" {
		return string(code)
	}
	return "E_SESSION"
}

// runPrinter writes run output: one JSON record per line, or one text line
// per reading.
type runPrinter struct {
	f *OutputFormatter
}

func (p *runPrinter) emit(rec RunRecord) {
	if err := json.NewEncoder(p.f.Writer).Encode(rec); err != nil {
		slog.Error("write output", "error", err)
	}
}

func (p *runPrinter) created(c orchestrator.Created) {
	if p.f.JSON() {
		p.emit(RunRecord{Type: "created", Session: &c.Session, Next: c.Next, Warnings: c.Warnings})
		return
	}
	w := p.f.Writer
	fmt.Fprintf(w, "Session %s %s on %s, next %s\n", c.Session.ID, c.Session.Status, c.Session.SpecificationID, positionLabel(c.Next))
	for _, warn := range c.Warnings {
		fmt.Fprintf(w, "  ! %s: %s\n", warn.Code, warn.Message)
	}
}

func (p *runPrinter) reading(resp engine.Response, err error) {
	if p.f.JSON() {
		if err != nil {
			p.emit(RunRecord{Type: "error", Error: &CLIError{Code: sessionErrorCode(err), Message: err.Error()}})
			return
		}
		p.emit(RunRecord{Type: "reading", Response: &resp})
		return
	}

	w := p.f.Writer
	if err != nil {
		fmt.Fprintf(w, "✗ %s: %v\n", sessionErrorCode(err), err)
		return
	}
	if e := resp.Event; e != nil {
		mark := "✓"
		if e.Status.Failed() {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s #%d %s pass %d attempt %d: %.2f/%.2f Nm %s (%+.2f%%)",
			mark, e.Seq, e.BoltPosition, e.PassNumber, e.Attempt, e.ActualTorque, e.TargetTorque, e.Status, e.PercentDeviation)
		if e.Override {
			fmt.Fprint(w, " override")
		}
		fmt.Fprintf(w, ", next %s\n", positionLabel(resp.Next))
	}
	for _, o := range resp.Warnings {
		fmt.Fprintf(w, "  ! %s: %s\n", o.Rule, o.Message)
	}
	if resp.Held {
		fmt.Fprintln(w, "  ! held for supervisor approval")
	}
	if tr := resp.Transition; tr != nil {
		fmt.Fprintf(w, "Session %s -> %s (%s)\n", tr.From, tr.To, tr.Reason)
	}
}

func (p *runPrinter) summary(s RunSummary) {
	if p.f.JSON() {
		p.emit(RunRecord{Type: "summary", Session: &s.Session, Metrics: &s.Metrics})
		return
	}
	w := p.f.Writer
	fmt.Fprintf(w, "Session %s %s: %d events, %d passed, %d failed\n",
		s.Session.ID, s.Session.Status, s.Session.EventCount, s.Session.PassCount, s.Session.FailureCount)
	printMetrics(w, s.Metrics)
}

func positionLabel(p *torque.Position) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("%s (pass %d)", p.BoltPosition, p.Pass)
}
