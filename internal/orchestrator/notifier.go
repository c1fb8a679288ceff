package orchestrator

import (
	"log/slog"

	"github.com/roach88/torque/internal/engine"
)

// Notifier receives audit notifications: warnings (calibration,
// certification, idle, approval required), blocked readings, supervisor
// approvals and state transitions.
//
// Delivery is fire-and-forget. Notify is called on the session worker and
// must not block; routing to people or systems is the implementation's
// concern.
type Notifier interface {
	Notify(n engine.Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(engine.Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n engine.Notification) { f(n) }

// LogNotifier writes audit notifications to a slog.Logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at a level matching its kind.
func (l LogNotifier) Notify(n engine.Notification) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session", n.SessionID, "specification", n.SpecificationID, "seq", n.Seq)

	switch n.Kind {
	case engine.NotifyBlocked:
		for _, o := range n.Blocked {
			log.Warn("reading blocked", "rule", o.Rule, "kind", o.Kind, "message", o.Message)
		}
	case engine.NotifyWarning:
		log.Warn("session warning", "code", n.Warning.Code, "rule", n.Warning.Rule, "message", n.Warning.Message)
	case engine.NotifyApproval:
		log.Info("supervisor approval", "supervisor", n.Approval.SupervisorID, "disposition", n.Approval.Disposition)
	case engine.NotifyTransition:
		log.Info("session transition", "from", n.Transition.From, "to", n.Transition.To, "reason", n.Transition.Reason)
	}
}

// audited reports whether n belongs on the audit stream. Torque events go
// to subscribers and metrics only.
func audited(n engine.Notification) bool {
	return n.Kind != engine.NotifyEvent
}
