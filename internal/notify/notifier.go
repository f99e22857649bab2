// Package notify delivers risk alerts to operator channels. Alerts are
// dispatched to every registered sender (Telegram, Discord) and filtered by
// event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// Event names used in the notify.events configuration list.
const (
	EventRiskWarning   = "risk_warning"
	EventRiskAutoClose = "risk_auto_close"
	EventStopLoss      = "stop_loss"
	EventTarget        = "target"
)

// EventFor maps an alert kind to its configuration event name.
func EventFor(kind domain.RiskAlertKind) string {
	switch kind {
	case domain.AlertWarning:
		return EventRiskWarning
	case domain.AlertAutoClose:
		return EventRiskAutoClose
	case domain.AlertStopLoss:
		return EventStopLoss
	case domain.AlertTarget:
		return EventTarget
	}
	return strings.ToLower(string(kind))
}

// Severity ranks a message so channels can style it.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityAction
	SeverityCritical
)

// SeverityFor ranks an alert kind. Forced closes by the risk monitor are
// critical; trigger exits are actions the trader asked for.
func SeverityFor(kind domain.RiskAlertKind) Severity {
	switch kind {
	case domain.AlertAutoClose:
		return SeverityCritical
	case domain.AlertStopLoss, domain.AlertTarget:
		return SeverityAction
	}
	return SeverityWarning
}

// Message is a rendered risk alert.
type Message struct {
	Title     string
	Body      string
	Severity  Severity
	AccountID string
	At        time.Time
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches risk alerts to one or more Senders. It implements
// domain.AlertNotifier and forwards only alerts whose event type is in the
// allowed set.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyRiskAlert formats alert and sends it to every sender when its event
// type is allowed.
func (n *Notifier) NotifyRiskAlert(ctx context.Context, alert domain.RiskAlert) error {
	event := EventFor(alert.Kind)
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out",
			slog.String("event", event),
			slog.String("account_id", alert.AccountID),
		)
		return nil
	}
	return n.dispatch(ctx, Format(alert))
}

// Format renders alert as a Message.
func Format(alert domain.RiskAlert) Message {
	var title string
	switch alert.Kind {
	case domain.AlertWarning:
		title = "Margin warning"
	case domain.AlertAutoClose:
		title = "Position auto-closed"
	case domain.AlertStopLoss:
		title = "Stop-loss hit"
	case domain.AlertTarget:
		title = "Target hit"
	default:
		title = "Risk alert"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "account: %s\n", alert.AccountID)
	if alert.Symbol != "" {
		fmt.Fprintf(&b, "symbol: %s\n", alert.Symbol)
	}
	if !alert.Threshold.IsZero() {
		fmt.Fprintf(&b, "used ratio: %s (threshold %s)\n", alert.UsedRatio.StringFixed(4), alert.Threshold.String())
	}
	if alert.ClosePrice != nil {
		fmt.Fprintf(&b, "close price: %s\n", alert.ClosePrice.StringFixed(2))
		fmt.Fprintf(&b, "realized P&L: %s\n", alert.UnrealizedPnL.StringFixed(2))
	}
	b.WriteString(alert.Message)
	return Message{
		Title:     title,
		Body:      strings.TrimRight(b.String(), "\n"),
		Severity:  SeverityFor(alert.Kind),
		AccountID: alert.AccountID,
		At:        alert.CreatedAt,
	}
}

// truncate shortens s to at most max runes, ending a cut string with an
// ellipsis. The result is always valid UTF-8 when s is.
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max-1 {
			return s[:i] + "…"
		}
		n++
	}
	return s
}

// dispatch iterates over all senders and sends the notification. Errors from
// individual senders are collected and returned as a combined error; a single
// sender failure does not prevent delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notify: notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", msg.Title),
				slog.String("account_id", msg.AccountID),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
