// Package notify delivers operator alerts to one or more channels (Telegram,
// Discord, the log). Alerts below a minimum severity are filtered and repeats
// of a key within the cooldown are suppressed.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

var severityRank = map[domain.Severity]int{
	domain.SeverityInfo:     0,
	domain.SeverityWarning:  1,
	domain.SeverityCritical: 2,
}

// Config configures a Notifier.
type Config struct {
	MinSeverity domain.Severity
	Cooldown    time.Duration
	QueueSize   int
}

// Notifier implements domain.Notifier. Send only enqueues; Run delivers to
// every sender.
type Notifier struct {
	senders []Sender
	minRank int
	dedup   *Dedup
	queue   chan domain.Alert
	logger  *slog.Logger
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, cfg Config, clk clock.Clock, logger *slog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Notifier{
		senders: senders,
		minRank: severityRank[cfg.MinSeverity],
		dedup:   NewDedup(cfg.Cooldown, clk),
		queue:   make(chan domain.Alert, cfg.QueueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Send queues alert for delivery. It never blocks: when the queue is full the
// alert is logged and dropped.
func (n *Notifier) Send(ctx context.Context, alert domain.Alert) {
	if severityRank[alert.Severity] < n.minRank {
		n.logger.DebugContext(ctx, "alert below minimum severity",
			slog.String("key", alert.Key),
			slog.String("severity", string(alert.Severity)),
		)
		return
	}
	if !n.dedup.Allow(alert.Key) {
		n.logger.DebugContext(ctx, "alert suppressed by cooldown", slog.String("key", alert.Key))
		return
	}
	select {
	case n.queue <- alert:
	default:
		n.logger.WarnContext(ctx, "alert queue full, dropping",
			slog.String("key", alert.Key),
			slog.String("title", alert.Title),
		)
	}
}

// Run delivers queued alerts until ctx is cancelled, then drains what is
// already queued.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case a := <-n.queue:
			_ = n.dispatch(ctx, a)
		}
	}
}

func (n *Notifier) drain(ctx context.Context) {
	for {
		select {
		case a := <-n.queue:
			_ = n.dispatch(ctx, a)
		default:
			return
		}
	}
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) dispatch(ctx context.Context, a domain.Alert) error {
	if len(n.senders) == 0 {
		return nil
	}
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, a.Message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("key", a.Key),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// LogSender writes alerts to a logger. It is the default channel when no
// chat integration is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "alerts"))}
}

func (l *LogSender) Send(ctx context.Context, title, message string) error {
	l.logger.WarnContext(ctx, title, slog.String("message", message))
	return nil
}

func (l *LogSender) Name() string { return "log" }
