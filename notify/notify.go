/*
Package notify sends templated notifications to admins and employees.

PURPOSE:
  Alerting and payroll announce events (low balance, salary paid) through a
  Notifier. Delivery is best effort: callers go through Deliver, which logs
  and swallows failures so a broken notification channel never blocks a
  ledger or payroll operation.

IMPLEMENTATIONS:
  LogNotifier:   renders and writes the message to the log (default)
  RedisNotifier: renders and publishes a JSON envelope on a Redis channel
                 for an out-of-process mailer
  Discard:       drops everything
*/
package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notification is one templated message.
type Notification struct {
	Recipient string
	Subject   string
	Template  string
	Variables map[string]any
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Deliver sends n and logs a failure instead of returning it.
func Deliver(ctx context.Context, notifier Notifier, log logrus.FieldLogger, n Notification) {
	if notifier == nil {
		return
	}
	if err := notifier.Send(ctx, n); err != nil {
		log.WithFields(logrus.Fields{
			"recipient": n.Recipient,
			"template":  n.Template,
		}).WithError(err).Warn("notification not delivered")
	}
}

// Discard is a Notifier that drops every message.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Send(context.Context, Notification) error { return nil }

// LogNotifier writes rendered notifications to a logger.
type LogNotifier struct {
	renderer *Renderer
	log      logrus.FieldLogger
}

func NewLogNotifier(renderer *Renderer, log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{renderer: renderer, log: log}
}

func (n *LogNotifier) Send(_ context.Context, msg Notification) error {
	body, err := n.renderer.Render(msg)
	if err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"recipient": msg.Recipient,
		"subject":   msg.Subject,
		"template":  msg.Template,
	}).Info(body)
	return nil
}
