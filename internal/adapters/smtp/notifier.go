package smtp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

// Options configures the outgoing mail account and the recipient of
// terminal-failure notifications.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	ToEmail  string
	ToName   string
}

// Notifier sends one email per terminal task failure. Each call owns its own
// SMTP session (dial with TLS, auth, send, quit), so stale connections can
// never leak between workers.
type Notifier struct {
	logger *slog.Logger
	opts   Options
}

var _ ports.Notifier = (*Notifier)(nil)

func NewNotifier(logger *slog.Logger, opts Options) *Notifier {
	return &Notifier{logger: logger, opts: opts}
}

// Enabled reports whether the notifier has enough configuration to send.
func (n *Notifier) Enabled() bool {
	return n.opts.Host != "" && n.opts.From != "" && n.opts.ToEmail != ""
}

// NotifyTaskFailed delivers the terminal-failure mail. Errors are returned
// for the caller to log; they must never become task-level failures.
func (n *Notifier) NotifyTaskFailed(ctx context.Context, task domain.Task) error {
	if !n.Enabled() {
		n.logger.Warn("notifier not configured, dropping failure mail", "task_id", task.ID)
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(n.opts.FromName, n.opts.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.AddToFormat(n.opts.ToName, n.opts.ToEmail); err != nil {
		return fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(fmt.Sprintf("task %s failed", task.ID))
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Task %s (%s) failed after %d executions.\n\nReason: %s\n",
		task.ID, task.Type, task.ExecutionCount, task.StatusMessage,
	))

	client, err := mail.NewClient(n.opts.Host,
		mail.WithPort(n.opts.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.opts.User),
		mail.WithPassword(n.opts.Password),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send failure mail for %s: %w", task.ID, err)
	}
	n.logger.Info("terminal failure mail sent", "task_id", task.ID, "to", n.opts.ToEmail)
	return nil
}
