package worker

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// Notifier emails the wrapped-ready link once a job completes. A missing
// user or address is a vacuous success; a failed send is logged and the job
// keeps its completed status with email_status unset.
type Notifier struct {
	Tasks domain.TaskRepository
	Users domain.UserRepository
	Bus   domain.Bus
	Mail  domain.Mailer
}

func NewNotifier(t domain.TaskRepository, u domain.UserRepository, b domain.Bus, m domain.Mailer) *Notifier {
	return &Notifier{Tasks: t, Users: u, Bus: b, Mail: m}
}

func (n *Notifier) Handle(ctx domain.Context, msg domain.TaskMessage) error {
	user, err := n.Users.Get(ctx, msg.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("wrapped-ready email skipped, user gone",
				slog.String("task_id", msg.TaskID),
				slog.String("user_id", msg.UserID))
			return nil
		}
		return fmt.Errorf("op=email.load_user: %w", err)
	}
	if user.Email == "" {
		slog.Info("wrapped-ready email skipped, no address",
			slog.String("task_id", msg.TaskID),
			slog.String("user_id", msg.UserID))
		return nil
	}

	if err := n.Mail.SendWrappedReady(ctx, user.Email, user.AppUserID); err != nil {
		return fmt.Errorf("op=email.send: %w", err)
	}

	sent := domain.EmailSent
	if err := n.Tasks.Update(ctx, msg.TaskID, domain.TaskUpdate{EmailStatus: &sent}); err != nil {
		return fmt.Errorf("op=email.mark_sent: %w", err)
	}
	if err := n.Bus.SetStatus(ctx, msg.TaskID, map[string]any{"email_status": sent}); err != nil {
		slog.Warn("status mirror update failed",
			slog.String("task_id", msg.TaskID), slog.Any("error", err))
	}
	slog.Info("wrapped-ready email sent", slog.String("task_id", msg.TaskID))
	return nil
}
