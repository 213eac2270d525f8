package notify

import (
	"context"
	"fmt"
	"log/slog"
)

const resetSubject = "Password Reset Request"

// Mailer delivers account messages.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, link string) error
}

func resetBody(link string) string {
	return fmt.Sprintf("You indicated that you forgot your password. "+
		"Open the link below to reset it:\n\n%s\n\nLink expires in 1 hour.\n", link)
}

// LogMailer writes reset links to the log instead of sending them. It is
// used when no mail transport is configured.
type LogMailer struct{}

func (LogMailer) SendPasswordReset(_ context.Context, to, link string) error {
	slog.Info("password reset link (mail delivery disabled)", "to", to, "link", link)
	return nil
}
