package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type sender interface {
	Send(message string, params *stypes.Params) []error
}

type senderFactory func(rawURL string, timeout time.Duration) (sender, error)

// ShoutrrrMailer sends mail through a shoutrrr smtp:// service URL. The
// recipient is set per message through the toaddresses query parameter.
type ShoutrrrMailer struct {
	base      *url.URL
	timeout   time.Duration
	newSender senderFactory
}

func NewShoutrrrMailer(serviceURL string, timeout time.Duration) (*ShoutrrrMailer, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parse mail url: %w", err)
	}
	if u.Scheme == "" {
		return nil, errors.New("mail url has no scheme")
	}
	m := &ShoutrrrMailer{base: u, timeout: timeout, newSender: createSender}

	// Validate the service URL once up front.
	if _, err := m.newSender(m.urlFor("validate@example.com"), timeout); err != nil {
		return nil, fmt.Errorf("create mail sender: %w", err)
	}
	return m, nil
}

func createSender(rawURL string, timeout time.Duration) (sender, error) {
	s, err := shoutrrr.CreateSender(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		s.Timeout = timeout
	}
	s.SetLogger(log.New(io.Discard, "", 0))
	return s, nil
}

func (m *ShoutrrrMailer) urlFor(to string) string {
	u := *m.base
	q := u.Query()
	q.Set("toaddresses", to)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *ShoutrrrMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s, err := m.newSender(m.urlFor(to), m.timeout)
	if err != nil {
		return fmt.Errorf("create mail sender: %w", err)
	}

	params := stypes.Params{}
	params.SetTitle(resetSubject)
	for _, e := range s.Send(resetBody(link), &params) {
		if e != nil {
			slog.Error("send password reset mail", "error", e, "to", to)
			return fmt.Errorf("send mail: %w", e)
		}
	}
	slog.Debug("password reset mail sent", "to", to, "link", link)
	return nil
}
