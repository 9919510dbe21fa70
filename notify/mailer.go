// Package notify delivers best-effort player email. Failures are logged
// and never propagate into the payment or payout paths.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/decred/slog"
)

// Notifier sends player-facing mail. Implementations must be safe for
// concurrent use.
type Notifier interface {
	CredentialsIssued(to, login, password, host string) error
	GameEnded(to, charName, death string, payoutSats int64) error
}

// Config holds SMTP delivery settings.
type Config struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Mailer is a plain SMTP Notifier.
type Mailer struct {
	cfg Config
	log slog.Logger

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ Notifier = (*Mailer)(nil)

func NewMailer(cfg Config, log slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, log: log, send: smtp.SendMail}
}

func (m *Mailer) deliver(to, subject, body string) error {
	if to == "" {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := strings.Join([]string{
		"From: " + m.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := m.send(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.log.Warnf("mail to %s (%s): %v", to, subject, err)
		return err
	}
	return nil
}

func (m *Mailer) CredentialsIssued(to, login, password, host string) error {
	body := fmt.Sprintf(
		"Your entry fee is confirmed and your game account is ready.\n\n"+
			"  ssh %s@%s\n  password: %s\n\n"+
			"The session ends when your character dies, ascends, or quits.\n"+
			"Good luck.\n", login, host, password)
	return m.deliver(to, "Your game is ready", body)
}

func (m *Mailer) GameEnded(to, charName, death string, payoutSats int64) error {
	var body string
	if payoutSats > 0 {
		body = fmt.Sprintf(
			"%s %s.\n\nYou won the pot: %d sats are on the way to your lightning address.\n",
			charName, death, payoutSats)
		return m.deliver(to, "You won the pot!", body)
	}
	body = fmt.Sprintf("%s %s.\n\nThanks for playing. Try again any time.\n", charName, death)
	return m.deliver(to, "Game over", body)
}

// Noop discards every notification. Used when SMTP is not configured.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) CredentialsIssued(string, string, string, string) error { return nil }
func (Noop) GameEnded(string, string, string, int64) error          { return nil }
