// Package mailer renders and delivers transactional email. Delivery goes
// straight to SMTP, through a message queue drained by the mailer worker,
// or into object storage as an .eml drop.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/wneessen/go-mail"
)

// ErrInvalidMessage is returned for a message without recipient or subject.
var ErrInvalidMessage = errors.New("mailer: message requires a recipient and a subject")

// Message is a single HTML email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

func (m Message) validate() error {
	if strings.TrimSpace(m.To) == "" || strings.TrimSpace(m.Subject) == "" {
		return ErrInvalidMessage
	}
	return nil
}

// Mailer delivers a message. Implementations return an error when the
// message could not be handed off.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

const passwordResetSubject = "Joe Hospital - Password Reset Request"

var passwordResetTemplate = template.Must(template.New("password-reset").Parse(`<h2>Password Reset Request</h2>
<p>You requested a password reset for your Joe Hospital account.</p>
<p>Click the link below to reset your password:</p>
<a href="{{.Link}}" style="background-color: #ff4d4d; color: white; padding: 10px 20px; text-decoration: none; border-radius: 5px;">Reset Password</a>
<p>This link will expire in {{.Minutes}} minutes.</p>
<p>If you didn't request this, please ignore this email.</p>
`))

// PasswordReset builds the reset email for recipient. link is the
// front-end URL carrying the raw reset token.
func PasswordReset(recipient, link string, ttl time.Duration) (Message, error) {
	var buf bytes.Buffer
	err := passwordResetTemplate.Execute(&buf, struct {
		Link    string
		Minutes int
	}{Link: link, Minutes: int(ttl.Minutes())})
	if err != nil {
		return Message{}, fmt.Errorf("render password reset: %w", err)
	}
	return Message{To: recipient, Subject: passwordResetSubject, HTML: buf.String()}, nil
}

// buildMessage assembles msg as a single-part HTML email from sender,
// dated now. go-mail applies quoted-printable encoding to the body.
func buildMessage(sender string, msg Message, now time.Time) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(sender); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(now)

	domain := "localhost"
	if from := m.GetFrom(); len(from) > 0 {
		if at := strings.LastIndex(from[0].Address, "@"); at >= 0 {
			domain = from[0].Address[at+1:]
		}
	}
	m.SetMessageIDWithValue(ksuid.New().String() + "@" + domain)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	return m, nil
}

// encodeMessage renders m in RFC 5322 wire format.
func encodeMessage(m *mail.Msg) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
