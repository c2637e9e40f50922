package mail

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/icza/emailauth"
)

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host string
	Port int

	// Username and Password are used for PLAIN auth if Username is not empty.
	Username string
	Password string

	// From is the sender, e.g. "Site <noreply@example.com>".
	From string
}

// smtpSendMail is a seam for testing smtp.SendMail.
var smtpSendMail = smtp.SendMail

// SMTP returns a SendEmailFunc delivering emails via the given SMTP server.
func SMTP(cfg SMTPConfig) emailauth.SendEmailFunc {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return func(ctx context.Context, to, subject, body string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		from, err := netmail.ParseAddress(cfg.From)
		if err != nil {
			return fmt.Errorf("invalid sender %q: %w", cfg.From, err)
		}

		msg := compose(Message{From: from.String(), To: to, Subject: subject, Body: body, Created: time.Now()})
		if err := smtpSendMail(addr, auth, from.Address, []string{to}, msg); err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}
}

var crlf = strings.NewReplacer("\r\n", "\r\n", "\n", "\r\n")

// compose renders m as a plain text RFC 5322 message.
func compose(m Message) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "From: %s\r\n", m.From)
	fmt.Fprintf(buf, "To: %s\r\n", m.To)
	fmt.Fprintf(buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(buf, "Date: %s\r\n", m.Created.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	crlf.WriteString(buf, m.Body)
	return buf.Bytes()
}
