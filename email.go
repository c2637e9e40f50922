package emailauth

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"text/template"
	"time"
)

// EmailParams is passed as data when executing email templates.
type EmailParams struct {
	// Email is the recipient address.
	Email      string
	SiteName   string
	SenderName string

	// Code is the login code, set for the login email.
	Code string

	// Expiration tells how long the code or link is valid.
	Expiration time.Duration

	// NewEmail is the requested address, set for email change emails.
	NewEmail string

	// VerifyURL is the verification link, set for the email change verification email.
	VerifyURL string
}

// EmailTemplate holds the text/template sources of an email.
type EmailTemplate struct {
	Subject string
	Body    string
}

func (et EmailTemplate) orDefault(def EmailTemplate) EmailTemplate {
	if et.Subject == "" {
		et.Subject = def.Subject
	}
	if et.Body == "" {
		et.Body = def.Body
	}
	return et
}

// DefaultLoginEmail is the default for Config.LoginEmail.
var DefaultLoginEmail = EmailTemplate{
	Subject: `{{.SiteName}} - Verify Your Login`,
	Body: `Hi {{.Email}},

Use the following code to finish your login to {{.SiteName}}:

{{.Code}}

The code is valid for {{printf "%.f" .Expiration.Minutes}} minutes.

If you did not request a login, you can ignore this email.


Regards,

{{.SenderName}}
`,
}

// DefaultChangeNoticeEmail is the default for Config.ChangeNoticeEmail.
var DefaultChangeNoticeEmail = EmailTemplate{
	Subject: `{{.SiteName}} - Email Change Requested`,
	Body: `Hi {{.Email}},

You are receiving this email because your {{.SiteName}} account has requested
a change of its email address. If you made this request, you may safely ignore
this email. Otherwise, please reply to this email.


Regards,

{{.SenderName}}
`,
}

// DefaultChangeVerifyEmail is the default for Config.ChangeVerifyEmail.
var DefaultChangeVerifyEmail = EmailTemplate{
	Subject: `{{.SiteName}} - Verify Email Change`,
	Body: `Hi {{.Email}},

Open the following link to verify the email change of your {{.SiteName}} account:

{{.VerifyURL}}

The link is valid for {{printf "%.f" .Expiration.Minutes}} minutes.


Regards,

{{.SenderName}}
`,
}

type emailTemplate struct {
	subject, body *template.Template
}

// emailParams returns the common params of emails sent to the given address.
func (a *Authenticator) emailParams(to string) *EmailParams {
	return &EmailParams{
		Email:      to,
		SiteName:   a.cfg.SiteName,
		SenderName: a.cfg.SenderName,
		Expiration: a.cfg.TokenTTL,
	}
}

// verifyURL returns the email change verification link carrying slug.
func (a *Authenticator) verifyURL(slug string) string {
	u, err := url.Parse(a.cfg.VerifyChangeURL)
	if err != nil {
		return a.cfg.VerifyChangeURL + "?slug=" + url.QueryEscape(slug)
	}
	q := u.Query()
	q.Set("slug", slug)
	u.RawQuery = q.Encode()
	return u.String()
}

// send renders and sends an email.
// Template errors are returned as-is, send failures are logged and returned
// as an *Error of kind ErrTransport.
func (a *Authenticator) send(ctx context.Context, et *emailTemplate, params *EmailParams) error {
	subject, body := &bytes.Buffer{}, &bytes.Buffer{}
	if err := et.subject.Execute(subject, params); err != nil {
		return fmt.Errorf("executing email subject template: %w", err)
	}
	if err := et.body.Execute(body, params); err != nil {
		return fmt.Errorf("executing email body template: %w", err)
	}

	if err := a.sendEmail(ctx, params.Email, subject.String(), body.String()); err != nil {
		a.log.ErrorContext(ctx, "sending email failed",
			"template", et.body.Name(), "to", params.Email, "error", err)
		return errSendFailed
	}
	return nil
}
