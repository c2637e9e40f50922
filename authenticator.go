package emailauth

import (
	"context"
	"log/slog"
	"text/template"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/icza/emailauth/secret"
	"github.com/icza/emailauth/store"
)

// Mode selects production or development behavior.
type Mode int

const (
	// ModeProduction never reveals login codes to the caller, and consumes a
	// login token on the first verification attempt, successful or not.
	ModeProduction Mode = iota

	// ModeDevelopment returns login codes from RequestLogin, and keeps a login
	// token after a failed verification attempt.
	ModeDevelopment
)

// String returns "production" or "development".
func (m Mode) String() string {
	if m == ModeDevelopment {
		return "development"
	}
	return "production"
}

const (
	// DefaultSessionLifetime is the default for Config.SessionLifetime.
	DefaultSessionLifetime = 48 * time.Hour

	// DefaultTokenTTL is the default for Config.TokenTTL in production mode.
	DefaultTokenTTL = 15 * time.Minute

	// DefaultDevTokenTTL is the default for Config.TokenTTL in development mode.
	DefaultDevTokenTTL = 7 * 24 * time.Hour

	// DefaultSecretBytes is the default for Config.SecretBytes.
	DefaultSecretBytes = secret.DefaultSize

	// DefaultSiteName is the default for Config.SiteName.
	DefaultSiteName = "emailauth"

	// DefaultVerifyChangeURL is the default for Config.VerifyChangeURL.
	DefaultVerifyChangeURL = "http://localhost:8080/api/user/verify-change-email"
)

// DefaultSecretCost is the default for Config.SecretCost.
var DefaultSecretCost = bcrypt.DefaultCost

// SendEmailFunc sends an email to the given address.
type SendEmailFunc func(ctx context.Context, to, subject, body string) error

// Config holds Authenticator configuration.
// Apart from SigningKey, a zero value is a valid configuration, see constants
// for default values.
type Config struct {
	// Mode is the runtime mode. The zero value is ModeProduction.
	Mode Mode

	// SigningKey is the HMAC key bearer tokens are signed with. Required.
	SigningKey []byte

	// SessionLifetime tells how long a bearer token remains valid.
	SessionLifetime time.Duration

	// TokenTTL tells how long pending login and email change tokens live.
	// It should match the TTL of the store, it is used in email texts.
	TokenTTL time.Duration

	// SecretBytes tells how many random bytes to use for secrets.
	SecretBytes int

	// SecretCost is the bcrypt cost of secret hashes.
	SecretCost int

	// SiteName and SenderName appear in emails.
	SiteName   string
	SenderName string

	// VerifyChangeURL is the endpoint of the email change verification link.
	// The secret is appended as the "slug" query parameter.
	VerifyChangeURL string

	// LoginEmail is sent with the login code.
	LoginEmail EmailTemplate

	// ChangeNoticeEmail is sent to the old address when an email change is requested.
	ChangeNoticeEmail EmailTemplate

	// ChangeVerifyEmail is sent to the new address with the verification link.
	ChangeVerifyEmail EmailTemplate

	// Logger to log to. If nil, nothing is logged.
	Logger *slog.Logger
}

// Authenticator is the implementation of a passwordless authenticator.
// It's safe to use it concurrently from multiple goroutines.
type Authenticator struct {
	users   store.Users
	logins  store.LoginTokens
	changes store.EmailChangeTokens

	// sendEmail is a function to send emails.
	sendEmail SendEmailFunc

	codec secret.Codec

	loginEmail, noticeEmail, verifyEmail *emailTemplate

	log *slog.Logger

	// now is the time source, replaced in tests.
	now func() time.Time

	// cfg to use
	cfg Config
}

// NewAuthenticator creates a new Authenticator.
// This function panics if st or sendEmail are nil, if cfg.SigningKey is
// empty, or if a configured email template can't be parsed.
func NewAuthenticator(st store.Store, sendEmail SendEmailFunc, cfg Config) *Authenticator {
	if st == nil {
		panic("st must be provided")
	}
	if sendEmail == nil {
		panic("sendEmail must be provided")
	}
	if len(cfg.SigningKey) == 0 {
		panic("cfg.SigningKey must be provided")
	}

	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = DefaultSessionLifetime
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
		if cfg.Mode == ModeDevelopment {
			cfg.TokenTTL = DefaultDevTokenTTL
		}
	}
	if cfg.SecretBytes <= 0 {
		cfg.SecretBytes = DefaultSecretBytes
	}
	if cfg.SecretCost == 0 {
		cfg.SecretCost = DefaultSecretCost
	}
	if cfg.SiteName == "" {
		cfg.SiteName = DefaultSiteName
	}
	if cfg.SenderName == "" {
		cfg.SenderName = cfg.SiteName
	}
	if cfg.VerifyChangeURL == "" {
		cfg.VerifyChangeURL = DefaultVerifyChangeURL
	}
	cfg.LoginEmail = cfg.LoginEmail.orDefault(DefaultLoginEmail)
	cfg.ChangeNoticeEmail = cfg.ChangeNoticeEmail.orDefault(DefaultChangeNoticeEmail)
	cfg.ChangeVerifyEmail = cfg.ChangeVerifyEmail.orDefault(DefaultChangeVerifyEmail)

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Authenticator{
		users:       st.Users(),
		logins:      st.LoginTokens(),
		changes:     st.EmailChangeTokens(),
		sendEmail:   sendEmail,
		codec:       secret.Codec{Cost: cfg.SecretCost, Size: cfg.SecretBytes},
		loginEmail:  mustParse("login", cfg.LoginEmail),
		noticeEmail: mustParse("change-notice", cfg.ChangeNoticeEmail),
		verifyEmail: mustParse("change-verify", cfg.ChangeVerifyEmail),
		log:         log,
		now:         time.Now,
		cfg:         cfg,
	}
}

// Config returns the effective configuration, defaults filled in.
func (a *Authenticator) Config() Config {
	return a.cfg
}

func mustParse(name string, et EmailTemplate) *emailTemplate {
	return &emailTemplate{
		subject: template.Must(template.New(name + "-subject").Parse(et.Subject)),
		body:    template.Must(template.New(name + "-body").Parse(et.Body)),
	}
}
