// Package app wires the configured store, mail transport and HTTP server
// together and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/icza/emailauth"
	"github.com/icza/emailauth/internal/config"
	"github.com/icza/emailauth/internal/httpapi"
	"github.com/icza/emailauth/internal/logging"
	"github.com/icza/emailauth/mail"
	"github.com/icza/emailauth/store"
	"github.com/icza/emailauth/store/memstore"
	"github.com/icza/emailauth/store/mongostore"
	"github.com/icza/emailauth/store/pgstore"
)

// ShutdownTimeout bounds the graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// VerifyChangePath is the path of the email change verification endpoint,
// relative to the site URI.
const VerifyChangePath = "/api/user/verify-change-email"

type App struct {
	config *config.Config
	slog   *slog.Logger
	logger logging.Logger
	server *echo.Echo

	// background tasks, run until shutdown
	tasks []func(ctx context.Context)

	// closers release resources after shutdown, in reverse order
	closers []func(ctx context.Context) error
}

// NewApp connects to the configured backends and builds the HTTP server.
// Logs are written to w.
func NewApp(ctx context.Context, c *config.Config, w io.Writer) (*App, error) {
	sl := slog.New(logging.NewHandler(w, c.Development(), c.LogLevel))
	app := &App{
		config: c,
		slog:   sl,
		logger: logging.NewSlogLogger(sl),
	}

	st, err := app.openStore(ctx)
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	sendEmail, err := app.openMailer()
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	mode := emailauth.ModeProduction
	if c.Development() {
		mode = emailauth.ModeDevelopment
	}
	auth := emailauth.NewAuthenticator(st, sendEmail, emailauth.Config{
		Mode:            mode,
		SigningKey:      []byte(c.JWTSecret),
		SessionLifetime: c.SessionLifetime,
		TokenTTL:        c.TokenExpiry,
		SecretCost:      c.BcryptCost,
		SiteName:        c.SiteTitle,
		SenderName:      c.SiteAuthor,
		VerifyChangeURL: c.SiteURI + VerifyChangePath,
		Logger:          sl,
	})

	app.server = httpapi.NewServer(httpapi.NewHandler(auth, app.logger))
	return app, nil
}

func (app *App) openStore(ctx context.Context) (store.Store, error) {
	c := app.config
	switch c.StoreDriver {
	case config.StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(c.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect error: %w", err)
		}
		app.closers = append(app.closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping error: %w", err)
		}
		return mongostore.New(ctx, client, mongostore.Config{DBName: c.MongoDB, TokenTTL: c.TokenExpiry})

	case config.StorePostgres:
		st, err := pgstore.Open(ctx, c.PostgresDSN, c.TokenExpiry)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) error { return st.Close() })
		if err := st.RunMigrations(ctx); err != nil {
			return nil, err
		}
		app.tasks = append(app.tasks, func(ctx context.Context) {
			st.RunReaper(ctx, c.ReapInterval, app.slog)
		})
		return st, nil

	case config.StoreMemory:
		app.logger.Warn(ctx, "using in-memory store, data is lost on restart")
		return memstore.New(c.TokenExpiry), nil
	}
	return nil, fmt.Errorf("unknown store driver: %q", c.StoreDriver)
}

func (app *App) openMailer() (emailauth.SendEmailFunc, error) {
	c := app.config
	switch c.MailTransport {
	case config.MailSMTP:
		return mail.SMTP(mail.SMTPConfig{
			Host:     c.SMTPHost,
			Port:     c.SMTPPort,
			Username: c.SMTPUsername,
			Password: c.SMTPPassword,
			From:     c.MailFrom,
		}), nil

	case config.MailAMQP:
		p, err := mail.DialPublisher(c.AMQPURL, c.AMQPQueue, c.MailFrom)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) error { return p.Close() })
		return p.Send, nil

	case config.MailLog:
		return mail.Log(app.slog), nil
	}
	return nil, fmt.Errorf("unknown mail transport: %q", c.MailTransport)
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves HTTP requests and runs the background tasks until ctx is
// cancelled or a termination signal arrives, then shuts down gracefully.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)

	addr := ":" + app.config.Port
	app.logger.Info(ctx, "starting server", "addr", addr, "env", app.config.Env,
		"store", app.config.StoreDriver, "mail", app.config.MailTransport)

	var wg sync.WaitGroup
	for _, task := range app.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.server.Start(addr)
	}()

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		cancelFunc()
	case <-ctx.Done():
		app.logger.Info(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		err = app.server.Shutdown(sctx)
		cancel()
	}

	wg.Wait()
	app.close(context.WithoutCancel(ctx))

	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr returns the address the server listens on, or "" if not yet started.
func (app *App) Addr() string {
	if a := app.server.ListenerAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (app *App) close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](ctx); err != nil {
			app.logger.Error(ctx, "closing resource failed", "error", err)
		}
	}
	app.closers = nil
}
