// Command mailstack runs the SMTP receiving server (SSE) and POP3 retrieval
// server (PSE) side by side against one PostgreSQL-backed store and one
// content directory, per the top-level wiring the root config ties together.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/config"
	"github.com/mailstack/mailstack/internal/content"
	"github.com/mailstack/mailstack/internal/logger"
	"github.com/mailstack/mailstack/internal/pop3server"
	"github.com/mailstack/mailstack/internal/smtpserver"
	"github.com/mailstack/mailstack/internal/store"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	migrateDirection := flag.String("migrate", "", `Run versioned schema migrations ("up" or "down") and exit, instead of starting the servers`)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %q: %v", *configPath, err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	appLog := logger.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *migrateDirection != "" {
		if err := store.Migrate(ctx, cfg.Database, *migrateDirection); err != nil {
			appLog.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		appLog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	ds, err := store.NewStore(ctx, cfg.Database)
	if err != nil {
		appLog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer ds.Close()

	if cfg.Content.EmailsDir == "" {
		appLog.Error("content.emails_dir must be set")
		os.Exit(1)
	}
	cm, err := content.NewManager(cfg.Content.EmailsDir)
	if err != nil {
		appLog.Error("failed to initialize content manager", "error", err)
		os.Exit(1)
	}

	am := auth.NewModule(ds, cfg.Auth.BcryptCost)

	errChan := make(chan error, 2)
	running := 0

	if cfg.SMTP.Addr != "" {
		startSMTP(ctx, cfg.SMTP, am, cm, ds, errChan, appLog)
		running++
	}
	if cfg.POP3.Addr != "" {
		startPOP3(ctx, cfg.POP3, am, cm, ds, errChan, appLog)
		running++
	}
	if running == 0 {
		appLog.Error("no servers enabled: set smtp.addr and/or pop3.addr")
		os.Exit(1)
	}

	select {
	case err := <-errChan:
		if err != nil {
			appLog.Error("server error", "error", err)
		}
	case <-ctx.Done():
	}

	// Give in-flight sessions the configured grace period to reach a clean
	// state (SMTP DATA in progress completing or rolling back, POP3 sessions
	// reaching UPDATE) before the process exits, per the Session Runtime's
	// shutdown contract.
	time.Sleep(shutdownGracePeriod(cfg, appLog))
}

func shutdownGracePeriod(cfg *config.Config, appLog *slog.Logger) time.Duration {
	grace := 500 * time.Millisecond
	if cfg.SMTP.Addr != "" {
		if g, err := cfg.SMTP.GetGracePeriod(); err != nil {
			appLog.Warn("invalid smtp grace_period, using default", "error", err)
		} else if g > grace {
			grace = g
		}
	}
	if cfg.POP3.Addr != "" {
		if g, err := cfg.POP3.GetGracePeriod(); err != nil {
			appLog.Warn("invalid pop3 grace_period, using default", "error", err)
		} else if g > grace {
			grace = g
		}
	}
	return grace
}

func startSMTP(ctx context.Context, cfg config.SMTPConfig, am *auth.Module, cm *content.Manager, ds *store.Store, errChan chan error, appLog *slog.Logger) {
	s, err := smtpserver.New(cfg, am, cm, ds)
	if err != nil {
		errChan <- err
		return
	}
	go func() {
		<-ctx.Done()
		appLog.Info("shutting down SMTP server")
		if err := s.Close(); err != nil {
			appLog.Warn("error closing SMTP server", "error", err)
		}
	}()
	go s.Start(errChan)
}

func startPOP3(ctx context.Context, cfg config.POP3Config, am *auth.Module, cm *content.Manager, ds *store.Store, errChan chan error, appLog *slog.Logger) {
	s, err := pop3server.New(cfg, am, cm, ds)
	if err != nil {
		errChan <- err
		return
	}
	go func() {
		<-ctx.Done()
		appLog.Info("shutting down POP3 server")
		if err := s.Close(); err != nil {
			appLog.Warn("error closing POP3 server", "error", err)
		}
	}()
	go s.Start(errChan)
}
