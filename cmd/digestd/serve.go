package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/digestd/internal/api"
	"github.io/infrasutra/digestd/internal/auth"
	"github.io/infrasutra/digestd/internal/config"
	"github.io/infrasutra/digestd/internal/digest"
	"github.io/infrasutra/digestd/internal/directory"
	"github.io/infrasutra/digestd/internal/mailer"
	"github.io/infrasutra/digestd/internal/render"
	"github.io/infrasutra/digestd/internal/smtpserver"
	"github.io/infrasutra/digestd/internal/sse"
	"github.io/infrasutra/digestd/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the digest daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg, newLogger(cfg, os.Stdout))
		},
	}
}

// lockPath names the host lock file. A redis store coordinates edits in
// redis itself, so it only takes a file lock when one is configured.
func lockPath(cfg config.Config) string {
	switch {
	case cfg.LockPath != "":
		return cfg.LockPath
	case cfg.StoreDriver == store.DriverRedis:
		return ""
	case cfg.DBPath != "":
		return cfg.DBPath + ".lock"
	default:
		return filepath.Join(os.TempDir(), "digestd.lock")
	}
}

func acquireLock(path string, logger *slog.Logger) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another digestd owns %s", path)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("release lock", "path", path, "error", err)
		}
	}, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	unlock, err := acquireLock(lockPath(cfg), logger)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if cfg.DBPath == "" && cfg.StoreDriver == "sqlite" {
		logger.Warn("DB_PATH not set; digests are kept in memory only")
	}

	renderer, err := render.New(cfg.ServiceName, cfg.ServerURL)
	if err != nil {
		return err
	}

	entries, err := directory.ParseEntries(cfg.DirectoryEntries)
	if err != nil {
		return fmt.Errorf("parse directory entries: %w", err)
	}
	dir := directory.NewStatic(cfg.DirectoryDomain, entries)

	var sender mailer.Sender
	if cfg.RelayAddr != "" {
		sender = mailer.NewSMTPSender(cfg.RelayAddr, cfg.RelayUsername, cfg.RelayPassword, logger)
		logger.Info("relaying digests", "addr", cfg.RelayAddr)
	} else {
		sender = mailer.NewLogSender(logger)
		logger.Warn("RELAY_ADDR not set; digests are logged instead of sent")
	}

	hub := sse.NewHub()
	service := digest.New(digest.Config{
		From:             cfg.From(),
		DrainInterval:    cfg.DrainInterval,
		DispatchInterval: cfg.DispatchInterval,
		MaxAttempts:      cfg.MaxAttempts,
		DeadLetterLimit:  cfg.DeadLetterLimit,
	}, st, renderer, sender, dir, logger, digest.WithPublisher(hub))

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour, cfg.AdminEmails,
		auth.WithPassword(cfg.OperatorPassword))
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if !authManager.Enabled() {
		logger.Warn("OPERATOR_PASSWORD not set; operator API disabled")
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.NewServer(service, authManager, hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var smtpSrv *smtpserver.Server
	if cfg.SMTPIngestEnabled {
		smtpAuthCfg := smtpserver.AuthConfig{
			Enabled:  cfg.SMTPAuthEnabled,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}
		if !smtpAuthCfg.Enabled {
			logger.Warn("smtp auth disabled; ingest accepts unauthenticated connections")
		}
		smtpSrv = smtpserver.New(service, logger, fmt.Sprintf(":%d", cfg.SMTPPort), smtpAuthCfg)
	}

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if smtpSrv != nil {
		group.Go(func() error {
			if err := smtpSrv.ListenAndServe(); err != nil {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		if smtpSrv != nil {
			if err := smtpSrv.Close(); err != nil {
				logger.Error("shutdown smtp", "error", err)
			}
		}
		return nil
	})

	err = group.Wait()
	logger.Info("digestd stopping")
	return err
}
