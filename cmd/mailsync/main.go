package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/syncer"
	"github.com/nhle/mailsync/internal/thread"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to configuration file")
	fullBackfill := flag.Bool("full", false, "backfill the entire inbox instead of the configured page cap")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if err := run(*configPath, *fullBackfill, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "mailsync:", err)
		os.Exit(1)
	}
}

func run(configPath string, fullBackfill, verbose bool) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Account.Host == "" || cfg.Account.Username == "" {
		return fmt.Errorf("account host and username must be set in %s", configPath)
	}

	password, err := credential.Get(credential.PasswordKey(cfg.Account.Username, cfg.Account.Host))
	if err != nil {
		return fmt.Errorf("no stored password for %s@%s, set one with mailsync-credential: %w",
			cfg.Account.Username, cfg.Account.Host, err)
	}

	cachePath := cfg.Cache.Path
	if cachePath == "" {
		cachePath = model.DefaultCachePath()
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		return err
	}

	sqlStore, err := store.NewSQLiteStore(cachePath)
	if err != nil {
		return err
	}
	handle := store.NewHandle(sqlStore)
	defer func() {
		if err := handle.Close(); err != nil {
			log.Error().Err(err).Msg("closing cache")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := remote.NewSession(cfg.Account, password, log)
	defer func() { _ = session.Close() }()

	go func() {
		for st := range session.StatusChanges() {
			log.Info().Stringer("status", st).Msg("connection")
		}
	}()

	coord := syncer.NewCoordinator(handle, session, thread.NewResolver(), cfg.Sync, log)
	coord.OnOpFailed(func(op model.PendingOp, err error) {
		log.Error().Err(err).Str("kind", string(op.Kind)).Str("message", op.MessageID).
			Msg("operation rejected by server, local state kept")
	})
	coord.OnNewMessage(func(m model.MessageSummary) {
		log.Info().Str("from", m.From).Str("subject", m.Subject).Msg("new message")
	})

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := coord.SeedThreads(ctx); err != nil {
		return err
	}

	folders, err := coord.SyncFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Path != "INBOX" {
			continue
		}
		err := coord.Backfill(ctx, f, syncer.BackfillOptions{
			Full: fullBackfill,
			Progress: func(fetched int) {
				log.Debug().Int("fetched", fetched).Msg("backfill progress")
			},
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	return coord.Run(ctx)
}
