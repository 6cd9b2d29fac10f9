package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/async"
	"github.com/alanbriolat/dlqueue/database"
	"github.com/alanbriolat/dlqueue/internal/boltdb"
	"github.com/alanbriolat/dlqueue/internal/process"
	"github.com/alanbriolat/dlqueue/internal/session"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

const appName = "dlqueue"

func main() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = dlqueue.WithLogger(ctx, logger.Sugar())

	app := &cli.App{
		Name:  appName,
		Usage: "queue and supervise yt-dlp downloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "load settings from YAML `FILE`",
			},
			&cli.StringFlag{
				Name:  "store",
				Value: "bolt",
				Usage: "persist downloads with `BACKEND` (bolt, sqlite or memory)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "override database `PATH`",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.IntFlag{
				Name:  "max-parallel",
				Usage: "run at most `N` downloads at once",
			},
			&cli.StringFlag{
				Name:  "download-dir",
				Usage: "save completed downloads to `DIR`",
			},
			&cli.StringFlag{
				Name:  "temp-dir",
				Usage: "keep partial downloads in `DIR`",
			},
			&cli.StringFlag{
				Name:  "binary",
				Usage: "run yt-dlp from `PATH`",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				config.Level.SetLevel(zap.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			downloadCommand(ctx),
			resumeCommand(ctx),
			runCommand(ctx),
			listCommand(ctx),
			cancelCommand(ctx),
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		stop()
		err = <-result
		if err != nil {
			logger.Fatal(err.Error())
		}
	}
}

func loadSettings(c *cli.Context) (dlqueue.Settings, error) {
	settings, err := dlqueue.LoadSettings(c.String("config"))
	if err != nil {
		return settings, err
	}
	if c.IsSet("max-parallel") {
		settings.MaxParallelDownloads = c.Int("max-parallel")
	}
	if c.IsSet("download-dir") {
		settings.DownloadDir = c.String("download-dir")
	}
	if c.IsSet("temp-dir") {
		settings.TempDir = c.String("temp-dir")
	}
	if c.IsSet("binary") {
		settings.Binary = c.String("binary")
	}
	if c.Bool("debug") {
		settings.DebugMode = true
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

type closer func() error

func openStore(c *cli.Context) (session.Store, closer, error) {
	path := c.String("db")
	defaultPath := func(name string) (string, error) {
		if path != "" {
			return path, nil
		}
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(dir, appName)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return "", err
		}
		return filepath.Join(dir, name), nil
	}
	switch backend := c.String("store"); backend {
	case "bolt":
		path, err := defaultPath("downloads.db")
		if err != nil {
			return nil, nil, err
		}
		s, err := boltdb.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		return s, s.Close, nil
	case "sqlite":
		path, err := defaultPath("downloads.sqlite3")
		if err != nil {
			return nil, nil, err
		}
		d, err := database.Open(path)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Migrate(); err != nil {
			_ = d.Close()
			return nil, nil, fmt.Errorf("failed to migrate %s: %w", path, err)
		}
		return d, d.Close, nil
	case "memory":
		return session.NewMemoryStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", backend)
	}
}

// withSession runs f against a session built from the command line, closing everything afterwards. A detached
// session only edits the store, leaving downloads for "dlqueue run" to launch.
func withSession(ctx context.Context, c *cli.Context, detached bool, f func(ses *session.Session) error) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(c)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			zap.S().Errorf("failed to close store: %v", err)
		}
	}()

	supervisor := process.New(settings.Binary, process.WithOutputLogging(settings.LogVerbose, settings.LogProgress))
	cfg := session.DefaultConfig
	cfg.Store = store
	cfg.Launcher = supervisor
	cfg.Metadata = ytdlp.NewClient(settings.Binary)
	cfg.OrphanKiller = process.NewOrphanKiller(process.DefaultKiller())
	cfg.Detached = detached
	cfg.Settings = func() dlqueue.Settings { return settings }
	ses, err := session.New(cfg, ctx)
	if err != nil {
		return err
	}
	err = f(ses)
	if closeErr := ses.Close(); closeErr != nil {
		zap.S().Errorf("failed to close session: %v", closeErr)
	}
	supervisor.Wait()
	return err
}
