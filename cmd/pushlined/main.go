package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/pushline/pushline/config"
	"github.com/pushline/pushline/desktop"
	"github.com/pushline/pushline/internal"
	"github.com/pushline/pushline/kvstore"
	"github.com/pushline/pushline/messaging"
	"github.com/pushline/pushline/pubsub"
	"github.com/pushline/pushline/pushapi"
	"github.com/pushline/pushline/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var GitCommit string

const version = "0.4.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr string
		db   string
	)
	root := &cobra.Command{
		Use:           "pushlined",
		Short:         "Keeps your pushes in sync, raises desktop notifications and opens pushed links",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, addr, db)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", "", "Address for the local messaging endpoint (default "+messaging.DefaultAddr+")")
	root.PersistentFlags().StringVar(&db, "db", "", "Postgres connection string. Settings are kept in a file when unset")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Bring the postgres settings schema up to date and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, addr, db)
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("migrate needs --db or %s", config.EnvDB)
			}
			conn, err := sqlx.Open("postgres", cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := kvstore.RunMigrations(conn); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	})
	return root
}

func loadConfig(cmd *cobra.Command, addr, db string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("addr") {
		cfg.MessagingAddr = addr
	}
	if cmd.Flags().Changed("db") {
		cfg.PostgresDSN = db
	}
	cfg.ApplyLogLevel()
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	pushapi.Version = version
	if GitCommit != "" {
		pushapi.Version += "-" + GitCommit
	}
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: pushapi.Version,
			Dist:    GitCommit,
		})
		if err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if cfg.OTLPURL != "" {
		if err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, pushapi.Version); err != nil {
			return fmt.Errorf("ConfigureOTLP: %w", err)
		}
	}

	storePath, err := cfg.ResolveStorePath()
	if err != nil {
		return err
	}
	store, err := kvstore.Open(cfg.PostgresDSN, storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier desktop.Notifier = desktop.LogNotifier{}
	if cfg.NotifyCommand != "" {
		notifier = desktop.NewCommandNotifier(cfg.NotifyCommand)
	}

	ps := pubsub.NewPubSub(100)
	var sessionNotifier pubsub.Notifier = ps
	if cfg.Prometheus {
		sessionNotifier = pubsub.NewPromNotifier(ps, "session")
	}

	mgr := session.NewManager(session.Config{
		API:               pushapi.NewHTTPClient(cfg.APIURL, cfg.HTTPTimeout),
		Store:             store,
		Notifier:          sessionNotifier,
		Desktop:           notifier,
		Tabs:              desktop.BrowserOpener{},
		StreamURL:         cfg.StreamURL,
		StreamReadTimeout: cfg.StreamReadTimeout,
		OpenPopup: func() {
			logger.Info().Msg("run `pushline show` to see your recent pushes")
		},
		EnablePrometheus: cfg.Prometheus,
	})
	defer mgr.Teardown()

	srv := messaging.NewServer(mgr, store, messaging.ServerOptions{EnablePrometheus: cfg.Prometheus})
	defer srv.Close()
	sub := pubsub.NewSessionSub(ps, srv)
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("session listener stopped")
		}
	}()
	defer sub.Teardown()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cancel := store.Subscribe(func(c kvstore.Change) {
		mgr.OnStoreChange(ctx, c)
	})
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		// not fatal: a new credential from the popup starts the session
		logger.Err(err).Msg("failed to initialize session")
	}
	logger.Info().Str("version", pushapi.Version).Str("store", describeStore(cfg, storePath)).Msg("pushlined started")
	return srv.ListenAndServe(ctx, cfg.MessagingAddr)
}

func describeStore(cfg config.Config, path string) string {
	if cfg.PostgresDSN != "" {
		return "postgres"
	}
	return path
}
