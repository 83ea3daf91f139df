package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomci/loom/artifact"
	"github.com/loomci/loom/config"
	"github.com/loomci/loom/db"
	"github.com/loomci/loom/eventsource"
	"github.com/loomci/loom/log"
	"github.com/loomci/loom/notifier"
	"github.com/loomci/loom/notify"
	"github.com/loomci/loom/publish"
	"github.com/loomci/loom/rbac"
	"github.com/loomci/loom/runner"
	"github.com/loomci/loom/secrets"
	"github.com/loomci/loom/workflow"

	"github.com/posthog/posthog-go"
	"golang.org/x/sync/errgroup"
)

// Run assembles the controller from configuration and serves until
// the context is cancelled.
func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	e, err := rbac.NewEnforcer(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup rbac enforcer: %w", err)
	}
	if err := e.Seed(cfg.Server.Owner); err != nil {
		return fmt.Errorf("failed to seed rbac policies: %w", err)
	}
	logger.Info("owner set", "user", cfg.Server.Owner)

	n := notifier.New()

	ldr, err := workflow.NewLoader(cfg.Server.WorkflowDir)
	if err != nil {
		return fmt.Errorf("failed to setup workflow loader: %w", err)
	}

	store, err := makeStore(ctx, cfg)
	if err != nil {
		return err
	}

	r, err := makeRunner(ctx, cfg, store)
	if err != nil {
		return err
	}

	sec, err := makeSecrets(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if stopper, ok := sec.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	var pub publish.Publisher
	switch cfg.Publisher.Kind {
	case "http":
		pub = publish.NewHTTPPublisher(cfg.Publisher.Endpoint, cfg.Publisher.Token)
	default:
		pub = publish.NewLogPublisher(logger)
	}

	c := New(Deps{
		DB:       d,
		Logger:   logger,
		Notifier: &n,
		Enforcer: e,
		Config:   cfg,
		Loader:   ldr,
		Runner:   r,
		Secrets:  sec,
		Pub:      pub,
		Notify:   makeNotifiers(cfg, logger),
	})

	c.Start()
	defer c.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if len(cfg.Sources.Websocket) > 0 {
		var sources []eventsource.Source
		for _, host := range cfg.Sources.Websocket {
			sources = append(sources, eventsource.NewForgeSource(host, cfg.Server.Dev))
		}
		consumer := eventsource.NewConsumer(eventsource.ConsumerConfig{
			Sources:     sources,
			Submitter:   c,
			Logger:      logger,
			CursorStore: d,
		})
		g.Go(func() error {
			consumer.Start(ctx)
			return nil
		})
	}

	if len(cfg.Sources.Kafka.Brokers) > 0 {
		kafka, err := eventsource.NewKafka(
			cfg.Sources.Kafka.Brokers,
			cfg.Sources.Kafka.Topic,
			cfg.Sources.Kafka.Group,
			c,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to setup kafka source: %w", err)
		}
		kafka.Start(ctx)
		defer kafka.Stop()
	}

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: c.Router()}
	g.Go(func() error {
		logger.Info("starting loom server", "address", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func makeStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.Store.Kind {
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Endpoint:  cfg.Store.S3.Endpoint,
			AccessKey: cfg.Store.S3.AccessKey,
			SecretKey: cfg.Store.S3.SecretKey,
			Bucket:    cfg.Store.S3.Bucket,
			UseSSL:    cfg.Store.S3.UseSSL,
		})
	default:
		return artifact.NewFSStore(cfg.Store.Dir)
	}
}

func makeRunner(ctx context.Context, cfg *config.Config, store artifact.Store) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case "noop":
		return &runner.Noop{}, nil
	default:
		return runner.NewDocker(ctx, store, cfg.Runner.Image)
	}
}

func makeSecrets(ctx context.Context, cfg *config.Config, logger *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		return secrets.NewOpenBaoManager(
			cfg.Secrets.OpenBao.Addr,
			cfg.Secrets.OpenBao.RoleID,
			cfg.Secrets.OpenBao.SecretID,
			logger,
			secrets.WithMountPath(cfg.Secrets.OpenBao.Mount),
		)
	default:
		return secrets.NewSQLiteManager(cfg.Server.DBPath)
	}
}

func makeNotifiers(cfg *config.Config, logger *slog.Logger) notify.Fanout {
	fanout := notify.Fanout{&notify.Slog{L: logger}}

	if cfg.Notify.Email.ResendAPIKey != "" {
		fanout = append(fanout, notify.NewEmail(
			cfg.Notify.Email.ResendAPIKey,
			cfg.Notify.Email.From,
			cfg.Notify.Email.To,
			logger,
		))
	}

	if cfg.Notify.Discord.Token != "" {
		discord, err := notify.NewDiscord(cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID, logger)
		if err != nil {
			logger.Error("failed to setup discord notifier", "err", err)
		} else {
			fanout = append(fanout, discord)
		}
	}

	if cfg.Notify.Telegram.Token != "" {
		telegram, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID, logger)
		if err != nil {
			logger.Error("failed to setup telegram notifier", "err", err)
		} else {
			fanout = append(fanout, telegram)
		}
	}

	if cfg.Notify.Posthog.APIKey != "" {
		client, err := posthog.NewWithConfig(cfg.Notify.Posthog.APIKey, posthog.Config{Endpoint: cfg.Notify.Posthog.Endpoint})
		if err != nil {
			logger.Error("failed to setup posthog notifier", "err", err)
		} else {
			fanout = append(fanout, &notify.Posthog{Client: client, Owner: cfg.Server.Owner, L: logger})
		}
	}

	return fanout
}
