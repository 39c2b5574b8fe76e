// Command goetia runs the Telegram relay bot.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mrtesla07/goetia-bot/internal/account"
	"github.com/mrtesla07/goetia-bot/internal/account/mtproto"
	"github.com/mrtesla07/goetia-bot/internal/bot"
	"github.com/mrtesla07/goetia-bot/internal/config"
	"github.com/mrtesla07/goetia-bot/internal/crypto/sessioncrypto"
	"github.com/mrtesla07/goetia-bot/internal/relay"
	"github.com/mrtesla07/goetia-bot/internal/scheduler"
	grpcserver "github.com/mrtesla07/goetia-bot/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file; process environment wins")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	dev := pflag.Bool("dev", false, "enable gRPC reflection on the health endpoint")
	pflag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *dev); err != nil {
		logger.Error("exit", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, dev bool) error {
	for _, dir := range []string{cfg.DataDir, cfg.SessionsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := openStore(ctx, cfg.DatabaseDSN, log)
	if err != nil {
		return err
	}
	defer st.close()

	var sealer *sessioncrypto.Sealer
	if cfg.SessionSecret != "" {
		sealer = sessioncrypto.NewSealer(cfg.SessionSecret)
	} else {
		log.Warn("SESSION_SECRET not set, account credentials are stored unencrypted")
	}

	dialer := mtproto.NewDialer(cfg.APIID, cfg.APIHash, cfg.SessionsDir, sealer, log.Named("mtproto"))
	manager := account.NewManager(dialer, st.profiles, cfg.RelayPeer, log.Named("account"), account.WithLimiter(st.limiter))
	sched := scheduler.New(manager, cfg.KeepAliveText, cfg.Location, log.Named("scheduler"))

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("bot api: %w", err)
	}
	log.Info("bot authorized", zap.String("username", api.Self.UserName))
	front := bot.New(api, log.Named("bot"))
	coord := relay.New(manager, st.profiles, sched, front, cfg.Timezone, log.Named("relay"))

	var health *grpcserver.Server
	if cfg.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("health listen: %w", err)
		}
		var opts []grpcserver.Option
		if dev {
			opts = append(opts, grpcserver.WithReflection())
		}
		health = grpcserver.New(log.Named("health"), opts...)
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Error("health server", zap.Error(err))
			}
		}()
	}

	if err := coord.RestoreAll(ctx); err != nil {
		log.Warn("some sessions were not restored", zap.Error(err))
	}
	sched.Start()
	if health != nil {
		health.SetServing(true)
	}

	runErr := front.Run(ctx, coord)

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errList := []error{runErr}
	done := make(chan error, 2)
	go func() { done <- manager.Close(shutdownCtx) }()
	go func() { done <- sched.Shutdown(shutdownCtx) }()
	for range 2 {
		errList = append(errList, <-done)
	}
	if health != nil {
		health.Stop(shutdownCtx)
	}
	return errors.Join(errList...)
}
