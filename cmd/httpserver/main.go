package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/agenda/internal/config"
	"github.com/pershin-daniil/agenda/internal/rest"
	"github.com/pershin-daniil/agenda/internal/telegram"
	"github.com/pershin-daniil/agenda/pkg/lock"
	"github.com/pershin-daniil/agenda/pkg/logger"
	"github.com/pershin-daniil/agenda/pkg/memstore"
	"github.com/pershin-daniil/agenda/pkg/models"
	"github.com/pershin-daniil/agenda/pkg/notifier"
	"github.com/pershin-daniil/agenda/pkg/pgstore"
	"github.com/pershin-daniil/agenda/pkg/service"
	"github.com/pershin-daniil/agenda/pkg/store"
	"github.com/pershin-daniil/agenda/pkg/worker"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Panic(err)
	}
	log := logger.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := newStore(ctx, log, cfg)
	if err != nil {
		log.Panic(err)
	}
	defer closeStore()

	notifiers := notifier.Fanout{notifier.NewDummyNotifier(log)}
	if cfg.TgToken != "" {
		bot, err := telegram.NewBot(cfg.TgToken)
		if err != nil {
			log.Panic(err)
		}
		notifiers = append(notifiers, telegram.NewNotifier(log, bot, cfg.TgChatID))
	}

	publicKey, err := cfg.PublicKey()
	if err != nil {
		log.Panic(err)
	}
	if publicKey == nil {
		log.Warn("jwt public key is not set, api is unauthenticated")
	}

	app := service.NewScheduleService(log, st, lock.New(cfg.LockTimeout), notifiers)
	server := rest.NewServer(log, app, cfg.Address, version, publicKey)

	go func() {
		if err := worker.New(log, app, cfg.ReminderLead).Run(ctx, cfg.ReminderSchedule); err != nil {
			log.Errorf("reminder worker stopped: %v", err)
		}
	}()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
		<-sigCh
		log.Info("Received signal, shutting down...")
		cancel()
	}()
	if err = server.Run(ctx); err != nil {
		log.Panic(err)
	}
	log.Info("Server stopped")
}

func newStore(ctx context.Context, log *logrus.Logger, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		st := memstore.New(log)
		for i := 1; i <= cfg.MemoryUsers; i++ {
			st.AddUser(models.User{LastName: fmt.Sprintf("user%d", i)})
		}
		log.Infof("using in-memory store with %d users", cfg.MemoryUsers)
		return st, func() {}, nil
	default:
		st, err := pgstore.NewStore(ctx, log, cfg.PgDSN, cfg.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		if err = st.Migrate(migrate.Up); err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				log.Warnf("err closing store: %v", err)
			}
		}, nil
	}
}
