package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/franciszver/lexforge-sub002/internal/auth"
	"github.com/franciszver/lexforge-sub002/internal/config"
	"github.com/franciszver/lexforge-sub002/internal/database"
	"github.com/franciszver/lexforge-sub002/internal/docsync"
	"github.com/franciszver/lexforge-sub002/internal/logging"
	"github.com/franciszver/lexforge-sub002/internal/presence"
	"github.com/franciszver/lexforge-sub002/internal/realtime"
	"github.com/franciszver/lexforge-sub002/internal/server"
	"github.com/franciszver/lexforge-sub002/internal/store/redisstore"
	"github.com/franciszver/lexforge-sub002/internal/store/sqlstore"
	"github.com/franciszver/lexforge-sub002/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	presence presence.Store
	state    docsync.StateStore
	close    func() error
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	backend, err := openStores(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer backend.close() //nolint:errcheck

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
		Leeway:        appConfig.TokenLeeway,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Profiles:         userService,
		PresenceStore:    backend.presence,
		StateStore:       backend.state,
		Sessions: server.SessionSettings{
			DebounceWindow:    appConfig.SyncDebounce,
			CursorInterval:    appConfig.CursorThrottle,
			CleanupInterval:   appConfig.CleanupInterval,
			HeartbeatInterval: appConfig.HeartbeatInterval,
		},
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serverErr := httpServer.Shutdown(shutdownCtx)
		// Editor sessions must leave their documents before the stores close.
		sessionErr := handler.Shutdown(shutdownCtx)
		return errors.Join(serverErr, sessionErr)
	case err := <-errCh:
		return err
	}
}

// openDatabase opens the relational database holding user identities, and presence and sync
// state unless they live in Redis.
func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if appConfig.StoreBackend == config.BackendPostgres {
		return database.OpenPostgres(appConfig.DatabaseDSN, logger)
	}
	return database.OpenSQLite(appConfig.DatabasePath, logger)
}

func openStores(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (stores, error) {
	if appConfig.StoreBackend == config.BackendRedis {
		redisStore, err := redisstore.New(redisstore.Config{
			URL:    appConfig.RedisURL,
			Logger: logger,
		})
		if err != nil {
			return stores{}, err
		}
		return stores{presence: redisStore, state: redisStore, close: redisStore.Close}, nil
	}

	sqlStore, err := sqlstore.New(sqlstore.Config{
		Database:   db,
		Dispatcher: realtime.NewDispatcher(),
		Logger:     logger,
	})
	if err != nil {
		return stores{}, err
	}
	return stores{presence: sqlStore, state: sqlStore, close: func() error { return nil }}, nil
}
