package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pantrylab/cartsync/internal/auth"
	"github.com/pantrylab/cartsync/internal/config"
	"github.com/pantrylab/cartsync/internal/database"
	"github.com/pantrylab/cartsync/internal/devices"
	"github.com/pantrylab/cartsync/internal/events"
	"github.com/pantrylab/cartsync/internal/ids"
	"github.com/pantrylab/cartsync/internal/items"
	"github.com/pantrylab/cartsync/internal/logging"
	"github.com/pantrylab/cartsync/internal/membership"
	"github.com/pantrylab/cartsync/internal/notify"
	"github.com/pantrylab/cartsync/internal/plan"
	"github.com/pantrylab/cartsync/internal/server"
	"github.com/pantrylab/cartsync/internal/users"
)

const inviteSweepInterval = time.Hour

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cartsync-api",
		Short: "CartSync shared checklist backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Web app base URL used in invite links")
	cmd.PersistentFlags().Int("invite-ttl-hours", defaults.GetInt("invite.ttl_hours"), "Invite lifetime in hours")
	cmd.PersistentFlags().String("fcm-server-key", "", "FCM server key for push delivery (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "invite.ttl_hours", "invite-ttl-hours")
	bindFlag(cmd, "notify.fcm_server_key", "fcm-server-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		ClientID: appConfig.GoogleClientID,
		JWKSURL:  appConfig.GoogleJWKSURL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deviceService, err := devices.NewService(devices.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gate, err := plan.NewFreeTier(plan.FreeTierConfig{
		Database:    db,
		ListLimit:   appConfig.FreeListLimit,
		MemberLimit: appConfig.FreeMemberLimit,
		Pro:         userService,
	})
	if err != nil {
		return err
	}

	membershipService, err := membership.NewService(membership.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewULIDProvider(time.Now),
		Logger:     logger,
		Gate:       gate,
		AppBaseURL: appConfig.AppBaseURL,
		InviteTTL:  appConfig.InviteTTL,
		Profiles:   userService,
		Devices:    deviceService,
	})
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher()
	observers := []items.ChangeObserver{dispatcher}

	if appConfig.FCMServerKey != "" {
		pusher, err := notify.NewFCMPusher(appConfig.FCMServerKey, nil)
		if err != nil {
			return err
		}
		notifier, err := notify.NewNotifier(notify.NotifierConfig{
			Database:    db,
			Names:       userService,
			Tokens:      deviceService,
			Pusher:      pusher,
			Logger:      logger,
			Concurrency: appConfig.NotifyWorkers,
			AppBaseURL:  appConfig.AppBaseURL,
		})
		if err != nil {
			return err
		}
		observers = append(observers, notifier)
	} else {
		logger.Warn("push delivery disabled, no fcm server key configured")
	}

	itemService, err := items.NewService(items.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids.NewULIDProvider(time.Now),
		Logger:     logger,
		Observers:  observers,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		Memberships:    membershipService,
		Items:          itemService,
		Users:          userService,
		Devices:        deviceService,
		Events:         dispatcher,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepInvites(signalCtx, membershipService, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepInvites deletes expired invites in the background. Expired tokens are
// also rejected and removed on accept, so the sweep only keeps the table tidy.
func sweepInvites(ctx context.Context, memberships *membership.Service, logger *zap.Logger) {
	ticker := time.NewTicker(inviteSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := memberships.SweepExpiredInvites(ctx)
			if err != nil {
				logger.Warn("invite sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				logger.Info("expired invites swept", zap.Int64("count", swept))
			}
		}
	}
}
