package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/config"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/database"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/llm"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/projects"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/publish"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/server"
	"github.com/MarcoPoloResearchLab/sitesmith/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

var (
	cfgFile   string
	dotenvErr error
)

func main() {
	dotenvErr = loadDotenv()

	rootCmd := &cobra.Command{
		Use:   "sitesmith-api",
		Short: "Sitesmith website generation backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("model-name", defaults.GetString("model.name"), "Completion model name")
	cmd.PersistentFlags().Int("credit-cost", defaults.GetInt("generation.credit_cost"), "Credits debited per generation")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "model.name", "model-name")
	bindFlag(cmd, "generation.credit_cost", "credit-cost")
}

// loadDotenv loads .env files into the environment. A missing file is not an error.
func loadDotenv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
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

func newIssueSessionCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-session",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("session.signing_secret")
			if secret == "" {
				return fmt.Errorf("session.signing_secret is required")
			}
			issuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("session.issuer"),
				TokenTTL:      ttl,
			})
			token, expiresAt, err := issuer.Issue(auth.SessionIdentity{
				UserID:      userID,
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Session subject")
	cmd.Flags().StringVar(&email, "email", "", "Session email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Session display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
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
	if dotenvErr != nil {
		logger.Debug("dotenv file not loaded", zap.Error(dotenvErr))
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:        db,
		Clock:           time.Now,
		StartingCredits: appConfig.Generation.StartingCredits,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	completer, err := llm.NewClient(llm.Config{
		BaseURL: appConfig.Model.BaseURL,
		APIKey:  appConfig.Model.APIKey,
		Model:   appConfig.Model.Name,
		Timeout: appConfig.Model.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var sitePublisher projects.Publisher
	if appConfig.Publish.Enabled() {
		s3Publisher, err := publish.NewS3Publisher(publish.Config{
			Endpoint:      appConfig.Publish.Endpoint,
			Region:        appConfig.Publish.Region,
			AccessKey:     appConfig.Publish.AccessKey,
			SecretKey:     appConfig.Publish.SecretKey,
			Bucket:        appConfig.Publish.Bucket,
			PublicBaseURL: appConfig.Publish.PublicBaseURL,
			UsePathStyle:  appConfig.Publish.UsePathStyle,
			Prefix:        appConfig.Publish.Prefix,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		sitePublisher = s3Publisher
	}

	var gateway payments.Gateway
	if appConfig.Payments.StripeSecretKey != "" {
		gateway = payments.NewStripeGateway(appConfig.Payments.StripeSecretKey)
	} else {
		logger.Warn("stripe secret key not configured; credit purchases disabled")
	}
	paymentService, err := payments.NewService(payments.ServiceConfig{
		Database:      db,
		Gateway:       gateway,
		WebhookSecret: appConfig.Payments.StripeWebhookSecret,
		AppID:         appConfig.Payments.AppID,
		Currency:      appConfig.Payments.Currency,
		SuccessURL:    appConfig.Payments.SuccessURL,
		CancelURL:     appConfig.Payments.CancelURL,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	scheduler := projects.NewScheduler(projects.SchedulerConfig{
		SerializePerKey: appConfig.Generation.SerializePerProject,
		Logger:          logger,
	})

	projectService, err := projects.NewService(projects.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: projects.NewUUIDProvider(),
		Ledger:     userService,
		Completer:  completer,
		Runner:     scheduler,
		Events:     realtime,
		Publisher:  sitePublisher,
		Cleaner:    preview.Clean,
		CreditCost: appConfig.Generation.CreditCost,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Projects:         projectService,
		Payments:         paymentService,
		Realtime:         realtime,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		serveErr = httpServer.Shutdown(shutdownCtx)
		cancel()
	case serveErr = <-errCh:
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), appConfig.Generation.ShutdownGrace)
	defer cancel()
	if err := scheduler.Shutdown(graceCtx); err != nil {
		logger.Warn("background generations cancelled at shutdown", zap.Error(err))
	}
	return serveErr
}
