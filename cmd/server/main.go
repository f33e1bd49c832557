package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ytakahashi/taskboard/internal/auth"
	"github.com/ytakahashi/taskboard/internal/config"
	"github.com/ytakahashi/taskboard/internal/handlers"
	"github.com/ytakahashi/taskboard/internal/logging"
	"github.com/ytakahashi/taskboard/internal/metrics"
	"github.com/ytakahashi/taskboard/internal/notify"
	"github.com/ytakahashi/taskboard/internal/services"
	"github.com/ytakahashi/taskboard/internal/tasksync"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	firestoreService, err := services.NewFirestoreService(ctx, cfg.GoogleCloudProject, logger.Named("firestore"))
	if err != nil {
		logger.Fatal("Failed to create Firestore service", zap.Error(err))
	}
	defer firestoreService.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	boardMetrics := metrics.New(reg)

	opts := []tasksync.Option{
		tasksync.WithLogger(logger.Named("tasksync")),
		tasksync.WithVocabulary(cfg.Vocabulary()),
		tasksync.WithObserver(boardMetrics),
	}

	var bot *messaging_api.MessagingApiAPI
	if cfg.LineChannelToken != "" {
		bot, err = messaging_api.NewMessagingApiAPI(cfg.LineChannelToken)
		if err != nil {
			logger.Fatal("Failed to create LINE bot client", zap.Error(err))
		}
	}
	var notifier *notify.LineNotifier
	if cfg.LineNotifyTo != "" {
		notifier = notify.NewLineNotifier(bot, cfg.LineNotifyTo, logger.Named("notify"))
		opts = append(opts, tasksync.WithObserver(notifier))
	}

	guestStore := services.NewGuestStore(cfg.GuestStoreDir, cfg.GuestStoreNamespace, cfg.GuestStoreMaxBytes)
	board, err := tasksync.New(guestStore, firestoreService, opts...)
	if err != nil {
		logger.Fatal("Failed to load guest tasks", zap.String("path", guestStore.Path()), zap.Error(err))
	}

	boardHandler := handlers.NewBoardHandler(board, logger.Named("http"), boardMetrics)
	if cfg.OAuthEnabled() {
		googleAuth := auth.NewGoogleAuth(cfg.GoogleOAuthClientID, cfg.GoogleOAuthClientSecret, cfg.GoogleOAuthRedirectURL)
		boardHandler.WithSignIn(googleAuth, firestoreService)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	boardHandler.Register(e)

	if cfg.LineEnabled() {
		webhookHandler := handlers.NewWebhookHandler(bot, board, cfg.LineChannelSecret, logger.Named("webhook"))
		e.POST("/webhook", webhookHandler.HandleWebhook)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "mode": string(board.Mode())})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if err := board.Deactivate(); err != nil {
		logger.Warn("Failed to return board to guest mode", zap.Error(err))
	}
	if notifier != nil {
		notifier.Wait()
	}
}
