package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autotrader/internal/api"
	"autotrader/internal/bot"
	"autotrader/internal/config"
	"autotrader/internal/events"
	"autotrader/internal/exchange"
	"autotrader/internal/repository"
	"autotrader/internal/risk"
	"autotrader/internal/service"
	"autotrader/internal/websocket"
	"autotrader/pkg/retry"
	"autotrader/pkg/utils"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// .env опционален: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// конфигурации логгера ещё нет: пишет глобальный логгер по умолчанию
		utils.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", utils.Err(err))
	}
	logger.Info("server exited")
}

func run(cfg *config.Config, logger *utils.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================================
	// Хранилища
	// ============================================================

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	orderRepo := repository.NewOrderRepository(db)
	signalRepo := repository.NewSignalRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	riskStateRepo := repository.NewRiskStateRepository(rdb, cfg.Redis.Key, cfg.Redis.TTL)

	// ============================================================
	// Биржа и риск-контур
	// ============================================================

	gateway, err := exchange.NewGateway(cfg.Exchange.GatewayConfig(), logger)
	if err != nil {
		return fmt.Errorf("exchange gateway: %w", err)
	}
	defer gateway.Close()
	gateway.SetRetryObserver(bot.RecordGatewayRetry)

	engine := risk.NewEngine(cfg.Risk.Params(), logger)

	sessionID := cfg.Bot.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	logger = logger.With(utils.String("session", sessionID))

	orders := bot.NewOrderManager(gateway, engine, orderRepo, signalRepo, bot.OrderManagerConfig{
		SessionID:       sessionID,
		DefaultCategory: cfg.Exchange.Categories[0],
	}, logger)

	positions := bot.NewPositionManager(gateway, engine, bot.PositionManagerConfig{
		Categories:         cfg.Exchange.Categories,
		PollInterval:       cfg.Bot.PositionPollInterval,
		DailyCheckInterval: cfg.Bot.DailyCheckInterval,
	}, logger)

	recovery := bot.NewRecoveryManager(gateway, orderRepo, orders.Locker(), bot.RecoveryConfig{
		Categories: cfg.Exchange.Categories,
		Timeout:    cfg.Bot.RecoveryTimeout,
	}, logger)

	orphans := bot.NewOrphanCleaner(gateway, orderRepo, bot.OrphanCleanerConfig{
		Categories: cfg.Exchange.Categories,
		Interval:   cfg.Bot.OrphanInterval,
		MinAge:     cfg.Bot.OrphanMinAge,
	}, logger)

	stream := bot.NewStreamRouter(gateway, orders, positions, cfg.Bot.StreamBuffer, logger)

	// ============================================================
	// Подписчики событий
	// ============================================================

	buses := []*events.Bus{orders.Events(), positions.Events()}
	var unsubscribe []func()
	subscribeAll := func(l events.Listener) {
		unsubscribe = append(unsubscribe, engine.Subscribe(l))
		for _, b := range buses {
			unsubscribe = append(unsubscribe, b.Subscribe(l))
		}
	}

	keeper := bot.NewRiskStateKeeper(engine, riskStateRepo, cfg.Bot.RiskStateInterval, logger)
	unsubscribe = append(unsubscribe, engine.Subscribe(events.Filter(keeper, events.TypeDrawdownHalt, events.TypeDrawdownReset)))

	recorder := bot.NewEventRecorder(notificationRepo, cfg.Bot.EventBuffer, logger)
	go recorder.Run(context.Background())
	subscribeAll(recorder)

	subscribeAll(bot.NewMetricsListener(engine.Status))

	var exporter *events.KafkaExporter
	if cfg.Kafka.Enabled() {
		exporter = events.NewKafkaExporter(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger)
		exporter.Start()
		subscribeAll(exporter)
	}

	hub := websocket.NewHub(engine.Status, cfg.Server.AllowedOrigins, logger)
	go hub.Run()
	subscribeAll(hub)

	notifications := service.NewNotificationService(notificationRepo, service.RetentionConfig{}, logger)

	// ============================================================
	// Старт: восстановление состояния, затем фоновые циклы
	// ============================================================

	if found, err := keeper.Restore(ctx); err != nil {
		// без сохранённого пика монитор стартует с текущего equity
		logger.Warn("risk state restore failed", utils.Err(err))
	} else if found {
		logger.Info("risk state restored")
	}

	report := recovery.Recover(ctx)
	logger.Info("startup recovery finished",
		utils.Int("orders_repaired", report.OrdersRepaired),
		utils.Int("positions_found", report.PositionsFound),
		utils.Int("errors", len(report.Errors)),
		utils.Dur("duration", report.Duration),
	)

	positions.Start(ctx)
	if err := stream.Start(ctx); err != nil {
		// push-канал недоступен: состояние догоняет опрос PositionManager
		logger.Error("private stream unavailable, running on polling only", utils.Err(err))
	}
	orphans.Start(ctx)
	keeper.Start(ctx)
	notifications.Start(ctx)

	// ============================================================
	// HTTP
	// ============================================================

	router := api.SetupRoutes(&api.Dependencies{
		DB:             db,
		Status:         engine.Status,
		Hub:            hub,
		Notifications:  notifications,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// ============================================================
	// Сигналы: SIGHUP - перечитать параметры риска, SIGINT/SIGTERM - выход
	// ============================================================

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				reloadRiskParams(engine, logger)
				continue
			}
			logger.Info("shutdown signal received", utils.String("signal", sig.String()))
			break wait
		case err := <-serverErr:
			runErr = fmt.Errorf("http server: %w", err)
			break wait
		}
	}

	// ============================================================
	// Остановка в обратном порядке
	// ============================================================

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", utils.Err(err))
	}

	notifications.Stop()
	orphans.Stop()
	stream.Stop()
	positions.Stop()
	cancel()

	for _, unsub := range unsubscribe {
		unsub()
	}

	keeper.Stop(shutdownCtx)
	recorder.Close()
	hub.Stop()
	if exporter != nil {
		exporter.Stop()
	}

	return runErr
}

// initDatabase открывает пул соединений и проверяет доступность БД
func initDatabase(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	// БД в compose может подниматься позже процесса
	cfgRetry := retry.DefaultConfig()
	cfgRetry.InitialDelay = time.Second
	cfgRetry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("database not ready, retrying", utils.Attempt(attempt), utils.Dur("delay", delay), utils.Err(err))
	}
	err = retry.Do(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	}, cfgRetry)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// reloadRiskParams перечитывает .env и окружение и применяет параметры риска.
// Остальные настройки требуют перезапуска.
func reloadRiskParams(engine *risk.Engine, logger *utils.Logger) {
	_ = godotenv.Overload()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config reload failed, keeping current risk params", utils.Err(err))
		return
	}

	ignored := engine.UpdateParams(cfg.Risk.ToParamMap())
	logger.Info("risk params reloaded", utils.Int("ignored", len(ignored)))
}
