package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"pillnow-relay/internal/bus"
	"pillnow-relay/internal/cache"
	"pillnow-relay/internal/config"
	"pillnow-relay/internal/httpapi"
	"pillnow-relay/internal/ingest"
	"pillnow-relay/internal/mqtt"
	"pillnow-relay/internal/notify"
	"pillnow-relay/internal/repository"
	"pillnow-relay/internal/scheduler"
	"pillnow-relay/internal/store"
)

// RelayService 药盒中继服务（整合各层）
type RelayService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger
	elderID     string

	// 各层组件
	cloudRepo   *repository.ScheduleCloudRepository
	resultCache *cache.ResultCache
	schedStore  *store.ScheduleStore
	commandBus  *bus.CommandBus
	alarmSched  *scheduler.AlarmScheduler
	pipeline    *ingest.Pipeline
	httpServer  *http.Server
}

// NewRelayService 创建中继服务
func NewRelayService(cfg *config.Config, logger *zap.Logger, elderID string) (*RelayService, error) {
	// 1. 连接数据库（云端日程库）
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// 4. Repository / 缓存层
	cloudRepo := repository.NewScheduleCloudRepository(db, logger)
	resultCache := cache.NewResultCache(redisClient, cfg.Ingest.MismatchLimit, logger)

	// 5. 本地日程缓存与指令总线
	schedStore := store.NewScheduleStore(cloudRepo, logger)
	commandBus := bus.NewCommandBus(mqttClient, cfg.Bus.TopicPrefix, cfg.Bus.CaptureDebounce, cfg.Bus.DeviceOverride, logger)

	// 6. 通知通道（推送优先，短信经设备GSM兜底）
	var notifier notify.Sender
	var channels []notify.Sender
	if cfg.Notify.PushoverToken != "" {
		channels = append(channels, notify.NewPushoverSender(cfg.Notify.PushoverToken, cfg.Notify.PushoverUser, logger))
	}
	channels = append(channels, notify.NewSMSSender(commandBus, cfg.Device.ID, logger))
	notifier = notify.NewMultiSender(logger, channels...)

	// 7. 调度器与入库管线
	alarmSched := scheduler.NewAlarmScheduler(cfg, schedStore, commandBus, notifier, resultCache, logger)

	verifier := ingest.NewVerifierClient(cfg.Verifier.BaseURL, cfg.Verifier.Timeout, logger)
	notifyTarget := func(containerID int) string {
		if c, ok := schedStore.Get(containerID); ok {
			return c.NotifyTarget
		}
		return ""
	}
	pipeline := ingest.NewPipeline(verifier, commandBus, resultCache, notifier, cfg.Ingest.AlertCooldown, notifyTarget, logger)

	// 8. HTTP 层
	handler := httpapi.NewHandler(schedStore, commandBus, pipeline, cloudRepo, resultCache, elderID, schedStore.SyncFromCloud, logger)
	router := httpapi.NewRouter(logger)
	router.RegisterRelayRoutes(handler)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	return &RelayService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		elderID:     elderID,
		cloudRepo:   cloudRepo,
		resultCache: resultCache,
		schedStore:  schedStore,
		commandBus:  commandBus,
		alarmSched:  alarmSched,
		pipeline:    pipeline,
		httpServer:  httpServer,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *RelayService) Start(ctx context.Context) error {
	// 启动时先和云端对一次日程（失败不致命，HTTP /sync 可随时重试）
	syncCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := s.schedStore.SyncFromCloud(syncCtx, s.elderID); err != nil {
		s.logger.Warn("Initial cloud sync failed", zap.Error(err))
	}
	cancel()

	errChan := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.config.HTTP.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	go func() {
		if err := s.alarmSched.Start(ctx); err != nil {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务，释放连接
func (s *RelayService) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", zap.Error(err))
	}

	s.mqttClient.Disconnect()
	if err := s.redisClient.Close(); err != nil {
		s.logger.Warn("Redis close error", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("Database close error", zap.Error(err))
	}

	s.logger.Info("Relay service stopped")
}
