package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"pillnow-relay/internal/config"
	"pillnow-relay/internal/httpapi"
	"pillnow-relay/internal/logger"
	"pillnow-relay/internal/mobile"
	"pillnow-relay/internal/models"
	"pillnow-relay/internal/mqtt"
	"pillnow-relay/internal/store"
)

// 手机端同步代理：监听报警触发事件维护宽限表，
// 界面经本地 HTTP 口做 MarkTaken / 宽限查询
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pillnow-agent")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayURL := os.Getenv("RELAY_HTTP")
	if relayURL == "" {
		relayURL = "http://127.0.0.1:5001"
	}
	listenAddr := os.Getenv("AGENT_HTTP_ADDR")
	if listenAddr == "" {
		listenAddr = ":5002"
	}

	// 本地持久化（状态缓存 / 重放日志 / 宽限表）
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to ping redis", zap.Error(err))
	}
	defer redisClient.Close()
	kv := mobile.NewRedisKVStore(redisClient, "pillnow:agent:")

	backend := mobile.NewRelayBackendClient(relayURL, log)
	statusSvc := mobile.NewStatusService(kv, backend, cfg.Mobile.LockTTL, cfg.Mobile.SyncDebounce, cfg.Mobile.ReplayLimit, log)
	tracker := mobile.NewTriggerTracker(kv, cfg.Mobile.GraceWindow, log)

	if err := statusSvc.Load(ctx); err != nil {
		log.Warn("Status cache load failed", zap.Error(err))
	}
	if err := tracker.Load(ctx); err != nil {
		log.Warn("Trigger table load failed", zap.Error(err))
	}

	statusSvc.OnStatusChanged = func(container int, timeStr, dateStr, status string) {
		log.Info("Dose status changed",
			zap.Int("container", container),
			zap.String("time", timeStr),
			zap.String("status", status),
		)
	}

	// 订阅 cmd 主题，捕捉 alarm_triggered 维护宽限表
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = "pillnow-agent"
	mqttClient, err := mqtt.NewClient(&mqttCfg, log)
	if err != nil {
		log.Fatal("Failed to connect mqtt", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	cmdTopic := fmt.Sprintf("%s/+/cmd", cfg.Bus.TopicPrefix)
	if err := mqttClient.Subscribe(cmdTopic, cfg.MQTT.QoS, triggerHandler(tracker, log)); err != nil {
		log.Fatal("Failed to subscribe", zap.Error(err))
	}
	log.Info("Subscribed to command topic", zap.String("topic", cmdTopic))

	// 周期重放离线更新 + 清理过期宽限记录
	go maintenanceLoop(ctx, statusSvc, tracker, log)

	// 界面口
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: agentRouter(statusSvc, tracker, log),
	}
	go func() {
		log.Info("Agent HTTP listening", zap.String("addr", listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Agent HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
}

// triggerHandler 记录 alarm_triggered 到宽限表
func triggerHandler(tracker *mobile.TriggerTracker, log *zap.Logger) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var cmd models.DeviceCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("malformed command payload: %w", err)
		}
		if cmd.Action != models.ActionAlarmTriggered {
			return nil
		}

		container := store.NormalizeContainerID(cmd.Container)
		tracker.RecordAlarmTrigger(container, cmd.Time, cmd.Date)
		log.Info("Alarm trigger recorded",
			zap.Int("container", container),
			zap.String("time", cmd.Time),
			zap.String("date", cmd.Date),
		)
		return nil
	}
}

// maintenanceLoop 周期性离线重放与宽限表清理
func maintenanceLoop(ctx context.Context, statusSvc *mobile.StatusService, tracker *mobile.TriggerTracker, log *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := statusSvc.SyncOfflineUpdates(ctx); err != nil {
				log.Warn("Offline replay failed", zap.Error(err))
			}
			tracker.Prune()
		}
	}
}

type doseRequest struct {
	Container int    `json:"container"`
	Time      string `json:"time"`
	Date      string `json:"date,omitempty"`
}

// agentRouter 界面侧本地口：标记服药、查状态、查宽限期
func agentRouter(statusSvc *mobile.StatusService, tracker *mobile.TriggerTracker, log *zap.Logger) *httpapi.Router {
	router := httpapi.NewRouter(log)

	router.Handle("/dose/taken", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req doseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.Fail("invalid request body"))
			return
		}
		accepted := statusSvc.MarkTaken(req.Container, req.Time, req.Date)
		httpapi.WriteJSON(w, http.StatusOK, httpapi.Ok(map[string]bool{"accepted": accepted}))
	})

	router.Handle("/dose/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req doseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.Fail("invalid request body"))
			return
		}
		status, known := statusSvc.Status(req.Container, req.Time, req.Date)
		grace := tracker.IsWithinGracePeriod(req.Container, req.Time, req.Date)
		httpapi.WriteJSON(w, http.StatusOK, httpapi.Ok(map[string]interface{}{
			"status":       status,
			"known":        known,
			"within_grace": grace,
		}))
	})

	router.Handle("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return router
}
