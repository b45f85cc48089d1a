package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pillnow-relay/internal/config"
	"pillnow-relay/internal/device"
	"pillnow-relay/internal/logger"
	"pillnow-relay/internal/models"
	"pillnow-relay/internal/mqtt"
)

// readWriter 拼一对单向流成双向端口
type readWriter struct {
	io.Reader
	io.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "pillnow-device")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backendURL := os.Getenv("BACKEND_HTTP")
	if backendURL == "" {
		backendURL = "http://127.0.0.1:5001"
	}

	// 串口：指定 SERIAL_PORT 时桥接真实硬件；
	// 否则软件设备模式，进程内直接跑控制器
	serialPort := os.Getenv("SERIAL_PORT")
	var bridgePort io.ReadWriter

	if serialPort != "" {
		// 端口参数（波特率等）需预先用 stty 配好
		f, err := os.OpenFile(serialPort, os.O_RDWR, 0)
		if err != nil {
			log.Fatal("Failed to open serial port",
				zap.String("port", serialPort),
				zap.Error(err),
			)
		}
		defer f.Close()
		bridgePort = f
		log.Info("Bridging to hardware serial", zap.String("port", serialPort))
	} else {
		// 两条内存管道把桥和控制器对接起来
		ctrlIn, bridgeOut := io.Pipe()
		bridgeIn, ctrlOut := io.Pipe()
		bridgePort = &readWriter{Reader: bridgeIn, Writer: bridgeOut}

		ctrlPort := device.NewStreamPort(ctrlIn, ctrlOut, log)
		startController(ctx, cfg, ctrlPort, log)
		log.Info("Running software device controller")
	}

	bridge := device.NewBridge(bridgePort, backendURL, cfg.Device.StopThrottle, log)

	// MQTT 订阅 cmd 主题
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = "pillnow-device"
	mqttClient, err := mqtt.NewClient(&mqttCfg, log)
	if err != nil {
		log.Fatal("Failed to connect mqtt", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	cmdTopic := fmt.Sprintf("%s/+/cmd", cfg.Bus.TopicPrefix)
	if err := mqttClient.Subscribe(cmdTopic, cfg.MQTT.QoS, bridge.HandleCommand); err != nil {
		log.Fatal("Failed to subscribe", zap.Error(err))
	}
	log.Info("Subscribed to command topic", zap.String("topic", cmdTopic))

	// 串口回读循环（ALARM_STOPPED → 补拍回调）
	go func() {
		if err := bridge.ReadLoop(ctx); err != nil {
			log.Error("Serial read loop exited", zap.Error(err))
		}
	}()

	// 周期心跳
	go heartbeatLoop(ctx, cfg, mqttClient, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	cancel()
}

// startController 软件设备模式：在goroutine里跑协作式控制循环
func startController(ctx context.Context, cfg *config.Config, port device.LinePort, log *zap.Logger) {
	table := device.NewScheduleTable(cfg.Device.ScheduleSlots)
	actuator := &logActuator{logger: log}

	var ctrl *device.Controller
	sm := device.NewAlarmStateMachine(
		actuator,
		cfg.Device.AlarmCeiling,
		cfg.Device.AlarmInterval,
		cfg.Device.LocateInterval,
		func(ev device.StopEvent) {
			if ctrl != nil {
				ctrl.AnnounceStop(ev)
			}
		},
		log,
	)
	ctrl = device.NewController(port, nil, sm, table, cfg.Ingest.AlertCooldown, log)

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			log.Error("Controller exited", zap.Error(err))
		}
	}()
}

// heartbeatLoop 周期发布 status 心跳
func heartbeatLoop(ctx context.Context, cfg *config.Config, client *mqtt.Client, log *zap.Logger) {
	topic := fmt.Sprintf("%s/%s/status", cfg.Bus.TopicPrefix, cfg.Device.ID)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	publish := func() {
		status := models.DeviceStatus{
			Online:    true,
			Timestamp: time.Now().Unix(),
		}
		payload, err := json.Marshal(status)
		if err != nil {
			return
		}
		if err := client.Publish(topic, cfg.MQTT.QoS, true, payload); err != nil {
			log.Warn("Heartbeat publish failed", zap.Error(err))
		}
	}

	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// logActuator 软件设备模式的执行器：只记日志
type logActuator struct {
	logger *zap.Logger
}

func (a *logActuator) SetBuzzer(on bool) {
	a.logger.Debug("Buzzer", zap.Bool("on", on))
}

func (a *logActuator) SetIndicator(container int, on bool) {
	a.logger.Debug("Indicator", zap.Int("container", container), zap.Bool("on", on))
}
