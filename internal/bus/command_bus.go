package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// Transport 指令通道传输层（MQTT客户端实现）
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	IsConnected() bool
}

// CommandBus 设备指令总线
// 断连时返回 false（调用方视为可重试，不是致命错误）；
// 拍摄指令在抖动窗口内的重复请求直接吞掉并返回成功
type CommandBus struct {
	transport Transport
	logger    *zap.Logger

	topicPrefix     string
	captureDebounce time.Duration
	deviceOverride  string // 非空时所有逻辑容器路由到该物理设备

	mu          sync.Mutex
	lastCapture map[string]time.Time // 抖动抑制键 → 上次发布时间
	now         func() time.Time
}

// NewCommandBus 创建指令总线
func NewCommandBus(transport Transport, topicPrefix string, captureDebounce time.Duration, deviceOverride string, logger *zap.Logger) *CommandBus {
	return &CommandBus{
		transport:       transport,
		logger:          logger,
		topicPrefix:     topicPrefix,
		captureDebounce: captureDebounce,
		deviceOverride:  deviceOverride,
		lastCapture:     make(map[string]time.Time),
		now:             time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (b *CommandBus) SetClock(now func() time.Time) {
	b.now = now
}

// ResolveDevice 逻辑容器 → 物理设备主题段
// 单物理设备模式下逻辑容器号仍保留在载荷体内，接收端据此区分
func (b *CommandBus) ResolveDevice(deviceID string) string {
	if b.deviceOverride != "" {
		return b.deviceOverride
	}
	return deviceID
}

// CmdTopic 构建 cmd 主题
func (b *CommandBus) CmdTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/cmd", b.topicPrefix, b.ResolveDevice(deviceID))
}

// ConfigTopic 构建 config 主题（retained）
func (b *CommandBus) ConfigTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s/config", b.topicPrefix, b.ResolveDevice(deviceID))
}

// Publish 发布设备指令
// 返回 false 表示本次没有发出去（断连），下一个自然触发点重试
func (b *CommandBus) Publish(deviceID string, cmd *models.DeviceCommand) bool {
	if !b.transport.IsConnected() {
		b.logger.Warn("Transport disconnected, command not sent",
			zap.String("device", deviceID),
			zap.String("action", cmd.Action),
		)
		return false
	}

	// 拍摄指令抖动抑制：用户动作和调度器预拍摄可能竞态
	if cmd.Action == models.ActionCapture {
		key := cmd.Container
		if key == "" {
			key = deviceID
		}
		b.mu.Lock()
		if last, ok := b.lastCapture[key]; ok {
			if b.now().Sub(last) < b.captureDebounce {
				b.mu.Unlock()
				b.logger.Info("Capture debounced, treating as already satisfied",
					zap.String("key", key),
				)
				return true
			}
		}
		b.lastCapture[key] = b.now()
		b.mu.Unlock()
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		b.logger.Error("Failed to marshal command", zap.Error(err))
		return false
	}

	topic := b.CmdTopic(deviceID)
	if err := b.transport.Publish(topic, 1, false, payload); err != nil {
		b.logger.Error("Failed to publish command",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return false
	}

	b.logger.Info("Command published",
		zap.String("topic", topic),
		zap.String("action", cmd.Action),
		zap.String("container", cmd.Container),
	)

	return true
}

// PublishConfig 下发连接配置（retained，设备重连后可立即拿到）
func (b *CommandBus) PublishConfig(deviceID string, cfg interface{}) bool {
	if !b.transport.IsConnected() {
		b.logger.Warn("Transport disconnected, config not sent",
			zap.String("device", deviceID),
		)
		return false
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("Failed to marshal config", zap.Error(err))
		return false
	}

	if err := b.transport.Publish(b.ConfigTopic(deviceID), 1, true, payload); err != nil {
		b.logger.Error("Failed to publish config", zap.Error(err))
		return false
	}

	return true
}
