package device

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
	"pillnow-relay/internal/store"
)

// serialChunkSize 串口分块写大小（长指令整段写容易丢字节）
const serialChunkSize = 64

var stopLineRe = regexp.MustCompile(`C(\d+)`)

// Bridge MQTT→串口桥
// 订阅 cmd 主题把指令翻译成串口行；反向监听 ALARM_STOPPED，
// 节流后回调中继的停止接口触发补拍
type Bridge struct {
	port    io.ReadWriter
	backend *resty.Client
	logger  *zap.Logger

	stopThrottle time.Duration

	mu       sync.Mutex
	lastStop map[int]time.Time

	now func() time.Time
}

// NewBridge 创建桥
func NewBridge(port io.ReadWriter, backendURL string, stopThrottle time.Duration, logger *zap.Logger) *Bridge {
	client := resty.New().
		SetBaseURL(backendURL).
		SetTimeout(8 * time.Second)

	return &Bridge{
		port:         port,
		backend:      client,
		logger:       logger,
		stopThrottle: stopThrottle,
		lastStop:     make(map[int]time.Time),
		now:          time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (b *Bridge) SetClock(now func() time.Time) {
	b.now = now
}

// HandleCommand cmd 主题消息入口（挂到MQTT订阅上）
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
	var cmd models.DeviceCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("malformed command payload: %w", err)
	}

	line, ok := b.translate(&cmd)
	if !ok {
		b.logger.Debug("Command not for serial path",
			zap.String("topic", topic),
			zap.String("action", cmd.Action),
		)
		return nil
	}

	b.logger.Info("Forwarding command to serial",
		zap.String("topic", topic),
		zap.String("line", line),
	)
	return b.WriteChunked(line)
}

// translate 指令载荷 → 串口行
// capture 由中继本机摄像头处理，不走串口
func (b *Bridge) translate(cmd *models.DeviceCommand) (string, bool) {
	switch cmd.Action {
	case models.ActionAlert:
		n := store.NormalizeContainerID(cmd.Container)
		return fmt.Sprintf("PILLALERT C%d", n), true
	case models.ActionAlarmTriggered:
		n := store.NormalizeContainerID(cmd.Container)
		hhmm := cmd.Time
		if hhmm == "" {
			hhmm = "00:00"
		}
		if cmd.Date != "" {
			return fmt.Sprintf("ALARM_TRIGGERED C%d %s %s", n, cmd.Date, hhmm), true
		}
		return fmt.Sprintf("ALARM_TRIGGERED C%d %s", n, hhmm), true
	case models.ActionSendSMS:
		if cmd.Phone == "" || cmd.Message == "" {
			b.logger.Warn("send_sms payload missing phone or message")
			return "", false
		}
		return fmt.Sprintf("SENDSMS %s %s", cmd.Phone, cmd.Message), true
	}
	return "", false
}

// WriteChunked 分块写串口：64字节一块，每块之间留10ms
func (b *Bridge) WriteChunked(line string) error {
	data := []byte(line + "\n")
	for i := 0; i < len(data); i += serialChunkSize {
		end := i + serialChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := b.port.Write(data[i:end]); err != nil {
			return fmt.Errorf("serial write failed: %w", err)
		}
		if end < len(data) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}

// ReadLoop 监听串口输出（阻塞直到 ctx 取消或端口关闭）
// 识别 ALARM_STOPPED C<n>，节流后回调中继触发停止补拍
func (b *Bridge) ReadLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(b.port)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b.logger.Debug("Serial line received", zap.String("line", line))

		if strings.Contains(strings.ToUpper(line), "ALARM_STOPPED") {
			b.handleAlarmStopped(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("serial read loop ended: %w", err)
	}
	return nil
}

// handleAlarmStopped 解析容器号、节流、回调中继
func (b *Bridge) handleAlarmStopped(line string) {
	container := 1
	if m := stopLineRe.FindStringSubmatch(strings.ToUpper(line)); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			container = n
		}
	}

	if !b.allowStop(container) {
		b.logger.Info("Ignoring duplicate ALARM_STOPPED",
			zap.Int("container", container),
		)
		return
	}

	b.logger.Info("Alarm stopped, requesting post-stop capture",
		zap.Int("container", container),
	)

	resp, err := b.backend.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{}).
		Post(fmt.Sprintf("/alarm/stopped/container%d", container))
	if err != nil {
		b.logger.Error("Failed to call alarm-stopped endpoint", zap.Error(err))
		return
	}
	if resp.StatusCode() != 200 {
		b.logger.Warn("Alarm-stopped endpoint returned bad status",
			zap.Int("status", resp.StatusCode()),
		)
	}
}

// allowStop 停止事件去重窗口
func (b *Bridge) allowStop(container int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if last, ok := b.lastStop[container]; ok && now.Sub(last) < b.stopThrottle {
		return false
	}
	b.lastStop[container] = now
	return true
}
