package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// Sender 通知发送接口：send(to, subject, text)
// 投递机制（推送/短信/邮件）对调用方透明
type Sender interface {
	Send(to, subject, body string) error
}

// PushoverSender Pushover 推送通道
type PushoverSender struct {
	httpClient *resty.Client
	token      string
	user       string
	logger     *zap.Logger
}

// NewPushoverSender 创建 Pushover 通道
func NewPushoverSender(token, user string, logger *zap.Logger) *PushoverSender {
	client := resty.New().
		SetBaseURL("https://api.pushover.net").
		SetTimeout(10 * time.Second)

	return &PushoverSender{
		httpClient: client,
		token:      token,
		user:       user,
		logger:     logger,
	}
}

// Send 发送推送（to 为空时用配置的默认用户）
func (s *PushoverSender) Send(to, subject, body string) error {
	user := s.user
	if to != "" && !strings.Contains(to, "@") {
		user = to
	}

	resp, err := s.httpClient.R().
		SetFormData(map[string]string{
			"token":   s.token,
			"user":    user,
			"title":   subject,
			"message": body,
		}).
		Post("/1/messages.json")

	if err != nil {
		return fmt.Errorf("pushover request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("pushover api error: status %d, body %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// Publisher 指令发布接口
type Publisher interface {
	Publish(deviceID string, cmd *models.DeviceCommand) bool
}

// SMSSender 经由设备GSM模块的短信通道（下发 send_sms 指令，设备转 SENDSMS 串口指令）
type SMSSender struct {
	bus      Publisher
	deviceID string
	logger   *zap.Logger
}

// NewSMSSender 创建短信通道
func NewSMSSender(bus Publisher, deviceID string, logger *zap.Logger) *SMSSender {
	return &SMSSender{
		bus:      bus,
		deviceID: deviceID,
		logger:   logger,
	}
}

// Send 经设备发送短信（subject 并入正文）
func (s *SMSSender) Send(to, subject, body string) error {
	message := body
	if subject != "" {
		message = subject + ": " + body
	}

	cmd := &models.DeviceCommand{
		Action:  models.ActionSendSMS,
		Phone:   to,
		Message: message,
	}
	if !s.bus.Publish(s.deviceID, cmd) {
		return fmt.Errorf("sms command not delivered to device %s", s.deviceID)
	}

	return nil
}

// MultiSender 依次尝试多个通道，第一个成功即返回
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender 创建多通道发送器
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders, logger: logger}
}

// Send 逐通道尝试
func (m *MultiSender) Send(to, subject, body string) error {
	var lastErr error
	for _, s := range m.senders {
		if err := s.Send(to, subject, body); err != nil {
			m.logger.Warn("Notification channel failed, trying next", zap.Error(err))
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no notification channels configured")
	}
	return lastErr
}
