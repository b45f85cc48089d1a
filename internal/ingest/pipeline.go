package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// Verifier 验药接口（VerifierClient实现）
type Verifier interface {
	Verify(image []byte, expected models.PillConfig) (*models.VerifyResponse, error)
}

// Publisher 指令发布接口
type Publisher interface {
	Publish(deviceID string, cmd *models.DeviceCommand) bool
}

// ResultStore 验证结果与通知落地接口（ResultCache实现）
type ResultStore interface {
	SetVerificationResult(ctx context.Context, result *models.VerificationResult) error
	AppendNotification(ctx context.Context, kind string, containerID int, message string, timestamp int64) error
}

// Notifier 邮件/推送通知接口
type Notifier interface {
	Send(to, subject, body string) error
}

// Pipeline 图像验证入库管线
// 验药 → 结果落地 → 不匹配时三路独立副作用（通知记录 / alert指令 / 邮件）
type Pipeline struct {
	verifier Verifier
	bus      Publisher
	results  ResultStore
	notifier Notifier
	logger   *zap.Logger

	alertCooldown time.Duration
	notifyTarget  func(containerID int) string

	mu        sync.Mutex
	lastAlert map[string]time.Time // 设备 → 上次alert时间

	now func() time.Time
}

// NewPipeline 创建入库管线
func NewPipeline(
	verifier Verifier,
	bus Publisher,
	results ResultStore,
	notifier Notifier,
	alertCooldown time.Duration,
	notifyTarget func(containerID int) string,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		verifier:      verifier,
		bus:           bus,
		results:       results,
		notifier:      notifier,
		logger:        logger,
		alertCooldown: alertCooldown,
		notifyTarget:  notifyTarget,
		lastAlert:     make(map[string]time.Time),
		now:           time.Now,
	}
}

// SetClock 注入时钟（测试用）
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Ingest 处理一次拍摄结果
// 验药服务不可达时返回 ErrVerifierUnreachable，绝不折算成 pass 或 fail
func (p *Pipeline) Ingest(ctx context.Context, containerID int, image []byte, expected models.PillConfig) (*models.VerificationResult, error) {
	resp, err := p.verifier.Verify(image, expected)
	if err != nil {
		return nil, err
	}

	result := &models.VerificationResult{
		ContainerID:     containerID,
		Pass:            resp.Pass,
		DetectedCount:   resp.Count,
		DetectedClasses: resp.ClassesDetected,
		Confidence:      resp.Confidence,
		Expected:        expected,
		Timestamp:       p.now().Unix(),
	}

	// 每容器一个槽位，覆盖写
	if err := p.results.SetVerificationResult(ctx, result); err != nil {
		p.logger.Error("Failed to persist verification result",
			zap.Int("container", containerID),
			zap.Error(err),
		)
		// 落地失败不阻断后续副作用
	}

	if !resp.Pass {
		p.handleMismatch(ctx, containerID, expected, resp)
	}

	return result, nil
}

// handleMismatch 不匹配的三路副作用，彼此独立，任何一路失败不阻塞其它
func (p *Pipeline) handleMismatch(ctx context.Context, containerID int, expected models.PillConfig, resp *models.VerifyResponse) {
	message := fmt.Sprintf("pill mismatch: expected %d, detected %d", expected.Count, resp.Count)

	p.logger.Warn("Verification mismatch",
		zap.Int("container", containerID),
		zap.Int("expected", expected.Count),
		zap.Int("detected", resp.Count),
	)

	// 1. 通知记录（有界，FIFO裁剪）
	if err := p.results.AppendNotification(ctx, "mismatch", containerID, message, p.now().Unix()); err != nil {
		p.logger.Error("Failed to append mismatch notification", zap.Error(err))
	}

	// 2. alert 指令（设备级冷却，防止重复验失败刷屏）
	deviceID := fmt.Sprintf("container%d", containerID)
	if p.allowAlert(deviceID) {
		cmd := &models.DeviceCommand{
			Action:    models.ActionAlert,
			Container: deviceID,
			Reason:    "pill_mismatch",
			Expected:  &expected,
			Detected:  resp.ClassesDetected,
		}
		if !p.bus.Publish(deviceID, cmd) {
			p.logger.Warn("Alert publish failed", zap.String("device", deviceID))
		}
	} else {
		p.logger.Info("Alert suppressed by cooldown", zap.String("device", deviceID))
	}

	// 3. 邮件/推送通知
	if p.notifier != nil && p.notifyTarget != nil {
		if target := p.notifyTarget(containerID); target != "" {
			subject := fmt.Sprintf("PillNow mismatch: container %d", containerID)
			if err := p.notifier.Send(target, subject, message); err != nil {
				p.logger.Warn("Mismatch email failed", zap.Error(err))
			}
		}
	}
}

// allowAlert 检查alert冷却窗口
func (p *Pipeline) allowAlert(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if last, ok := p.lastAlert[deviceID]; ok && now.Sub(last) < p.alertCooldown {
		return false
	}
	p.lastAlert[deviceID] = now
	return true
}
