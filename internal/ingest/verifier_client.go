package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

// ErrVerifierUnreachable 验药服务不可达/响应异常
// 与"验过了但不通过"严格区分，上层绝不把"未知"当成"错误"
var ErrVerifierUnreachable = fmt.Errorf("verifier unreachable")

// VerifierClient 验药服务客户端（YOLO推理，外部协作方）
type VerifierClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewVerifierClient 创建验药服务客户端
func NewVerifierClient(baseURL string, timeout time.Duration, logger *zap.Logger) *VerifierClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &VerifierClient{
		httpClient: client,
		logger:     logger,
	}
}

// Verify 上传图像与期望配置，返回检测结果
// 网络错误或非200一律归为 ErrVerifierUnreachable
func (c *VerifierClient) Verify(image []byte, expected models.PillConfig) (*models.VerifyResponse, error) {
	expectedJSON, err := json.Marshal(map[string]interface{}{
		"count": expected.Count,
		"label": expected.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal expected config: %w", err)
	}

	var result models.VerifyResponse
	resp, err := c.httpClient.R().
		SetFileReader("image", "capture.jpg", bytes.NewReader(image)).
		SetFormData(map[string]string{
			"expected": string(expectedJSON),
		}).
		SetResult(&result).
		Post("/verify")

	if err != nil {
		c.logger.Error("Verifier call failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnreachable, err)
	}

	if resp.StatusCode() != 200 {
		c.logger.Error("Verifier returned bad status",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return nil, fmt.Errorf("%w: status %d", ErrVerifierUnreachable, resp.StatusCode())
	}

	return &result, nil
}

// Health 探活
func (c *VerifierClient) Health() error {
	resp, err := c.httpClient.R().Get("/health")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifierUnreachable, err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("%w: status %d", ErrVerifierUnreachable, resp.StatusCode())
	}
	return nil
}
