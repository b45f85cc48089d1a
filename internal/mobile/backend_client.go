package mobile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// RelayBackendClient 中继后端 HTTP 客户端（BackendClient 实现）
type RelayBackendClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewRelayBackendClient 创建中继后端客户端
func NewRelayBackendClient(baseURL string, logger *zap.Logger) *RelayBackendClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &RelayBackendClient{
		httpClient: client,
		logger:     logger,
	}
}

type takenRequest struct {
	RecordID  string `json:"record_id,omitempty"`
	Container int    `json:"container,omitempty"`
	Time      string `json:"time,omitempty"`
	Date      string `json:"date,omitempty"`
	Status    string `json:"status"`
}

type takenResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		RecordID string `json:"record_id"`
	} `json:"result"`
}

// UpdateStatusByID 按记录ID更新状态
func (c *RelayBackendClient) UpdateStatusByID(ctx context.Context, recordID, status string) error {
	var out takenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(takenRequest{RecordID: recordID, Status: status}).
		SetResult(&out).
		Post("/status/taken")

	if err != nil {
		return fmt.Errorf("status update request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("status update returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// UpdateStatusBySearch 按 容器+时间(+日期) 检索匹配并更新状态
// 返回匹配到的记录ID，调用方可回填缓存
func (c *RelayBackendClient) UpdateStatusBySearch(ctx context.Context, container int, timeStr, dateStr, status string) (string, error) {
	var out takenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(takenRequest{Container: container, Time: timeStr, Date: dateStr, Status: status}).
		SetResult(&out).
		Post("/status/taken")

	if err != nil {
		return "", fmt.Errorf("status search-update request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("status search-update returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Result.RecordID, nil
}
