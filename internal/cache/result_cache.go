package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

const (
	verificationKeyPrefix = "pillnow:container:"
	verificationSuffix    = ":verification"
	notificationsKey      = "pillnow:notifications"
)

// ResultCache Redis 缓存管理器（验证结果 + 通知记录）
type ResultCache struct {
	redisClient *redis.Client
	logger      *zap.Logger
	limit       int // 通知记录保留上限
}

// NewResultCache 创建缓存管理器
func NewResultCache(redisClient *redis.Client, limit int, logger *zap.Logger) *ResultCache {
	if limit <= 0 {
		limit = 50
	}
	return &ResultCache{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
	}
}

// SetVerificationResult 写入容器最近一次验证结果（每容器一个槽位，覆盖写）
func (c *ResultCache) SetVerificationResult(ctx context.Context, result *models.VerificationResult) error {
	key := fmt.Sprintf("%s%d%s", verificationKeyPrefix, result.ContainerID, verificationSuffix)

	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal verification result: %w", err)
	}

	if err := c.redisClient.Set(ctx, key, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set verification result: %w", err)
	}

	return nil
}

// GetVerificationResult 读取容器最近一次验证结果
func (c *ResultCache) GetVerificationResult(ctx context.Context, containerID int) (*models.VerificationResult, error) {
	key := fmt.Sprintf("%s%d%s", verificationKeyPrefix, containerID, verificationSuffix)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("verification result not found for container %d", containerID)
		}
		return nil, fmt.Errorf("failed to get verification result: %w", err)
	}

	var result models.VerificationResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal verification result: %w", err)
	}

	return &result, nil
}

// AppendNotification 追加通知记录（FIFO裁剪到上限）
func (c *ResultCache) AppendNotification(ctx context.Context, kind string, containerID int, message string, timestamp int64) error {
	record := models.NotificationRecord{
		ID:        uuid.New().String(),
		Kind:      kind,
		Container: containerID,
		Message:   message,
		Timestamp: timestamp,
	}

	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := c.redisClient.Pipeline()
	pipe.LPush(ctx, notificationsKey, jsonData)
	pipe.LTrim(ctx, notificationsKey, 0, int64(c.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}

	return nil
}

// GetNotifications 读取通知记录（新到旧）
func (c *ResultCache) GetNotifications(ctx context.Context) ([]models.NotificationRecord, error) {
	vals, err := c.redisClient.LRange(ctx, notificationsKey, 0, int64(c.limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	out := make([]models.NotificationRecord, 0, len(vals))
	for _, v := range vals {
		var record models.NotificationRecord
		if err := json.Unmarshal([]byte(v), &record); err != nil {
			// 坏记录跳过，不中断
			c.logger.Warn("Skipping malformed notification record", zap.Error(err))
			continue
		}
		out = append(out, record)
	}

	return out, nil
}
