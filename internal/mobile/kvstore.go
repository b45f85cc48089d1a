package mobile

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound 键不存在
var ErrKeyNotFound = fmt.Errorf("key not found")

// KVStore 手机端本地持久化抽象
// 状态缓存、离线重放日志、报警宽限表都是JSON序列化的map，按组合键存取
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// RedisKVStore Redis 落地实现
type RedisKVStore struct {
	client *redis.Client
	prefix string
}

// NewRedisKVStore 创建 Redis KV 存储
func NewRedisKVStore(client *redis.Client, prefix string) *RedisKVStore {
	return &RedisKVStore{client: client, prefix: prefix}
}

func (s *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisKVStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (s *RedisKVStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// MemoryKVStore 内存实现（测试以及无本地存储的运行环境）
type MemoryKVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKVStore 创建内存 KV 存储
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[string]string)}
}

func (s *MemoryKVStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (s *MemoryKVStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryKVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
