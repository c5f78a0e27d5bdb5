package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布订阅渠道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisNotifier 通过 PUBLISH 广播事件，不在 Redis 中保存任何数据。
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier 创建 Redis 通知器并检查连通性。
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "spells:cast"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

// Name 返回渠道名称。
func (n *RedisNotifier) Name() string { return "redis" }

// Notify 发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		return errors.New("Redis 通知器未初始化")
	}
	payload, err := event.payload()
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
